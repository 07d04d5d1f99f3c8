// Package schema owns the DDL for both backends and the startup migration
// path, including the one-time normalization of legacy 32-char hex
// identifiers into the canonical dashed form.
package schema

import (
	"context"
	"fmt"

	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
)

// Apply creates all federation tables (idempotent) and runs the legacy ID
// normalization pass.
func Apply(ctx context.Context, st store.Store) error {
	var ddl []string
	switch st.Backend() {
	case store.BackendPostgres:
		ddl = postgresDDL
	default:
		ddl = sqliteDDL
	}

	for _, stmt := range ddl {
		if _, err := st.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return NormalizeLegacyIDs(ctx, st)
}

// idColumns lists every (table, column) holding a canonical identifier.
// Legacy databases may hold 32-char bare hex in any of these.
var idColumns = []struct {
	table string
	cols  []string
}{
	{"agents", []string{"id"}},
	{"repos", []string{"id"}},
	{"repo_access", []string{"repo_id", "agent_id"}},
	{"maintainers", []string{"repo_id", "agent_id"}},
	{"branch_rules", []string{"id", "repo_id"}},
	{"streams", []string{"id", "repo_id", "agent_id"}},
	{"stream_parents", []string{"stream_id", "parent_stream_id"}},
	{"stream_reviews", []string{"id", "stream_id", "reviewer_id"}},
	{"stream_commits", []string{"id", "stream_id", "agent_id"}},
	{"merges", []string{"id", "stream_id", "repo_id"}},
	{"merge_queue", []string{"stream_id", "repo_id"}},
	{"conflicts", []string{"id", "stream_id"}},
	{"tasks", []string{"id", "repo_id"}},
	{"task_claims", []string{"id", "task_id", "agent_id"}},
	{"stabilizations", []string{"id", "repo_id"}},
	{"promotions", []string{"id", "repo_id"}},
	{"karma_ledger", []string{"id", "agent_id"}},
}

// NormalizeLegacyIDs rewrites any 32-char bare hex identifier found in the
// database into the dashed canonical form. Runs inside one transaction per
// table so a crash mid-migration never leaves a table half-converted.
func NormalizeLegacyIDs(ctx context.Context, st store.Store) error {
	for _, tc := range idColumns {
		for _, col := range tc.cols {
			if err := normalizeColumn(ctx, st, tc.table, col); err != nil {
				return fmt.Errorf("normalize %s.%s: %w", tc.table, col, err)
			}
		}
	}
	return nil
}

func normalizeColumn(ctx context.Context, st store.Store, table, col string) error {
	// Bare-hex values are exactly 32 chars and contain no dash.
	// #nosec G201 - table and column come from the static idColumns list
	selectQ := fmt.Sprintf(
		"SELECT DISTINCT %s FROM %s WHERE length(%s) = 32", col, table, col)

	rows, err := st.Query(ctx, selectQ)
	if err != nil {
		return err
	}
	var legacy []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		legacy = append(legacy, v)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	if len(legacy) == 0 {
		return nil
	}

	return st.InTx(ctx, func(q store.Querier) error {
		for _, old := range legacy {
			norm, err := ids.Normalize(old)
			if err != nil {
				// Not bare hex after all: reject rather than guess.
				return err
			}
			// #nosec G201 - identifiers from the static idColumns list
			updateQ := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE %s = $2", table, col, col)
			if _, err := q.Exec(ctx, updateQ, norm, old); err != nil {
				return err
			}
		}
		return nil
	})
}
