package coordinator

import (
	"context"
	"strconv"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Tier-1 plugin names. Only tier 1 runs in-process; higher tiers are
// recorded and skipped with a warning until a sandbox exists.
const (
	PluginPromoteOnGreen     = "promote_buffer_to_main"
	PluginAutoRevertOnRed    = "auto_revert_on_red"
	PluginStaleStreamCleanup = "stale_stream_cleanup"
)

const defaultStaleDays = 14

// PluginSpec is one configured plugin from .gitswarm/config.yml.
type PluginSpec struct {
	Name    string            `yaml:"name" json:"name"`
	Tier    int               `yaml:"tier" json:"tier"`
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`
}

// SetPlugins installs the repo's configured plugin list. Called once at
// startup from the loaded repo config.
func (c *Coordinator) SetPlugins(specs []PluginSpec) {
	c.plugins = specs
}

// DispatchPlugins runs after every stabilization. Tier-1 plugins execute
// in-process; anything else records a skip and emits a warning event.
func (c *Coordinator) DispatchPlugins(ctx context.Context, repo *types.Repo, rec *types.Stabilization) error {
	specs := c.plugins
	if len(specs) == 0 && repo.AutoPromoteOnGreen {
		specs = []PluginSpec{{Name: PluginPromoteOnGreen, Tier: 1}}
	}
	for _, spec := range specs {
		if spec.Tier != 1 {
			if err := c.recordDispatch(ctx, repo.ID, spec, types.EventStabilization, "skipped"); err != nil {
				return err
			}
			if err := c.emitWarning(ctx, repo.ID, spec,
				"tier "+strconv.Itoa(spec.Tier)+" plugins are not executed"); err != nil {
				return err
			}
			continue
		}
		status := "executed"
		if err := c.runPlugin(ctx, repo, rec, spec); err != nil {
			if errkind.Is(err, errkind.InvalidInput) {
				// Nothing to do (e.g. target already at green) is not a failure.
				status = "skipped"
			} else {
				status = "failed"
				if rerr := c.recordDispatch(ctx, repo.ID, spec, types.EventStabilization, status); rerr != nil {
					return rerr
				}
				return err
			}
		}
		if err := c.recordDispatch(ctx, repo.ID, spec, types.EventStabilization, status); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) runPlugin(ctx context.Context, repo *types.Repo, rec *types.Stabilization, spec PluginSpec) error {
	switch spec.Name {
	case PluginPromoteOnGreen:
		if rec.Result != types.ResultGreen {
			return nil
		}
		_, err := c.Promote(ctx, repo.ID, types.TriggerAuto)
		return err
	case PluginAutoRevertOnRed:
		// The revert itself runs inside stabilization; the plugin entry just
		// controls whether it is armed, which Stabilize reads off the repo.
		return nil
	case PluginStaleStreamCleanup:
		days := defaultStaleDays
		if v, ok := spec.Options["stale_days"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return errkind.New(errkind.InvalidInput, "plugin %s: bad stale_days %q", spec.Name, v)
			}
			days = n
		}
		_, err := c.CleanupStaleStreams(ctx, repo.ID, days)
		return err
	default:
		return c.emitWarning(ctx, repo.ID, spec, "unknown plugin")
	}
}

// CleanupStaleStreams abandons active streams untouched for staleDays.
// Returns the abandoned stream ids.
func (c *Coordinator) CleanupStaleStreams(ctx context.Context, repoID string, staleDays int) ([]string, error) {
	if err := ids.Validate(repoID); err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -staleDays)
	rows, err := c.st.Query(ctx, `
		SELECT id FROM streams
		WHERE repo_id = $1 AND status = 'active' AND updated_at < $2
	`, repoID, cutoff)
	if err != nil {
		return nil, err
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		stale = append(stale, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if len(stale) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	err = c.st.InTx(ctx, func(q store.Querier) error {
		for _, id := range stale {
			if _, err := q.Exec(ctx, `
				UPDATE streams SET status = $1, updated_at = $2 WHERE id = $3
			`, types.StreamAbandoned, now, id); err != nil {
				return err
			}
			if err := c.emitter.Emit(ctx, q, repoID, types.EventStreamAbandoned, map[string]string{
				"stream_id": id,
				"reason":    "stale",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}

func (c *Coordinator) recordDispatch(ctx context.Context, repoID string, spec PluginSpec, triggerEvent, status string) error {
	_, err := c.st.Exec(ctx, `
		INSERT INTO plugin_dispatch (id, repo_id, plugin, tier, trigger_event, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ids.New(), repoID, spec.Name, spec.Tier, triggerEvent, status, time.Now().UTC())
	return err
}

func (c *Coordinator) emitWarning(ctx context.Context, repoID string, spec PluginSpec, msg string) error {
	return c.st.InTx(ctx, func(q store.Querier) error {
		return c.emitter.Emit(ctx, q, repoID, types.EventPluginWarning, map[string]interface{}{
			"plugin": spec.Name,
			"tier":   spec.Tier,
			"reason": msg,
		})
	})
}
