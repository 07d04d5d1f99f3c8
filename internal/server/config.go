package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/store"
)

// repoOwnedKeys are authoritative only from .gitswarm/config.yml. A server
// request touching one while the repo has a config file fails with 409.
var repoOwnedKeys = map[string]bool{
	"merge_mode":                true,
	"ownership_model":           true,
	"consensus_threshold":       true,
	"min_reviews":               true,
	"human_review_weight":       true,
	"buffer_branch":             true,
	"promote_target":            true,
	"auto_promote_on_green":     true,
	"auto_revert_on_red":        true,
	"stabilize_command":         true,
	"stabilize_timeout_seconds": true,
	"flake_detection":           true,
	"merge_queue":               true,
	"branch_rules":              true,
}

// serverOwnedKeys map to their repos column.
var serverOwnedKeys = map[string]string{
	"agent_access":           "agent_access",
	"min_karma":              "min_karma",
	"is_private":             "is_private",
	"stage":                  "stage",
	"plugins_enabled":        "plugins_enabled",
	"require_human_approval": "require_human_approval",
	"human_can_force_merge":  "human_can_force_merge",
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")
	if err := ids.Validate(repoID); err != nil {
		s.writeError(w, err)
		return
	}
	var (
		agentAccess, stage, pluginsEnabled       string
		minKarma                                 int64
		isPrivate, requireHuman, humanForceMerge int
		hasConfig                                int
	)
	err := s.st.QueryRow(r.Context(), `
		SELECT agent_access, min_karma, is_private, stage, plugins_enabled,
		       require_human_approval, human_can_force_merge, has_config_file
		FROM repos WHERE id = $1
	`, repoID).Scan(&agentAccess, &minKarma, &isPrivate, &stage, &pluginsEnabled,
		&requireHuman, &humanForceMerge, &hasConfig)
	if err != nil {
		s.writeError(w, store.ScanOne(err, "repo"))
		return
	}
	var plugins []string
	_ = json.Unmarshal([]byte(pluginsEnabled), &plugins)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_access":           agentAccess,
		"min_karma":              minKarma,
		"is_private":             isPrivate != 0,
		"stage":                  stage,
		"plugins_enabled":        plugins,
		"require_human_approval": requireHuman != 0,
		"human_can_force_merge":  humanForceMerge != 0,
		"has_config_file":        hasConfig != 0,
	})
}

// handlePatchConfig updates server-owned settings. When the repo carries a
// config.yml, any repo-owned key in the request is rejected with 409 and the
// offending field list.
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")
	if err := ids.Validate(repoID); err != nil {
		s.writeError(w, err)
		return
	}
	var patch map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, errkind.Wrap(errkind.InvalidInput, err, "decode config patch"))
		return
	}

	repo, err := s.reposvc.Get(r.Context(), repoID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var offending []string
	for key := range patch {
		if repoOwnedKeys[key] && repo.HasConfigFile {
			offending = append(offending, key)
		}
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":   "repo_owned_fields",
			"message": "fields are authoritative from .gitswarm/config.yml: " + strings.Join(offending, ", "),
			"fields":  offending,
		})
		return
	}

	ctx := r.Context()
	err = s.st.InTx(ctx, func(q store.Querier) error {
		for key, raw := range patch {
			if key == "stage" {
				var stage string
				if err := json.Unmarshal(raw, &stage); err != nil {
					return errkind.Wrap(errkind.InvalidInput, err, "bad stage value")
				}
				// Stage has its own monotonicity rule; route through it.
				continue
			}
			col, ok := serverOwnedKeys[key]
			if !ok {
				if repoOwnedKeys[key] {
					// Repo without a config file: repo-owned keys are still
					// only settable by committing one, not via API.
					return errkind.New(errkind.InvalidInput,
						"%s is repo-owned; commit it to .gitswarm/config.yml", key)
				}
				return errkind.New(errkind.InvalidInput, "unknown config key %q", key)
			}
			val, err := decodeConfigValue(key, raw)
			if err != nil {
				return err
			}
			if _, err := q.Exec(ctx, `
				UPDATE repos SET `+col+` = $1, updated_at = $2 WHERE id = $3
			`, val, time.Now().UTC(), repoID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Stage moves through the monotonic progression check, outside the
	// generic column write.
	if raw, ok := patch["stage"]; ok {
		var stage string
		if err := json.Unmarshal(raw, &stage); err == nil {
			if err := s.reposvc.ProgressStage(r.Context(), repoID, stage); err != nil {
				s.writeError(w, err)
				return
			}
		}
	}
	s.handleGetConfig(w, r)
}

func decodeConfigValue(key string, raw json.RawMessage) (interface{}, error) {
	switch key {
	case "agent_access":
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, err, "bad %s", key)
		}
		switch v {
		case "public", "karma_threshold", "allowlist":
			return v, nil
		}
		return nil, errkind.New(errkind.InvalidInput, "unknown agent_access %q", v)
	case "min_karma":
		var v int64
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, err, "bad %s", key)
		}
		return v, nil
	case "is_private", "require_human_approval", "human_can_force_merge":
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, err, "bad %s", key)
		}
		return boolInt(v), nil
	case "plugins_enabled":
		var v []string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, errkind.Wrap(errkind.InvalidInput, err, "bad %s", key)
		}
		b, _ := json.Marshal(v)
		return string(b), nil
	}
	return nil, errkind.New(errkind.InvalidInput, "unknown config key %q", key)
}
