// Package server is the federation server: the HTTP surface local engines
// sync against. It serves consensus evaluation, review submission, merge
// authorization, batch event replay and server-owned config.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gitswarm/gitswarm/internal/consensus"
	"github.com/gitswarm/gitswarm/internal/coordinator"
	"github.com/gitswarm/gitswarm/internal/errkind"
	"github.com/gitswarm/gitswarm/internal/identity"
	"github.com/gitswarm/gitswarm/internal/ids"
	"github.com/gitswarm/gitswarm/internal/repos"
	"github.com/gitswarm/gitswarm/internal/store"
	"github.com/gitswarm/gitswarm/internal/stream"
	"github.com/gitswarm/gitswarm/internal/types"
)

// Server handles federation HTTP traffic against a shared store.
type Server struct {
	st        store.Store
	idsvc     *identity.Service
	reposvc   *repos.Service
	streams   *stream.Manager
	coord     *coordinator.Coordinator
	consensus *consensus.Service
	logger    *log.Logger
}

// New wires a federation server over an already-migrated store.
func New(st store.Store, idsvc *identity.Service, reposvc *repos.Service,
	streams *stream.Manager, coord *coordinator.Coordinator,
	cons *consensus.Service, logger *log.Logger) *Server {
	return &Server{
		st: st, idsvc: idsvc, reposvc: reposvc,
		streams: streams, coord: coord, consensus: cons, logger: logger,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/register", s.handleRegister)
	mux.HandleFunc("POST /streams/{id}/reviews", s.handleSubmitReview)
	mux.HandleFunc("GET /streams/{id}/consensus", s.handleConsensus)
	mux.HandleFunc("POST /streams/{id}/merge", s.handleMerge)
	mux.HandleFunc("POST /sync/batch", s.handleSyncBatch)
	mux.HandleFunc("GET /updates", s.handleUpdates)
	mux.HandleFunc("GET /repos/{id}/config", s.handleGetConfig)
	mux.HandleFunc("PATCH /repos/{id}/config", s.handlePatchConfig)
	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errkind.Wrap(errkind.InvalidInput, err, "decode register request"))
		return
	}
	if req.Name == "" {
		s.writeError(w, errkind.New(errkind.InvalidInput, "repo name is required"))
		return
	}
	if err := ids.Validate(req.AgentID); err != nil {
		s.writeError(w, err)
		return
	}

	// Re-registration of the same name by the same owner is idempotent.
	var existingID, existingOrg string
	err := s.st.QueryRow(r.Context(), `
		SELECT r.id, r.org_id FROM repos r
		JOIN maintainers m ON m.repo_id = r.id AND m.agent_id = $1 AND m.role = $2
		WHERE r.name = $3
	`, req.AgentID, types.RoleOwner, req.Name).Scan(&existingID, &existingOrg)
	if err == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"id": existingID, "org_id": existingOrg})
		return
	}
	if !store.NotFound(err) {
		s.writeError(w, err)
		return
	}

	orgID := ids.New()
	repo, err := s.reposvc.Create(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.st.Exec(r.Context(), `
		UPDATE repos SET org_id = $1 WHERE id = $2
	`, orgID, repo.ID); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.idsvc.AddMaintainer(r.Context(), repo.ID, req.AgentID, types.RoleOwner); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"id": repo.ID, "org_id": orgID})
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	var rev types.Review
	if err := json.NewDecoder(r.Body).Decode(&rev); err != nil {
		s.writeError(w, errkind.Wrap(errkind.InvalidInput, err, "decode review"))
		return
	}
	saved, err := s.streams.SubmitReview(r.Context(), stream.ReviewRequest{
		StreamID:   streamID,
		ReviewerID: rev.ReviewerID,
		Verdict:    rev.Verdict,
		Feedback:   rev.Feedback,
		IsHuman:    rev.IsHuman,
		Tested:     rev.Tested,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	repoID := r.URL.Query().Get("repo_id")
	if repoID == "" {
		var err error
		repoID, err = s.repoOfStream(r, streamID)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	result, err := s.consensus.Check(r.Context(), streamID, repoID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	result.IsServerAuthoritative = true
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleMerge(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("id")
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errkind.Wrap(errkind.InvalidInput, err, "decode merge request"))
		return
	}
	resp, err := s.coord.RequestMerge(r.Context(), req.AgentID, streamID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	repoID := r.URL.Query().Get("repo_id")
	since := r.URL.Query().Get("since")
	var cutoff time.Time
	if since != "" {
		var err error
		cutoff, err = time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, errkind.Wrap(errkind.InvalidInput, err, "bad since cursor"))
			return
		}
	}

	rows, err := s.st.Query(r.Context(), `
		SELECT seq, repo_id, event_type, payload, created_at
		FROM sync_events
		WHERE repo_id = $1 AND created_at > $2
		ORDER BY seq ASC
		LIMIT 500
	`, repoID, cutoff)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer func() { _ = rows.Close() }()

	events := []types.SyncEvent{}
	cursor := since
	for rows.Next() {
		var ev types.SyncEvent
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.RepoID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			s.writeError(w, err)
			return
		}
		ev.Payload = []byte(payload)
		events = append(events, ev)
		cursor = ev.CreatedAt.UTC().Format(time.RFC3339)
	}
	if err := rows.Err(); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "cursor": cursor})
}

func (s *Server) repoOfStream(r *http.Request, streamID string) (string, error) {
	if err := ids.Validate(streamID); err != nil {
		return "", err
	}
	var repoID string
	err := s.st.QueryRow(r.Context(), `SELECT repo_id FROM streams WHERE id = $1`, streamID).Scan(&repoID)
	if err != nil {
		return "", store.ScanOne(err, "stream")
	}
	return repoID, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && s.logger != nil {
		s.logger.Printf("write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errkind.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case errkind.InvalidInput, errkind.InvalidID:
		status = http.StatusBadRequest
	case errkind.Forbidden:
		status = http.StatusForbidden
	case errkind.NotFound:
		status = http.StatusNotFound
	case errkind.Conflict, errkind.Duplicate, errkind.IllegalTransition, errkind.StaleReviews:
		status = http.StatusConflict
	case errkind.ServerUnavailable, errkind.Transient:
		status = http.StatusServiceUnavailable
	}
	if s.logger != nil && status >= 500 {
		s.logger.Printf("request failed: %v", err)
	}
	s.writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}
