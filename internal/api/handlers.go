package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/rag"
)

// RunRequest is the body of POST /runs
type RunRequest struct {
	Items []*models.ContentItem `json:"items"`
}

// RunResponse carries the run report, plus the error when the run failed
type RunResponse struct {
	Report *models.RunReport `json:"report"`
	Error  string            `json:"error,omitempty"`
}

// AskRequest is the body of POST /ask
type AskRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Question       string `json:"question"`
}

// SearchRequest holds the query parameters of GET /search
type SearchRequest struct {
	Query      string
	MaxResults int
	After      *time.Time
	Before     *time.Time
	Types      []models.ContentType
}

const (
	defaultDigestSize  = 20
	defaultSearchLimit = 10
	maxSearchLimit     = 100
)

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		errorResponse(w, http.StatusBadRequest, "items are required")
		return
	}

	report, err := s.deps.Pipeline.Run(r.Context(), req.Items)
	if err != nil {
		writeJSON(w, statusFor(err), RunResponse{Report: report, Error: err.Error()})
		return
	}
	successResponse(w, RunResponse{Report: report})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	top, err := intParam(r, "top", defaultDigestSize)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	digest, err := s.deps.Pipeline.Digest(r.Context(), runID, top)
	if err != nil {
		errorFor(w, err)
		return
	}
	successResponse(w, digest)
}

// handleStatus reports the latest run and the index retry backlog
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":          "operational",
		"pending_upserts": s.deps.Pipeline.PendingUpserts(),
	}

	latest, err := s.deps.Pipeline.Status(r.Context())
	switch {
	case err == nil:
		resp["latest_run"] = latest
	case statusFor(err) != http.StatusNotFound:
		errorFor(w, err)
		return
	}
	successResponse(w, resp)
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	// the answer is returned even when it failed, it carries the user-facing text
	answer, err := s.deps.RAG.Ask(r.Context(), req.ConversationID, req.Question)
	if err != nil {
		writeJSON(w, statusFor(err), answer)
		return
	}
	successResponse(w, answer)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := parseSearchRequest(r)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	emb, err := s.deps.Embedder.EmbedOne(r.Context(), req.Query)
	if err != nil {
		errorFor(w, err)
		return
	}

	hits, err := s.deps.Index.Query(r.Context(), emb.Vector, req.MaxResults, models.Filter{
		After:        req.After,
		Before:       req.Before,
		ContentTypes: req.Types,
		ModelTag:     emb.ModelTag,
	})
	if err != nil {
		errorFor(w, err)
		return
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}

	successResponse(w, map[string]interface{}{
		"hits":  hits,
		"count": len(hits),
	})
}

func parseSearchRequest(r *http.Request) (SearchRequest, error) {
	q := r.URL.Query()
	req := SearchRequest{Query: strings.TrimSpace(q.Get("query"))}
	if req.Query == "" {
		return req, fmt.Errorf("query is required")
	}

	limit, err := intParam(r, "max_results", defaultSearchLimit)
	if err != nil {
		return req, err
	}
	req.MaxResults = min(limit, maxSearchLimit)

	for _, name := range []string{"after", "before"} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return req, fmt.Errorf("invalid %s format, use ISO 8601", name)
		}
		if name == "after" {
			req.After = &t
		} else {
			req.Before = &t
		}
	}

	for _, raw := range q["type"] {
		t, err := models.ParseContentType(raw)
		if err != nil {
			return req, err
		}
		req.Types = append(req.Types, t)
	}
	return req, nil
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 8)
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	names, err := s.deps.Store.RecentClusterNames(r.Context(), limit)
	if err != nil {
		// generic suggestions still work without the store
		s.logger.Warn("failed to load cluster names for suggestions", "error", err)
	}
	successResponse(w, map[string]interface{}{
		"suggestions": rag.Suggestions(names, limit),
	})
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Store.LoadItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		errorFor(w, err)
		return
	}
	successResponse(w, item)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Store.DeleteItem(r.Context(), id); err != nil {
		errorFor(w, err)
		return
	}
	successResponse(w, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.deps.RAG.Conversations().Get(chi.URLParam(r, "id"))
	if !ok {
		errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	successResponse(w, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.deps.RAG.Conversations().Delete(id) {
		errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	successResponse(w, map[string]interface{}{
		"success": true,
		"id":      id,
	})
}

// intParam reads a positive integer query parameter
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}
