// Package api serves the pipeline over HTTP and mounts the MCP SSE transport.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mark3labs/mcp-go/server"

	"github.com/oscillatelabsllc/neuralfeed/internal/models"
	"github.com/oscillatelabsllc/neuralfeed/internal/rag"
)

// Pipeline runs ingestion batches and reads their results
type Pipeline interface {
	Run(ctx context.Context, batch []*models.ContentItem) (*models.RunReport, error)
	Digest(ctx context.Context, runID string, topN int) (*models.Digest, error)
	Status(ctx context.Context) (*models.RunReport, error)
	PendingUpserts() []string
}

// Asker answers questions over indexed content
type Asker interface {
	Ask(ctx context.Context, conversationID, question string) (*models.Answer, error)
	Conversations() *rag.Conversations
}

// Store is the persistent item store
type Store interface {
	Ping(ctx context.Context) error
	LoadItem(ctx context.Context, id string) (*models.ContentItem, error)
	DeleteItem(ctx context.Context, id string) error
	RecentClusterNames(ctx context.Context, limit int) ([]string, error)
}

// Embedder embeds search queries
type Embedder interface {
	EmbedOne(ctx context.Context, text string) (models.Embedding, error)
}

// Searcher ranks indexed items against a query vector
type Searcher interface {
	Query(ctx context.Context, vector []float32, k int, filter models.Filter) ([]models.SearchHit, error)
}

// Deps are the collaborators the server exposes
type Deps struct {
	Pipeline Pipeline
	RAG      Asker
	Store    Store
	Embedder Embedder
	Index    Searcher
}

// Server implements the HTTP API
type Server struct {
	deps      Deps
	router    *chi.Mux
	port      string
	timeout   time.Duration
	logger    *slog.Logger
	sseServer *server.SSEServer
}

// NewServer creates a new HTTP API server. A zero timeout means 60s for
// /api/v1 requests.
func NewServer(deps Deps, port string, timeout time.Duration, logger *slog.Logger) *Server {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:    deps,
		port:    port,
		timeout: timeout,
		logger:  logger,
	}

	s.setupRouter()
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// no global timeout: SSE connections stay open
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/openapi.json", s.handleOpenAPISpec)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))

		r.Post("/runs", s.handleRun)
		r.Get("/runs/{id}/digest", s.handleDigest)
		r.Get("/status", s.handleStatus)

		r.Post("/ask", s.handleAsk)
		r.Get("/search", s.handleSearch)
		r.Get("/suggestions", s.handleSuggestions)

		r.Get("/items/{id}", s.handleGetItem)
		r.Delete("/items/{id}", s.handleDeleteItem)

		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)
	})

	s.router = r
}

// Serve starts the HTTP server and shuts it down when ctx is done
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", srv.Addr, "openapi", "/openapi.json")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.sseServer != nil {
			_ = s.sseServer.Shutdown(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// requestLogger logs one line per request through slog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	successResponse(w, map[string]string{"status": "healthy"})
}

// handleReady checks the store is reachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	successResponse(w, map[string]string{"status": "ready"})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrMalformedContent):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmbeddingUnavailable),
		errors.Is(err, models.ErrGenerationUnavailable),
		errors.Is(err, models.ErrIndexUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// errorResponse writes a JSON error response
func errorResponse(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// errorFor writes err with the status its kind maps to
func errorFor(w http.ResponseWriter, err error) {
	errorResponse(w, statusFor(err), err.Error())
}

// successResponse writes a JSON success response
func successResponse(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

// AddMCPServer mounts the MCP SSE transport at /mcp
func (s *Server) AddMCPServer(mcpServer *server.MCPServer) {
	s.sseServer = server.NewSSEServer(
		mcpServer,
		server.WithBasePath("/mcp"),
		server.WithSSEEndpoint("/sse"),
		server.WithMessageEndpoint("/message"),
		server.WithKeepAlive(true),
		server.WithKeepAliveInterval(15*time.Second),
	)

	s.router.Mount("/mcp", s.sseServer)
	s.logger.Info("mcp sse transport mounted", "sse", "/mcp/sse", "message", "/mcp/message")
}
