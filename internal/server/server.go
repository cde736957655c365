package server

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "time"

    "github.com/rs/zerolog/log"

    "github.com/local/pagecomposer/internal/document"
    "github.com/local/pagecomposer/internal/metrics"
    "github.com/local/pagecomposer/internal/session"
    "github.com/local/pagecomposer/internal/statuscheck"
    "github.com/local/pagecomposer/internal/storage"
)

// Storage fetches remote sources and receives exports.
type Storage interface {
    Fetch(ctx context.Context, ref string) (*storage.Object, error)
    Upload(ctx context.Context, target string, data []byte, contentType string, meta map[string]string) (string, error)
}

type Dependencies struct {
    Sessions *session.Manager
    Storage  Storage // nil disables remote sources and export
    Health   *statuscheck.Checker
}

type Options struct {
    MaxUploadBytes int64
    ExportBucket   string
    ExportPrefix   string
    FetchTimeout   time.Duration
}

// Server exposes workflow sessions over HTTP.
type Server struct {
    sessions *session.Manager
    storage  Storage
    health   *statuscheck.Checker
    opts     Options
}

func New(deps Dependencies, opts Options) *Server {
    if opts.MaxUploadBytes <= 0 {
        opts.MaxUploadBytes = 100 << 20
    }
    if opts.FetchTimeout <= 0 {
        opts.FetchTimeout = 60 * time.Second
    }
    return &Server{sessions: deps.Sessions, storage: deps.Storage, health: deps.Health, opts: opts}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
    mux.HandleFunc("GET /health", s.handleHealth)
    mux.Handle("GET /metrics", metrics.Handler())

    mux.HandleFunc("POST /sessions", s.handleCreateSession)
    mux.HandleFunc("GET /sessions/{id}", s.withSession(s.handleGetSession))
    mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)

    mux.HandleFunc("POST /sessions/{id}/sources", s.withSession(s.handleAddSources))
    mux.HandleFunc("DELETE /sessions/{id}/sources/{sourceId}", s.withSession(s.handleRemoveSource))
    mux.HandleFunc("POST /sessions/{id}/sources/{sourceId}/move", s.withSession(s.handleMoveSource))
    mux.HandleFunc("POST /sessions/{id}/reset", s.withSession(s.handleReset))

    mux.HandleFunc("GET /sessions/{id}/pages", s.withSession(s.handlePages))
    mux.HandleFunc("POST /sessions/{id}/pages/{uid}/move", s.withSession(s.handleMovePage))
    mux.HandleFunc("DELETE /sessions/{id}/pages/{uid}", s.withSession(s.handleRemovePage))
    mux.HandleFunc("POST /sessions/{id}/pages/{uid}/selected", s.withSession(s.handleSelectPage))
    mux.HandleFunc("POST /sessions/{id}/pages/select_all", s.withSession(s.handleSelectAll))
    mux.HandleFunc("GET /sessions/{id}/range", s.withSession(s.handleGetRange))
    mux.HandleFunc("PUT /sessions/{id}/range", s.withSession(s.handlePutRange))

    mux.HandleFunc("GET /sessions/{id}/thumbnails/{sourceId}/{page}", s.withSession(s.handleThumbnail))
    mux.HandleFunc("POST /sessions/{id}/thumbnails", s.withSession(s.handleWarmThumbnails))

    mux.HandleFunc("GET /sessions/{id}/status", s.withSession(s.handleStatus))
    mux.HandleFunc("GET /sessions/{id}/preview", s.withSession(s.handlePreview))
    mux.HandleFunc("GET /sessions/{id}/options", s.withSession(s.handleGetOptions))
    mux.HandleFunc("PUT /sessions/{id}/options", s.withSession(s.handlePutOptions))
    mux.HandleFunc("POST /sessions/{id}/download", s.withSession(s.handleDownload))
    mux.HandleFunc("POST /sessions/{id}/export", s.withSession(s.handleExport))
}

// Handler returns the routes wrapped with request logging.
func (s *Server) Handler() http.Handler {
    mux := http.NewServeMux()
    s.RegisterRoutes(mux)
    return logRequests(mux)
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        sess, err := s.sessions.Get(r.PathValue("id"))
        if err != nil { writeError(w, err); return }
        h(w, r, sess)
    }
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
    if s.health == nil {
        w.WriteHeader(http.StatusOK)
        _, _ = w.Write([]byte("ok"))
        return
    }
    sum := s.health.Summary(r.Context())
    code := http.StatusOK
    if !sum.Healthy() { code = http.StatusServiceUnavailable }
    writeJSON(w, code, map[string]any{"healthy": sum.Healthy(), "sessions": s.sessions.Len(), "checks": sum})
}

type statusRecorder struct {
    http.ResponseWriter
    code int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.code = code
    r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
        next.ServeHTTP(rec, r)
        ev := log.Debug()
        if rec.code >= 500 { ev = log.Warn() }
        ev.Str("method", r.Method).Str("path", r.URL.Path).Int("status", rec.code).Dur("took", time.Since(start)).Msg("http request")
    })
}

type errorResp struct {
    Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
    code := http.StatusInternalServerError
    msg := err.Error()
    switch {
    case errors.Is(err, document.ErrSessionNotFound),
        errors.Is(err, document.ErrSourceNotFound),
        errors.Is(err, document.ErrPageNotFound):
        code = http.StatusNotFound
    case document.IsDecodeError(err),
        errors.Is(err, document.ErrUnsupportedType),
        errors.Is(err, session.ErrUnknownMode),
        errors.Is(err, storage.ErrUnsupportedRef):
        code = http.StatusUnprocessableEntity
    case errors.Is(err, document.ErrNothingSelected):
        code = http.StatusConflict
    case document.IsAssemblyError(err):
        msg = "assembly failed"
        log.Error().Err(err).Msg("assembly failed")
    default:
        log.Error().Err(err).Msg("request failed")
    }
    writeJSON(w, code, errorResp{Error: msg})
}

func badRequest(w http.ResponseWriter, msg string) {
    writeJSON(w, http.StatusBadRequest, errorResp{Error: msg})
}
