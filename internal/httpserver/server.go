package httpserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"usersvc/users-api/internal/audit"
	"usersvc/users-api/internal/config"
	"usersvc/users-api/internal/migrations"
	"usersvc/users-api/internal/posts"
	"usersvc/users-api/internal/uploads"
	"usersvc/users-api/internal/users"
)

const (
	serviceName    = "users-api"
	serviceVersion = "0.1.0"

	maxJSONBodyBytes = 1 << 20
)

type UserService interface {
	Create(ctx context.Context, in users.Input) (users.User, error)
	List(ctx context.Context) ([]users.User, error)
	Get(ctx context.Context, rawID string) (users.User, error)
	Update(ctx context.Context, rawID string, in users.Input) (users.User, error)
	Delete(ctx context.Context, rawID string) (users.User, error)
}

type PostService interface {
	CreatePost(ctx context.Context, in users.Input) (posts.Post, error)
	ListPosts(ctx context.Context, authorID int64) ([]posts.Summary, error)
	GetPost(ctx context.Context, rawID string) (posts.Detail, error)
	UpdatePost(ctx context.Context, rawID string, in users.Input) (posts.Post, error)
	DeletePost(ctx context.Context, rawID string) (posts.Post, error)
	CreateLike(ctx context.Context, in users.Input) (posts.Like, error)
	ListLikes(ctx context.Context, f posts.LikeFilter) ([]posts.Like, error)
	GetLike(ctx context.Context, rawID string) (posts.Like, error)
	DeleteLike(ctx context.Context, rawID string) (posts.Like, error)
	RemoveUserContent(ctx context.Context, userID int64) error
}

type UploadStore interface {
	MaxBytes() int64
	Save(fh *multipart.FileHeader) (string, error)
	Path(name string) (string, error)
}

type Presigner interface {
	PresignPut(fileExtension, contentType string) (uploads.Presigned, error)
}

type MigrationService interface {
	Status(ctx context.Context) ([]migrations.Status, error)
}

type AuditLogger interface {
	Record(e audit.Event) error
}

// Deps are the collaborators behind the routes. Only Users is required;
// routes whose dependency is nil answer 503.
type Deps struct {
	Users        UserService
	Posts        PostService
	Uploads      UploadStore
	Presigner    Presigner
	Migrations   MigrationService
	Audit        AuditLogger
	Ready        func(ctx context.Context) error
	StoreBackend string
	Logger       *slog.Logger
}

type Server struct {
	httpServer *http.Server
}

func New(cfg config.HTTPConfig, deps Deps) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      Handler(cfg, deps),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler is the routed mux wrapped in the request middleware chain.
func Handler(cfg config.HTTPConfig, deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	deps.Logger = log

	var h http.Handler = NewHandler(deps)
	if cfg.RateLimitRPS > 0 {
		h = rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst), h)
	}
	h = corsMiddleware(h)
	return loggingMiddleware(log, h)
}

func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				deps.Logger.Warn("readiness check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	mux.HandleFunc("/v1/info", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"service": serviceName,
			"version": serviceVersion,
			"store":   deps.StoreBackend,
		})
	})

	registerUserHandlers(mux, deps)
	registerPostHandlers(mux, deps)
	registerUploadHandlers(mux, deps)
	registerMigrationHandlers(mux, deps)

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return mux
}

func registerMigrationHandlers(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc("/v1/system/migrations/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if deps.Migrations == nil {
			writeError(w, http.StatusServiceUnavailable, "Migrations unavailable")
			return
		}
		status, err := deps.Migrations.Status(r.Context())
		if err != nil {
			deps.Logger.Error("migration status failed", "error", err, "request_id", requestIDFromContext(r.Context()))
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": status})
	})
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func loggingMiddleware(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = newRequestID()
		}
		w.Header().Set("X-Request-Id", reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", reqID,
			"remote_ip", clientIP(r),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type requestIDKey struct{}

func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func requestIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(requestIDKey{}).(string); ok {
		return s
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

func auditReq(deps Deps, r *http.Request, action string, userID int64, err error) {
	record(deps, r, audit.Event{Action: action, UserID: userID}, err)
}

// auditPost records a post or like action against its resource id.
func auditPost(deps Deps, r *http.Request, action string, resourceID int64, err error) {
	record(deps, r, audit.Event{Action: action, ResourceID: resourceID}, err)
}

func record(deps Deps, r *http.Request, e audit.Event, err error) {
	if deps.Audit == nil {
		return
	}
	e.Outcome = audit.OutcomeSuccess
	e.RequestID = requestIDFromContext(r.Context())
	e.RemoteIP = clientIP(r)
	if err != nil {
		e.Outcome = audit.OutcomeFailed
		e.Detail = err.Error()
	}
	if aerr := deps.Audit.Record(e); aerr != nil {
		deps.Logger.Warn("audit record failed", "action", e.Action, "error", aerr)
	}
}
