package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/service"
	"github.com/climb-ledger/internal/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Services groups the application services served over HTTP
type Services struct {
	Ledger    *service.LedgerService
	Catalog   *service.CatalogService
	Directory *service.DirectoryService
	Auth      *service.AuthService
	Standings *service.StandingsService
}

// Handler provides HTTP handlers for the scoring API
type Handler struct {
	ledger    *service.LedgerService
	catalog   *service.CatalogService
	directory *service.DirectoryService
	auth      *service.AuthService
	standings *service.StandingsService
	store     domain.Store
	hub       *websocket.Hub
	logger    *slog.Logger
}

// NewHandler creates a new HTTP handler. hub may be nil.
func NewHandler(svc Services, store domain.Store, hub *websocket.Hub, logger *slog.Logger) *Handler {
	return &Handler{
		ledger:    svc.Ledger,
		catalog:   svc.Catalog,
		directory: svc.Directory,
		auth:      svc.Auth,
		standings: svc.Standings,
		store:     store,
		hub:       hub,
		logger:    logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authenticate)

		r.Post("/login", h.Login)
		r.Post("/logout", h.Logout)

		r.Route("/participants", func(r chi.Router) {
			r.Get("/", h.ListParticipants)
			r.Post("/", h.RegisterParticipant)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetParticipant)
				r.Put("/", h.UpdateParticipant)
				r.Patch("/", h.UpdateParticipant)
				r.Delete("/", h.DeleteParticipant)
			})
		})

		r.Route("/blocks", func(r chi.Router) {
			r.Get("/", h.ListBlocks)
			r.Post("/", h.CreateBlock)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetBlock)
				r.Put("/", h.UpdateBlock)
				r.Delete("/", h.DeleteBlock)
			})
		})

		r.Route("/scoreoptions", func(r chi.Router) {
			r.Get("/", h.ListScoreOptions)
			r.Post("/", h.CreateScoreOption)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetScoreOption)
				r.Put("/", h.UpdateScoreOption)
				r.Delete("/", h.DeleteScoreOption)
			})
		})

		r.Route("/blockscores", func(r chi.Router) {
			r.Get("/", h.ListScores)
			r.Post("/", h.RecordScore)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetScore)
				r.Put("/", h.UpdateScore)
				r.Delete("/", h.DeleteScore)
			})
		})

		r.Route("/standings/{cup}", func(r chi.Router) {
			r.Get("/", h.GetStandings)
			r.Get("/participants/{id}", h.GetStanding)
		})

		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeCreated writes a 201 response
func (h *Handler) writeCreated(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusCreated, APIResponse{
		Success: true,
		Data:    data,
	})
}

// statusFor maps a domain error code to its HTTP status
func statusFor(code domain.ErrorCode) int {
	switch code {
	case domain.CodeValidation:
		return http.StatusBadRequest
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict, domain.CodeDuplicateKey:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes an error JSON response. Unclassified errors are logged
// and reported as internal errors.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
	}

	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   domain.PublicMessage(err),
		Code:    string(code),
	})
}

// decodeJSON reads a JSON request body into v
func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Invalid("request body is required")
		}
		return domain.Invalid("malformed JSON body")
	}
	return nil
}

// pathID parses a numeric URL parameter
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.Invalid("%s must be a positive integer", name)
	}
	return id, nil
}

// queryID parses an optional numeric query parameter
func queryID(r *http.Request, name string) (*int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return nil, domain.Invalid("%s must be a positive integer", name)
	}
	return &id, nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		h.writeError(w, r, domain.NewError(domain.CodeNotFound, "live standings are disabled", nil))
		return
	}
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{"total_connections": 0}
	if h.hub != nil {
		stats["total_connections"] = h.hub.ConnectionCount()
		for _, cup := range domain.Cups {
			stats[string(cup)] = h.hub.SubscriberCount(cup)
		}
	}
	h.writeSuccess(w, stats)
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports whether the store is reachable
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Error:   "store unavailable",
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}
