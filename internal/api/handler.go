// Package api provides the HTTP surface of the Aura companion server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/aura-client/internal/conversation"
	"github.com/ashureev/aura-client/internal/federated"
	"github.com/ashureev/aura-client/internal/gateway"
	"github.com/ashureev/aura-client/internal/guard"
	"github.com/ashureev/aura-client/internal/identity"
	"github.com/ashureev/aura-client/internal/session"
	"github.com/ashureev/aura-client/internal/timeline"
	"github.com/go-chi/chi/v5"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// StatusChecker reports remote connectivity. The gateway client satisfies it.
type StatusChecker interface {
	Connectivity(ctx context.Context) gateway.Status
}

// Deps are the components the handlers serve.
type Deps struct {
	Session      *session.Store
	Timeline     *timeline.Reconciler
	Conversation *conversation.Service
	Status       StatusChecker
	// Federated is nil when Google sign-in is not configured.
	Federated    *federated.Provider
	HistoryLimit int
	FrontendURL  string
	Logger       *slog.Logger
}

// Handler serves session, timeline and status endpoints.
type Handler struct {
	session      *session.Store
	timeline     *timeline.Reconciler
	conv         *conversation.Service
	status       StatusChecker
	federated    *federated.Provider
	historyLimit int
	frontendURL  string
	logger       *slog.Logger
	now          func() time.Time
}

// NewHandler creates a Handler over deps.
func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := deps.HistoryLimit
	if limit <= 0 {
		limit = 50
	}
	return &Handler{
		session:      deps.Session,
		timeline:     deps.Timeline,
		conv:         deps.Conversation,
		status:       deps.Status,
		federated:    deps.Federated,
		historyLimit: limit,
		frontendURL:  deps.FrontendURL,
		logger:       logger,
		now:          time.Now,
	}
}

// RegisterRoutes registers all API routes. The identity middleware must
// already be installed on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/session", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/signin", h.SignIn)
		r.Post("/signup", h.SignUp)
		r.Post("/federated", h.Federated)
		r.Post("/signout", h.SignOut)
		r.Get("/federated/start", h.FederatedStart)
		r.Get("/federated/callback", h.FederatedCallback)
	})

	r.Get("/api/status", h.GetStatus)

	r.Group(func(r chi.Router) {
		r.Use(identity.RequireUser)
		r.Route("/api/timeline", func(r chi.Router) {
			r.Get("/", h.GetTimeline)
			r.Post("/load", h.LoadTimeline)
			r.Post("/messages", h.PostMessage)
			r.Post("/messages/{id}/retry", h.RetryMessage)
			r.Get("/summary", h.GetSummary)
		})
		r.Get("/ws/timeline", h.TimelineFeed)
	})
}

// GetStatus reports connectivity of the tutoring service.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.status.Connectivity(r.Context()))
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, errorBody{Error: message})
}

// writeError maps a component error onto a status code and user message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *guard.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusBadRequest
		if errors.Is(err, guard.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		JSON(w, status, errorBody{Error: verr.Err.Error(), Field: verr.Field})
		return
	}

	var rerr *gateway.RemoteError
	if errors.As(err, &rerr) {
		JSON(w, statusForRemote(rerr.Kind), errorBody{Error: gateway.UserMessage(err)})
		return
	}

	switch {
	case errors.Is(err, conversation.ErrNotSignedIn),
		errors.Is(err, timeline.ErrNoIdentity):
		Error(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, session.ErrSignInInProgress),
		errors.Is(err, session.ErrAlreadySignedIn),
		errors.Is(err, session.ErrSuperseded),
		errors.Is(err, timeline.ErrIdentityChanged),
		errors.Is(err, timeline.ErrNotFailed),
		errors.Is(err, timeline.ErrNotPending),
		errors.Is(err, timeline.ErrNotLive):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, timeline.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, federated.ErrNotConfigured):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, federated.ErrUnknownState),
		errors.Is(err, federated.ErrStateExpired),
		errors.Is(err, federated.ErrNoIDToken):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, federated.ErrCodeRejected):
		h.logger.Info("federated code exchange rejected", "error", err)
		Error(w, http.StatusBadRequest, federated.ErrCodeRejected.Error())
	case errors.Is(err, federated.ErrProviderUnavailable):
		h.logger.Warn("federated provider unavailable", "error", err)
		Error(w, http.StatusBadGateway, federated.ErrProviderUnavailable.Error())
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func statusForRemote(kind gateway.Kind) int {
	switch kind {
	case gateway.KindAuth:
		return http.StatusUnauthorized
	case gateway.KindNetwork:
		return http.StatusServiceUnavailable
	case gateway.KindClient:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// decodeJSON reads a size-limited JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, defaultMaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
