// Package handlers exposes the prescription workflow over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcollect/internal/analytics"
	"github.com/drfirst/go-rxcollect/internal/api/middleware"
	"github.com/drfirst/go-rxcollect/internal/domain/audit"
	"github.com/drfirst/go-rxcollect/internal/domain/delegation"
	"github.com/drfirst/go-rxcollect/internal/domain/identity"
	"github.com/drfirst/go-rxcollect/internal/domain/notification"
	"github.com/drfirst/go-rxcollect/internal/domain/prescription"
	"github.com/drfirst/go-rxcollect/internal/observability/metrics"
	"github.com/drfirst/go-rxcollect/pkg/apperror"
)

const maxBodyBytes = 1 << 20

// Services are the domain services behind the API
type Services struct {
	Identity      *identity.Service
	Prescriptions *prescription.Service
	Delegations   *delegation.Service
	Notifications *notification.Dispatcher
	Audit         *audit.Recorder
	Analytics     *analytics.Aggregator
}

// Check is a named readiness probe
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// RouterConfig assembles the HTTP surface
type RouterConfig struct {
	Services    Services
	WebSocket   http.Handler
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Ready       []Check
	CORSOrigins []string
	ServiceName string
	Logger      *zap.Logger
}

// API holds the route handlers
type API struct {
	svc    Services
	logger *zap.Logger
}

// NewRouter builds the full router with middleware
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	api := &API{svc: cfg.Services, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(cfg.Metrics))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", api.Health)
	r.Get("/ready", api.Ready(cfg.Ready))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(cfg.Gatherer))
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", api.Register)
		r.Post("/auth/login", api.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.BearerAuth(cfg.Services.Identity))

			r.Get("/users/me", api.Me)
			r.Put("/users/me", api.UpdateMe)
			r.Get("/users/gps", api.ListGPs)
			r.Get("/users/pharmacies", api.ListPharmacies)
			r.Post("/users/nominate-pharmacy", api.NominatePharmacy)

			r.Mount("/prescriptions", api.PrescriptionRoutes())
			r.Mount("/delegations", api.DelegationRoutes())

			r.Get("/notifications", api.ListNotifications)
			r.Put("/notifications/{id}/read", api.MarkNotificationRead)

			r.Get("/analytics/dashboard", api.Dashboard)
			r.Get("/audit-logs", api.AuditLogs)

			if cfg.WebSocket != nil {
				r.Handle("/ws", cfg.WebSocket)
			}
		})
	})
	return r
}

// Health handles GET /health
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// Ready returns a handler that runs every probe
func (a *API) Ready(checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		results := make(map[string]string, len(checks))
		status := http.StatusOK
		for _, c := range checks {
			if err := c.Probe(ctx); err != nil {
				a.logger.Warn("readiness probe failed", zap.String("check", c.Name), zap.Error(err))
				results[c.Name] = "unavailable"
				status = http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}
		state := "ready"
		if status != http.StatusOK {
			state = "not_ready"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": results})
	}
}

func statusFor(kind apperror.Kind) int {
	switch kind {
	case apperror.KindAuthentication:
		return http.StatusUnauthorized
	case apperror.KindAuthorization:
		return http.StatusForbidden
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as {"error": msg}. Internal causes are logged, never returned.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(apperror.KindOf(err))
	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	jsonError(w, apperror.MessageOf(err), status)
}

// decode reads a JSON body. An empty body leaves dst untouched.
func decode(r *http.Request, dst any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperror.Validation("invalid_body", "invalid request body")
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

// actor is set by BearerAuth on every protected route
func actor(r *http.Request) *identity.User {
	return middleware.UserFrom(r.Context())
}
