package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Scheduler is the part of the scheduler service the ops API drives.
type Scheduler interface {
	Metrics() []application.TickMetrics
	ListSchedules(ctx context.Context) ([]model.Schedule, error)
	GetSchedule(ctx context.Context, id string) (model.Schedule, error)
	CreateSchedule(ctx context.Context, in application.ScheduleInput) (model.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, in application.ScheduleInput) (model.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// DelegationChecker performs live service-identity checks.
type DelegationChecker interface {
	DelegationCheck(ctx context.Context, provider string, scopes []string, subject string) application.DelegationStatus
}

// AuthResolver reports the token an operation would need.
type AuthResolver interface {
	ResolveAuthRequirements(ctx context.Context, plugin, operation string, params json.RawMessage) (application.AuthRequirements, error)
}

// Handler is the HTTP driving adapter that serves the ops API.
type Handler struct {
	catalog    driven.PluginCatalog
	scheduler  Scheduler
	delegation DelegationChecker
	auth       AuthResolver
	logger     *slog.Logger
}

// NewHandler creates a Handler. With a nil scheduler the schedule and
// metrics routes answer 503.
func NewHandler(
	catalog driven.PluginCatalog,
	scheduler Scheduler,
	delegation DelegationChecker,
	auth AuthResolver,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		catalog:    catalog,
		scheduler:  scheduler,
		delegation: delegation,
		auth:       auth,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/plugins", h.ListPlugins)
	mux.HandleFunc("POST /api/v1/plugins/{plugin}/operations/{operation}/auth", h.AuthRequirements)
	mux.HandleFunc("GET /api/v1/providers/{provider}/delegation", h.DelegationCheck)
	mux.HandleFunc("GET /api/v1/scheduler/metrics", h.SchedulerMetrics)
	mux.HandleFunc("GET /api/v1/schedules", h.ListSchedules)
	mux.HandleFunc("POST /api/v1/schedules", h.CreateSchedule)
	mux.HandleFunc("GET /api/v1/schedules/{id}", h.GetSchedule)
	mux.HandleFunc("PUT /api/v1/schedules/{id}", h.UpdateSchedule)
	mux.HandleFunc("DELETE /api/v1/schedules/{id}", h.DeleteSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/enable", h.EnableSchedule)
	mux.HandleFunc("POST /api/v1/schedules/{id}/disable", h.DisableSchedule)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListPlugins returns every installed plugin manifest, sorted by name.
func (h *Handler) ListPlugins(w http.ResponseWriter, r *http.Request) {
	manifests, err := h.catalog.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list plugins", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].Name < manifests[j].Name })

	resp := make([]PluginResponse, 0, len(manifests))
	for _, m := range manifests {
		resp = append(resp, toPluginResponse(m))
	}

	writeJSON(w, http.StatusOK, resp)
}

// AuthRequirements reports the provider, mode, subject and scopes an
// operation would need for the params in the request body.
func (h *Handler) AuthRequirements(w http.ResponseWriter, r *http.Request) {
	params, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(strings.TrimSpace(string(params))) == 0 {
		params = nil
	} else if !json.Valid(params) {
		writeError(w, http.StatusBadRequest, "request body must be JSON params")
		return
	}

	req, err := h.auth.ResolveAuthRequirements(r.Context(), r.PathValue("plugin"), r.PathValue("operation"), params)
	if err != nil {
		h.writeIdentityError(w, "failed to resolve auth requirements", err)
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(req))
}

// DelegationCheck runs a fresh service-identity token exchange for a
// provider. Query parameters: scopes (comma separated) and subject.
func (h *Handler) DelegationCheck(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	scopes := splitList(r.URL.Query().Get("scopes"))
	subject := strings.TrimSpace(r.URL.Query().Get("subject"))

	status := h.delegation.DelegationCheck(r.Context(), provider, scopes, subject)

	code := http.StatusOK
	switch status.Status {
	case application.DelegationReady:
	case application.DelegationUnsupported:
		code = http.StatusNotFound
	default:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// SchedulerMetrics returns the recent tick metrics, oldest first.
func (h *Handler) SchedulerMetrics(w http.ResponseWriter, _ *http.Request) {
	if h.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	metrics := h.scheduler.Metrics()
	if metrics == nil {
		metrics = []application.TickMetrics{}
	}
	writeJSON(w, http.StatusOK, metrics)
}

// writeIdentityError maps preflight rejections to 4xx responses and
// everything else to a logged 500.
func (h *Handler) writeIdentityError(w http.ResponseWriter, msg string, err error) {
	var idErr *model.IdentityError
	if errors.As(err, &idErr) {
		status := http.StatusBadRequest
		if idErr.Code == model.CodeUnknownOperation {
			status = http.StatusNotFound
		}
		writeJSON(w, status, IdentityErrorResponse{
			Error:   idErr.Message,
			Code:    string(idErr.Code),
			Details: idErr.Details,
		})
		return
	}
	h.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
