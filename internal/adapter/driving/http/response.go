package httphandler

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/ericfisherdev/plughub/internal/application"
	"github.com/ericfisherdev/plughub/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// IdentityErrorResponse carries a preflight rejection code.
type IdentityErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code"`
	Details []string `json:"details,omitempty"`
}

// HealthResponse is the JSON representation of the health check.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// PluginResponse is the JSON representation of an installed plugin.
type PluginResponse struct {
	Name         string              `json:"name"`
	Version      string              `json:"version"`
	Enabled      bool                `json:"enabled"`
	Capabilities []string            `json:"capabilities"`
	Egress       []string            `json:"egress"`
	DailyQuota   int                 `json:"daily_quota"`
	MonthlyQuota int                 `json:"monthly_quota"`
	Operations   []OperationResponse `json:"operations"`
}

// OperationResponse is the JSON representation of a plugin operation.
type OperationResponse struct {
	Name         string   `json:"name"`
	Contexts     []string `json:"contexts"`
	AuthProvider string   `json:"auth_provider,omitempty"`
	AuthMode     string   `json:"auth_mode,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
	Secrets      []string `json:"secrets,omitempty"`
	TimeoutMS    int64    `json:"timeout_ms,omitempty"`
}

// AuthResponse is the JSON representation of an operation's auth needs.
type AuthResponse struct {
	Required bool     `json:"required"`
	Provider string   `json:"provider,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Scopes   []string `json:"scopes"`
}

// ScheduleResponse is the JSON representation of a schedule.
type ScheduleResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Plugin          string          `json:"plugin"`
	Operation       string          `json:"operation"`
	Params          json.RawMessage `json:"params,omitempty"`
	IntervalSeconds int             `json:"interval_seconds"`
	OwnerID         string          `json:"owner_id,omitempty"`
	Enabled         bool            `json:"enabled"`
	NextRunAt       string          `json:"next_run_at,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
}

// CreateScheduleRequest is the body of POST /api/v1/schedules and
// PUT /api/v1/schedules/{id}.
type CreateScheduleRequest struct {
	Name            string          `json:"name"`
	Plugin          string          `json:"plugin"`
	Operation       string          `json:"operation"`
	Params          json.RawMessage `json:"params"`
	IntervalSeconds int             `json:"interval_seconds"`
	OwnerID         string          `json:"owner_id"`
	// Enabled defaults to true on create and to the current state on update.
	Enabled *bool      `json:"enabled"`
	StartAt *time.Time `json:"start_at"`
}

func toPluginResponse(m model.Manifest) PluginResponse {
	caps := make([]string, 0, len(m.Capabilities))
	for _, c := range m.Capabilities {
		caps = append(caps, string(c))
	}
	egress := m.Egress
	if egress == nil {
		egress = []string{}
	}

	names := make([]string, 0, len(m.Operations))
	for name := range m.Operations {
		names = append(names, name)
	}
	sort.Strings(names)

	ops := make([]OperationResponse, 0, len(names))
	for _, name := range names {
		ops = append(ops, toOperationResponse(name, m.Operations[name]))
	}

	return PluginResponse{
		Name:         m.Name,
		Version:      m.Version,
		Enabled:      m.Enabled,
		Capabilities: caps,
		Egress:       egress,
		DailyQuota:   m.Quota.Daily,
		MonthlyQuota: m.Quota.Monthly,
		Operations:   ops,
	}
}

func toOperationResponse(name string, op model.Operation) OperationResponse {
	contexts := make([]string, 0, len(op.Contexts))
	for _, c := range op.Contexts {
		contexts = append(contexts, string(c))
	}
	resp := OperationResponse{
		Name:      name,
		Contexts:  contexts,
		TimeoutMS: op.Timeout.Milliseconds(),
	}
	if op.Auth != nil {
		resp.AuthProvider = model.NormalizeProvider(op.Auth.Provider)
		resp.AuthMode = string(op.Auth.Mode)
		resp.Scopes = op.Auth.Scopes
	}
	for _, s := range op.Secrets {
		resp.Secrets = append(resp.Secrets, s.Key)
	}
	return resp
}

func toAuthResponse(req application.AuthRequirements) AuthResponse {
	scopes := req.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return AuthResponse{
		Required: req.Provider != "",
		Provider: req.Provider,
		Mode:     string(req.Mode),
		Subject:  req.Subject,
		Scopes:   scopes,
	}
}

func toScheduleResponse(s model.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:              s.ID,
		Name:            s.Name,
		Plugin:          s.Plugin,
		Operation:       s.Operation,
		Params:          s.Params,
		IntervalSeconds: s.IntervalSeconds,
		OwnerID:         s.OwnerID,
		Enabled:         s.Enabled,
		CreatedAt:       s.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       s.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if s.NextRunAt != nil {
		resp.NextRunAt = s.NextRunAt.UTC().Format(time.RFC3339)
	}
	return resp
}
