package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ericfisherdev/plughub/internal/diagnostics"
	"github.com/ericfisherdev/plughub/internal/domain/model"
	"github.com/ericfisherdev/plughub/internal/domain/port/driven"
	"github.com/ericfisherdev/plughub/internal/sandbox"
)

// Execution defaults.
const (
	DefaultExecutionTimeout = 30 * time.Second
	DefaultMaxOutputBytes   = 1 << 20
	maxErrorLength          = 200
)

// PluginRuntime runs plugin code against a capability host.
type PluginRuntime interface {
	Invoke(ctx context.Context, host *sandbox.Host, operation string, params json.RawMessage) (any, error)
}

// ExecuteRequest asks for one direct execution.
type ExecuteRequest struct {
	Plugin      string
	Operation   string
	Params      json.RawMessage
	UserID      string
	OperatorKey string
	// Context defaults to interactive.
	Context model.CallContext
	// Timeout, when set, further limits the operation's own timeout.
	Timeout time.Duration
}

// ExecutionResult is the outcome of a finished execution.
type ExecutionResult struct {
	ExecutionID string                `json:"execution_id"`
	Status      model.ExecutionStatus `json:"status"`
	Output      json.RawMessage       `json:"output,omitempty"`
	Error       string                `json:"error,omitempty"`
	Duration    time.Duration         `json:"duration"`
}

// AuthRequirements is the token an operation needs for given params.
// Provider is empty when the operation declares no auth.
type AuthRequirements struct {
	Provider string
	Mode     model.AuthMode
	Subject  string
	Scopes   []string
}

// ExecutionConfig bounds executions.
type ExecutionConfig struct {
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// ExecutionDeps are the collaborators of ExecutionService.
type ExecutionDeps struct {
	Catalog     driven.PluginCatalog
	Validator   driven.ParamsValidator
	Ledger      *Ledger
	Broker      *TokenBroker
	Secrets     *SecretsService
	Executions  driven.ExecutionStore
	Quota       *QuotaGuard
	Runtime     PluginRuntime
	Sandbox     sandbox.Deps
	Diagnostics *diagnostics.Recorder
}

// ExecutionService runs plugin operations: preflight, quota, sandboxed
// invocation under a deadline, output governance and persistence.
type ExecutionService struct {
	deps  ExecutionDeps
	cfg   ExecutionConfig
	now   func() time.Time
	newID func() string
}

// NewExecutionService creates an ExecutionService.
func NewExecutionService(deps ExecutionDeps, cfg ExecutionConfig) *ExecutionService {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultExecutionTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if deps.Sandbox.Diagnostics == nil {
		deps.Sandbox.Diagnostics = deps.Diagnostics
	}
	if deps.Sandbox.Subscriptions == nil && deps.Ledger != nil {
		deps.Sandbox.Subscriptions = deps.Ledger
	}
	return &ExecutionService{
		deps:  deps,
		cfg:   cfg,
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// preflightResult is what a successful preflight resolved.
type preflightResult struct {
	manifest model.Manifest
	op       model.Operation
	auth     AuthRequirements
}

// Execute runs an operation directly. A preflight rejection returns a failed
// result together with a *model.IdentityError; such executions are recorded
// as failed without ever running.
func (s *ExecutionService) Execute(ctx context.Context, req ExecuteRequest) (*ExecutionResult, error) {
	if req.Context == "" {
		req.Context = model.CallInteractive
	}
	exec := model.Execution{
		ID:          s.newID(),
		Plugin:      req.Plugin,
		Operation:   req.Operation,
		OperatorKey: req.OperatorKey,
		UserID:      req.UserID,
		Params:      req.Params,
		CreatedAt:   s.now(),
	}

	pf, err := s.preflight(ctx, req.Plugin, req.Operation, req.UserID, req.Params, req.Context)
	if err != nil {
		return s.rejectDirect(ctx, exec, err)
	}

	lease, err := s.deps.Quota.Acquire(ctx, pf.manifest, pf.auth.Provider)
	if err != nil {
		return s.rejectDirect(ctx, exec, err)
	}
	defer lease.Release(context.WithoutCancel(ctx))

	started := s.now()
	exec.Status = model.ExecutionRunning
	exec.StartedAt = &started
	if err := s.deps.Executions.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}

	return s.run(ctx, exec, pf, req.Timeout), nil
}

// rejectDirect records a direct execution that never started.
func (s *ExecutionService) rejectDirect(ctx context.Context, exec model.Execution, cause error) (*ExecutionResult, error) {
	var idErr *model.IdentityError
	if !errors.As(cause, &idErr) && !isQuotaError(cause) {
		return nil, cause
	}

	now := s.now()
	exec.Status = model.ExecutionFailed
	exec.Error = sanitizeError(cause)
	exec.CompletedAt = &now
	if err := s.deps.Executions.Create(context.WithoutCancel(ctx), exec); err != nil {
		slog.Error("recording rejected execution", "execution_id", exec.ID, "error", err)
	}
	s.emitRejected(exec, cause)

	return &ExecutionResult{ExecutionID: exec.ID, Status: model.ExecutionFailed, Error: exec.Error}, cause
}

// RunScheduled runs a pending execution created by the scheduler. A
// preflight rejection moves it straight from pending to failed. Losing the
// claim to another worker returns driven.ErrClaimLost.
func (s *ExecutionService) RunScheduled(ctx context.Context, exec model.Execution) (*ExecutionResult, error) {
	pf, err := s.preflight(ctx, exec.Plugin, exec.Operation, exec.UserID, exec.Params, model.CallScheduled)
	if err != nil {
		var idErr *model.IdentityError
		if !errors.As(err, &idErr) {
			return nil, err
		}
		reason := sanitizeError(err)
		if ferr := s.deps.Executions.Fail(ctx, exec.ID, model.ExecutionPending, reason, s.now()); ferr != nil {
			return nil, ferr
		}
		s.emitRejected(exec, err)
		return &ExecutionResult{ExecutionID: exec.ID, Status: model.ExecutionFailed, Error: reason}, err
	}

	started := s.now()
	if err := s.deps.Executions.Claim(ctx, exec.ID, started); err != nil {
		return nil, err
	}
	exec.Status = model.ExecutionRunning
	exec.StartedAt = &started

	lease, err := s.deps.Quota.Acquire(ctx, pf.manifest, pf.auth.Provider)
	if err != nil {
		if !isQuotaError(err) {
			slog.Error("quota check failed", "execution_id", exec.ID, "error", err)
		}
		return s.finish(ctx, exec, nil, sanitizeError(err)), nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	return s.run(ctx, exec, pf, 0), nil
}

// ResolveAuthRequirements reports which token an operation would need for
// params, without obtaining it.
func (s *ExecutionService) ResolveAuthRequirements(ctx context.Context, plugin, operation string, params json.RawMessage) (AuthRequirements, error) {
	_, op, err := s.lookup(ctx, plugin, operation)
	if err != nil {
		return AuthRequirements{}, err
	}
	return authRequirements(op, params)
}

func (s *ExecutionService) lookup(ctx context.Context, plugin, operation string) (model.Manifest, model.Operation, error) {
	m, err := s.deps.Catalog.Get(ctx, plugin)
	if errors.Is(err, model.ErrNotFound) {
		return model.Manifest{}, model.Operation{}, &model.IdentityError{
			Code:    model.CodeUnknownOperation,
			Message: fmt.Sprintf("unknown plugin %q", plugin),
		}
	}
	if err != nil {
		return model.Manifest{}, model.Operation{}, fmt.Errorf("loading manifest: %w", err)
	}
	op, ok := m.Operation(operation)
	if !ok {
		return model.Manifest{}, model.Operation{}, &model.IdentityError{
			Code:    model.CodeUnknownOperation,
			Message: fmt.Sprintf("plugin %q has no operation %q", plugin, operation),
		}
	}
	op.Name = operation
	return *m, op, nil
}

func authRequirements(op model.Operation, params json.RawMessage) (AuthRequirements, error) {
	if op.Auth == nil {
		return AuthRequirements{}, nil
	}
	req := AuthRequirements{
		Provider: model.NormalizeProvider(op.Auth.Provider),
		Mode:     op.Auth.Mode,
		Scopes:   append([]string(nil), op.Auth.Scopes...),
	}
	if req.Mode != model.AuthModeDomainDelegate {
		return req, nil
	}

	param := op.Auth.SubjectParam
	if param == "" {
		param = "subject"
	}
	var values map[string]any
	if len(params) > 0 {
		if err := json.Unmarshal(params, &values); err != nil {
			return AuthRequirements{}, fmt.Errorf("reading %s: %w", param, model.ErrSubjectRequired)
		}
	}
	subject, _ := values[param].(string)
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return AuthRequirements{}, fmt.Errorf("param %q: %w", param, model.ErrSubjectRequired)
	}
	req.Subject = subject
	return req, nil
}

// preflight checks, in order: manifest and operation, call context, params,
// subscription consent, token availability and declared secrets. Any
// failure is a *model.IdentityError; raw provider errors are logged only.
func (s *ExecutionService) preflight(ctx context.Context, plugin, operation, userID string, params json.RawMessage, callCtx model.CallContext) (*preflightResult, error) {
	m, op, err := s.lookup(ctx, plugin, operation)
	if err != nil {
		return nil, err
	}
	if !m.Enabled {
		return nil, &model.IdentityError{
			Code:    model.CodePluginDisabled,
			Message: fmt.Sprintf("plugin %q is disabled", plugin),
		}
	}
	if !op.Permits(callCtx) {
		return nil, &model.IdentityError{
			Code:    model.CodeOperationNotPermitted,
			Message: fmt.Sprintf("operation %q cannot run %s", operation, callCtx),
		}
	}

	if s.deps.Validator != nil && len(op.ParamsSchema) > 0 {
		violations, err := s.deps.Validator.Validate(op.ParamsSchema, params)
		if err != nil {
			slog.Error("unusable params schema", "plugin", plugin, "operation", operation, "error", err)
			return nil, &model.IdentityError{
				Code:    model.CodeInvalidParams,
				Message: "operation parameter schema is unusable",
			}
		}
		if len(violations) > 0 {
			return nil, &model.IdentityError{
				Code:    model.CodeInvalidParams,
				Message: "invalid parameters",
				Details: violations,
			}
		}
	}

	auth, err := authRequirements(op, params)
	if err != nil {
		return nil, &model.IdentityError{
			Code:     model.CodeInvalidParams,
			Message:  err.Error(),
			Provider: op.Auth.Provider,
		}
	}

	if auth.Provider != "" {
		if err := s.checkAuth(ctx, plugin, userID, auth); err != nil {
			return nil, err
		}
	}

	if missing, err := s.missingSecrets(ctx, plugin, userID, op); err != nil {
		return nil, err
	} else if len(missing) > 0 {
		return nil, &model.IdentityError{
			Code:    model.CodeMissingSecrets,
			Message: "required secrets are not set",
			Details: missing,
		}
	}

	return &preflightResult{manifest: m, op: op, auth: auth}, nil
}

func (s *ExecutionService) checkAuth(ctx context.Context, plugin, userID string, auth AuthRequirements) error {
	if auth.Mode == model.AuthModeUser {
		allowed, err := s.deps.Ledger.Allowed(ctx, userID, auth.Provider, plugin)
		if err != nil {
			return err
		}
		if !allowed {
			return &model.IdentityError{
				Code:     model.CodeSubscriptionRequired,
				Message:  fmt.Sprintf("plugin %q is not subscribed to %s", plugin, auth.Provider),
				Provider: auth.Provider,
			}
		}
	}

	token, err := s.deps.Broker.Resolve(ctx, model.AuthRequest{
		UserID:   userID,
		Provider: auth.Provider,
		Mode:     auth.Mode,
		Scopes:   auth.Scopes,
		Subject:  auth.Subject,
	})
	if err != nil {
		slog.Warn("token unavailable during preflight",
			"plugin", plugin, "provider", auth.Provider, "mode", auth.Mode, "error", err)
		msg := fmt.Sprintf("unable to obtain a %s token", auth.Provider)
		if errors.Is(err, model.ErrProviderNotSupported) {
			msg = fmt.Sprintf("provider %q not supported", auth.Provider)
		}
		return &model.IdentityError{
			Code:     model.CodeInsufficientScopes,
			Message:  msg,
			Provider: auth.Provider,
			Details:  auth.Scopes,
		}
	}
	if token == "" {
		return &model.IdentityError{
			Code:     model.CodeInsufficientScopes,
			Message:  fmt.Sprintf("%s authorization is missing required scopes", auth.Provider),
			Provider: auth.Provider,
			Details:  auth.Scopes,
		}
	}
	return nil
}

func (s *ExecutionService) missingSecrets(ctx context.Context, plugin, userID string, op model.Operation) ([]string, error) {
	if len(op.Secrets) == 0 {
		return nil, nil
	}
	if s.deps.Secrets == nil {
		missing := make([]string, len(op.Secrets))
		for i, req := range op.Secrets {
			missing[i] = req.Key
		}
		return missing, nil
	}

	var missing []string
	for _, req := range op.Secrets {
		v, err := s.deps.Secrets.Get(ctx, userID, plugin, req.Key, req.Scope)
		if err != nil {
			return nil, fmt.Errorf("resolving secret %s: %w", req.Key, err)
		}
		if v == "" {
			missing = append(missing, req.Key)
		}
	}
	return missing, nil
}

// outcome is what a plugin invocation produced.
type outcome struct {
	value any
	err   error
}

// run invokes the plugin under a deadline and records the result. The
// execution must already be running.
func (s *ExecutionService) run(ctx context.Context, exec model.Execution, pf *preflightResult, limit time.Duration) *ExecutionResult {
	runCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(limit, pf.op.Timeout, s.cfg.DefaultTimeout))
	defer cancel()

	host := sandbox.NewHost(s.deps.Sandbox, sandbox.Invocation{
		Manifest:    pf.manifest,
		Operation:   pf.op.Name,
		UserID:      exec.UserID,
		ExecutionID: exec.ID,
		Subject:     pf.auth.Subject,
	})

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("plugin panicked", "plugin", exec.Plugin, "operation", exec.Operation, "panic", r)
				done <- outcome{err: errors.New("plugin panicked")}
			}
		}()
		v, err := s.deps.Runtime.Invoke(runCtx, host, pf.op.Name, exec.Params)
		done <- outcome{value: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		reason := model.ReasonTimeout
		if !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			reason = "cancelled"
		}
		return s.finish(ctx, exec, nil, reason)
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) {
			return s.finish(ctx, exec, nil, model.ReasonTimeout)
		}
		return s.finish(ctx, exec, nil, sanitizeError(out.err))
	}

	data, err := json.Marshal(out.value)
	if err != nil {
		return s.finish(ctx, exec, nil, "output is not serializable")
	}
	maxBytes := s.cfg.MaxOutputBytes
	if pf.op.MaxOutputBytes > 0 {
		maxBytes = pf.op.MaxOutputBytes
	}
	if len(data) > maxBytes {
		return s.finish(ctx, exec, nil, fmt.Sprintf("%s (%d bytes > %d)", model.ReasonOutputTooLarge, len(data), maxBytes))
	}
	return s.finish(ctx, exec, data, "")
}

// finish moves a running execution to its terminal state. A non-empty
// reason fails it.
func (s *ExecutionService) finish(ctx context.Context, exec model.Execution, output json.RawMessage, reason string) *ExecutionResult {
	ctx = context.WithoutCancel(ctx)
	completed := s.now()
	result := &ExecutionResult{ExecutionID: exec.ID}
	if exec.StartedAt != nil {
		result.Duration = completed.Sub(*exec.StartedAt)
	}

	var err error
	if reason == "" {
		result.Status = model.ExecutionCompleted
		result.Output = output
		err = s.deps.Executions.Complete(ctx, exec.ID, output, completed)
	} else {
		result.Status = model.ExecutionFailed
		result.Error = reason
		err = s.deps.Executions.Fail(ctx, exec.ID, model.ExecutionRunning, reason, completed)
	}
	if err != nil {
		slog.Error("recording execution outcome", "execution_id", exec.ID, "status", result.Status, "error", err)
	}

	event, level := diagnostics.EventExecutionCompleted, slog.LevelInfo
	fields := map[string]any{
		"operation":   exec.Operation,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Status == model.ExecutionFailed {
		event, level = diagnostics.EventExecutionFailed, slog.LevelWarn
		fields["error"] = reason
	}
	s.deps.Diagnostics.Emit(diagnostics.Event{
		Event:       event,
		Level:       level,
		Plugin:      exec.Plugin,
		UserID:      exec.UserID,
		ExecutionID: exec.ID,
		Fields:      fields,
	})
	return result
}

func (s *ExecutionService) emitRejected(exec model.Execution, cause error) {
	fields := map[string]any{"operation": exec.Operation}
	var idErr *model.IdentityError
	if errors.As(cause, &idErr) {
		fields["code"] = string(idErr.Code)
	} else {
		fields["reason"] = sanitizeError(cause)
	}
	s.deps.Diagnostics.Emit(diagnostics.Event{
		Event:       diagnostics.EventExecutionRejected,
		Level:       slog.LevelWarn,
		Plugin:      exec.Plugin,
		UserID:      exec.UserID,
		ExecutionID: exec.ID,
		Fields:      fields,
	})
}

// effectiveTimeout picks the tighter of the request and operation limits,
// falling back to def when neither is set.
func effectiveTimeout(request, op, def time.Duration) time.Duration {
	switch {
	case request > 0 && op > 0:
		return min(request, op)
	case request > 0:
		return request
	case op > 0:
		return op
	default:
		return def
	}
}

func isQuotaError(err error) bool {
	return errors.Is(err, model.ErrQuotaExceeded) || errors.Is(err, model.ErrConcurrencyLimit)
}

// sanitizeError reduces a plugin error to a short single line. HTTP
// failures are reported by category only.
func sanitizeError(err error) string {
	var httpErr *model.HTTPRequestFailedError
	if errors.As(err, &httpErr) {
		return "http request failed: " + string(httpErr.Category)
	}

	msg := strings.TrimSpace(err.Error())
	if i := strings.IndexAny(msg, "\r\n"); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	if utf8.RuneCountInString(msg) > maxErrorLength {
		runes := []rune(msg)
		msg = string(runes[:maxErrorLength])
	}
	if msg == "" {
		msg = "plugin error"
	}
	return msg
}
