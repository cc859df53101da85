// Package diagnostics records capability use, token operations and
// execution outcomes without blocking the caller.
package diagnostics

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event type constants.
const (
	EventCapabilityDenied    = "capability_denied"
	EventEgressBlocked       = "egress_blocked"
	EventHTTPRequest         = "http_request"
	EventTokenRefreshed      = "token_refreshed"
	EventTokenIssued         = "token_issued"
	EventTokenError          = "token_error"
	EventTokenDenied         = "token_denied"
	EventSecretDecryptFailed = "secret_decrypt_failed"
	EventExecutionRejected   = "execution_rejected"
	EventExecutionCompleted  = "execution_completed"
	EventExecutionFailed     = "execution_failed"
	EventScheduleEnqueued    = "schedule_enqueued"
	EventScheduleCancelled   = "schedule_cancelled"
	EventKnowledgeIngested   = "knowledge_ingested"
	EventPluginLog           = "plugin_log"
)

// Event is a single structured diagnostics record emitted as NDJSON.
type Event struct {
	Timestamp   string         `json:"ts"`
	Event       string         `json:"event"`
	Level       slog.Level     `json:"level"`
	Plugin      string         `json:"plugin,omitempty"`
	UserID      string         `json:"user_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// DefaultBuffer is the queue length used when NewRecorder gets a
// non-positive size.
const DefaultBuffer = 1024

// Recorder queues events on a buffered channel drained by one goroutine.
// When the queue is full events are dropped and counted. A nil *Recorder
// discards everything.
type Recorder struct {
	logger *slog.Logger
	w      io.Writer
	now    func() time.Time

	ch      chan Event
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewRecorder starts a recorder writing to logger and, when w is non-nil,
// NDJSON lines to w.
func NewRecorder(logger *slog.Logger, w io.Writer, buffer int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	r := &Recorder{
		logger: logger,
		w:      w,
		now:    time.Now,
		ch:     make(chan Event, buffer),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go r.drain()
	return r
}

// Emit queues e. It never blocks.
func (r *Recorder) Emit(e Event) {
	if r == nil {
		return
	}
	if e.Timestamp == "" {
		e.Timestamp = r.now().UTC().Format(time.RFC3339Nano)
	}

	select {
	case r.ch <- e:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close flushes queued events and stops the drain goroutine.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.quit) })
	<-r.done
}

func (r *Recorder) drain() {
	defer close(r.done)
	for {
		select {
		case e := <-r.ch:
			r.write(e)
		case <-r.quit:
			for {
				select {
				case e := <-r.ch:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e Event) {
	attrs := make([]slog.Attr, 0, 4+len(e.Fields))
	attrs = append(attrs, slog.String("event", e.Event))
	if e.Plugin != "" {
		attrs = append(attrs, slog.String("plugin", e.Plugin))
	}
	if e.UserID != "" {
		attrs = append(attrs, slog.String("user_id", e.UserID))
	}
	if e.ExecutionID != "" {
		attrs = append(attrs, slog.String("execution_id", e.ExecutionID))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.logger.LogAttrs(context.Background(), e.Level, "diagnostics", attrs...)

	if r.w == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = r.w.Write(data)
}
