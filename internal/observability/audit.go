package observability

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harun/embodia/pkg/diag"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent represents a structured event for the audit log
type AuditEvent struct {
	Type      string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor,omitempty"` // channel, actuator or backend id
	Action    string                 `json:"action"`          // e.g., "diagnostic:timeout", "actuator_registered"
	Status    string                 `json:"status"`          // "success", "failure"
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	TraceID   string                 `json:"trace_id,omitempty"`
}

// AuditLogger handles recording and persisting audit events
type AuditLogger struct {
	logger zerolog.Logger
	mu     sync.Mutex
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst *AuditLogger
)

// GetAuditLogger returns the global audit logger instance
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	a := auditInst
	auditMu.RUnlock()
	if a != nil {
		return a
	}

	auditMu.Lock()
	defer auditMu.Unlock()
	if auditInst == nil {
		// Default to stderr if not initialized
		auditInst = NewAuditLogger(os.Stderr)
	}
	return auditInst
}

// NewAuditLogger creates an audit logger writing JSON lines to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger: zerolog.New(w).With().Timestamp().Logger(),
	}
}

// InitAuditLogger points the global audit logger at a file
func InitAuditLogger(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	a := NewAuditLogger(file)
	a.file = file

	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
	return nil
}

// Record emits an audit event to the log file and optionally to OpenTelemetry
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Extract tracing info if available
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()

		span.AddEvent(event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.status", event.Status),
			attribute.String("audit.actor", event.Actor),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status).
		Str("trace_id", event.TraceID)

	if event.Metadata != nil {
		entry.Interface("metadata", event.Metadata)
	}

	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// DiagnosticSink forwards every diagnostic to the audit log and the
// diagnostics_total counter.
type DiagnosticSink struct {
	audit *AuditLogger
}

// NewDiagnosticSink creates a sink writing to audit, or the global audit
// logger when audit is nil.
func NewDiagnosticSink(audit *AuditLogger) *DiagnosticSink {
	return &DiagnosticSink{audit: audit}
}

// Record implements diag.Sink.
func (s *DiagnosticSink) Record(ctx context.Context, d diag.Diagnostic) {
	RecordDiagnostic(string(d.Kind))

	a := s.audit
	if a == nil {
		a = GetAuditLogger()
	}

	actor := d.ChannelID
	if d.ActuatorID != "" {
		actor = d.ActuatorID
	}

	meta := map[string]interface{}{"cause": d.Cause}
	if d.TickID > 0 {
		meta["tick_id"] = d.TickID
	}
	if d.RequestID > 0 {
		meta["request_id"] = d.RequestID
	}
	if d.ActionID != "" {
		meta["action_id"] = d.ActionID
	}

	a.Record(ctx, AuditEvent{
		Type:      "diagnostic",
		Timestamp: d.Time,
		Actor:     actor,
		Action:    "diagnostic:" + string(d.Kind),
		Status:    "failure",
		Metadata:  meta,
	})
}

// RecordRegistryAudit records an actuator registry mutation.
func RecordRegistryAudit(ctx context.Context, action, actuatorID, kind string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "registry",
		Actor:    actuatorID,
		Action:   action,
		Status:   "success",
		Metadata: map[string]interface{}{"kind": kind},
	})
}

// RecordConfigAudit records a configuration change.
func RecordConfigAudit(ctx context.Context, action, actor string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "config",
		Actor:    actor,
		Action:   action,
		Status:   "success",
		Metadata: metadata,
	})
}
