package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avauthz/internal/observability"
)

const redactedValue = "[REDACTED]"

// Logger records audit events.
type Logger interface {
	LogEvent(ctx context.Context, event *Event)
	Close() error
}

// Config configures the audit logger.
type Config struct {
	// Output is stdout, stderr or a file path.
	Output string
	// RedactFields lists metadata keys whose values are replaced. Matching
	// is case-insensitive and by substring.
	RedactFields []string
}

// DefaultRedactFields are always redacted.
func DefaultRedactFields() []string {
	return []string{"token", "secret", "authorization", "password", "api_key"}
}

// Metrics counts audit events.
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics creates audit metrics under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "events_total",
				Help:      "Total number of audit events written",
			},
			[]string{"type", "outcome"},
		),
	}
}

// Collectors returns the collectors to register.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.events}
}

func (m *Metrics) record(e *Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(e.Type), string(e.Outcome)).Inc()
}

type logger struct {
	redact  []string
	writer  io.Writer
	closer  io.Closer
	logger  observability.Logger
	metrics *Metrics
	mu      sync.Mutex
}

// LoggerOption configures the audit logger.
type LoggerOption func(*logger)

// WithLogger sets the logger used to report write failures.
func WithLogger(l observability.Logger) LoggerOption {
	return func(a *logger) { a.logger = l }
}

// WithMetrics sets the audit metrics.
func WithMetrics(m *Metrics) LoggerOption {
	return func(a *logger) { a.metrics = m }
}

// WithWriter writes events to w instead of the configured output.
func WithWriter(w io.Writer) LoggerOption {
	return func(a *logger) { a.writer = w }
}

// NewLogger creates an audit logger writing one JSON object per line.
func NewLogger(cfg Config, opts ...LoggerOption) (Logger, error) {
	l := &logger{
		redact: append(DefaultRedactFields(), cfg.RedactFields...),
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.writer == nil {
		switch cfg.Output {
		case "", "stdout":
			l.writer = os.Stdout
		case "stderr":
			l.writer = os.Stderr
		default:
			//nolint:gosec // G304: path from trusted configuration
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return nil, fmt.Errorf("failed to open audit log file: %w", err)
			}
			l.writer = f
			l.closer = f
		}
	}
	return l, nil
}

// LogEvent writes event after attaching trace and request ids and
// redacting sensitive metadata.
func (l *logger) LogEvent(ctx context.Context, event *Event) {
	if event == nil {
		return
	}
	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}
	if event.RequestID == "" {
		event.RequestID = observability.RequestIDFromContext(ctx)
	}
	for key := range event.Metadata {
		if l.shouldRedact(key) {
			event.Metadata[key] = redactedValue
		}
	}

	out, err := json.Marshal(event)
	if err != nil {
		l.logger.Error("failed to marshal audit event", observability.Error(err))
		return
	}
	out = append(out, '\n')

	l.mu.Lock()
	_, err = l.writer.Write(out)
	l.mu.Unlock()
	if err != nil {
		l.logger.Error("failed to write audit event", observability.Error(err))
		return
	}
	l.metrics.record(event)
}

func (l *logger) shouldRedact(field string) bool {
	field = strings.ToLower(field)
	for _, r := range l.redact {
		if strings.Contains(field, strings.ToLower(r)) {
			return true
		}
	}
	return false
}

// Close closes the output file, if any.
func (l *logger) Close() error {
	if l.closer != nil {
		return l.closer.Close()
	}
	return nil
}

type noopLogger struct{}

// NewNoopLogger returns a logger that drops every event.
func NewNoopLogger() Logger {
	return noopLogger{}
}

func (noopLogger) LogEvent(context.Context, *Event) {}
func (noopLogger) Close() error                     { return nil }
