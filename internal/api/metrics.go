package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"kanban-sync/internal/domain"
)

const (
	syncTracerName   = "kanban-sync/api"
	syncSpanName     = "sync.event"
	syncMetricsEntry = "sync.event.metrics"
	observabilityEvt = "observability.event"
)

// eventMetrics records one handled sync event as a span and a structured log
// entry.
type eventMetrics struct {
	logger            *log.Logger
	span              trace.Span
	start             time.Time
	event             string
	connID            string
	taskID            string
	storeDuration     time.Duration
	broadcastDuration time.Duration
	errorStage        string
}

func newEventMetrics(ctx context.Context, logger *log.Logger, event, connID string) (*eventMetrics, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(syncTracerName).Start(ctx, syncSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("sync.event.name", event),
			attribute.String("sync.conn.id", connID),
		),
	)
	return &eventMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		event:  event,
		connID: connID,
	}, spanCtx
}

// ObserveStore accumulates time spent in the store.
func (m *eventMetrics) ObserveStore(d time.Duration) {
	if d <= 0 {
		return
	}
	m.storeDuration += d
}

func (m *eventMetrics) ObserveBroadcast(d time.Duration) {
	if d <= 0 {
		return
	}
	m.broadcastDuration = d
}

func (m *eventMetrics) SetTaskID(id string) {
	m.taskID = id
}

func (m *eventMetrics) SetErrorStage(stage string) {
	if stage == "" || m.errorStage != "" {
		return
	}
	m.errorStage = stage
}

func (m *eventMetrics) Log(err error) {
	if m == nil {
		return
	}
	total := durationToMillis(time.Since(m.start))
	severity, severityNumber := severityFor(err)

	attrs := []attribute.KeyValue{
		attribute.String("event.name", m.event),
		attribute.String("severity_text", severity),
		attribute.Int("severity_number", severityNumber),
		attribute.Float64("sync.total_ms", total),
	}
	fields := log.Fields{
		"event":    m.event,
		"conn":     m.connID,
		"total_ms": total,
	}
	if m.taskID != "" {
		attrs = append(attrs, attribute.String("sync.task.id", m.taskID))
		fields["task"] = m.taskID
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("sync.store_ms", durationToMillis(m.storeDuration)))
		fields["store_ms"] = durationToMillis(m.storeDuration)
	}
	if m.broadcastDuration > 0 {
		attrs = append(attrs, attribute.Float64("sync.broadcast_ms", durationToMillis(m.broadcastDuration)))
		fields["broadcast_ms"] = durationToMillis(m.broadcastDuration)
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("sync.error_stage", m.errorStage))
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
		fields["error"] = err.Error()
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityEvt, trace.WithAttributes(attrs...))
		if err != nil {
			m.span.SetStatus(codes.Error, err.Error())
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		if sc := m.span.SpanContext(); sc.IsValid() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	entry := m.logger.WithFields(fields)
	switch severity {
	case "ERROR":
		entry.Error(syncMetricsEntry)
	case "WARN":
		entry.Warn(syncMetricsEntry)
	default:
		entry.Info(syncMetricsEntry)
	}
}

// severityFor maps a handling outcome onto OpenTelemetry log severities.
// Client mistakes are warnings; everything else that failed is an error.
func severityFor(err error) (string, int) {
	switch {
	case err == nil:
		return "INFO", 9
	case domain.IsValidation(err), domain.IsNotFound(err):
		return "WARN", 13
	default:
		return "ERROR", 17
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
