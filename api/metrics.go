package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName         = "fleetboard/api"
	requestEventName   = "work_orders.request.metrics"
	requestEventDomain = "fleetboard"
	observabilityEvent = "observability.event"
)

// requestMetrics times the stages of one work-order request and reports them
// once as a span and a structured log line.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span
	route  string
	start  time.Time

	authDuration    time.Duration
	storeDuration   time.Duration
	publishDuration time.Duration
	errorStage      string
	attrs           []attribute.KeyValue
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, spanName, route string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger: logger,
		span:   span,
		route:  route,
		start:  time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) { m.authDuration = d }

func (m *requestMetrics) ObserveStore(d time.Duration) { m.storeDuration += d }

func (m *requestMetrics) ObservePublish(d time.Duration) { m.publishDuration = d }

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Set attaches a request specific attribute, e.g. the work order id.
func (m *requestMetrics) Set(kv ...attribute.KeyValue) {
	m.attrs = append(m.attrs, kv...)
}

func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.Int("http.status_code", status),
		attribute.Float64("fleetboard.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("fleetboard.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("fleetboard.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.publishDuration > 0 {
		attrs = append(attrs, attribute.Float64("fleetboard.publish_ms", durationToMillis(m.publishDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("fleetboard.error_stage", m.errorStage))
	}
	attrs = append(attrs, m.attrs...)

	severity, number := severityForStatus(status, err)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", requestEventName),
		attribute.String("event.domain", requestEventDomain),
		attribute.String("severity_text", severity),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	logged := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		logged[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    requestEventDomain,
		"severity_text":   severity,
		"severity_number": number,
		"attributes":      logged,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	entry := m.logger.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	switch severity {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

// severityForStatus maps a response to OpenTelemetry severity text and number.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError, err != nil && status < http.StatusBadRequest:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	}
	return "INFO", 9
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
