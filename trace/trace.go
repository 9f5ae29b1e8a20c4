// Package trace provides tracing instrumentation for frame navigations and
// API calls.
package trace

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "cdpcore"

// liveSpan is the span of the document a frame currently shows. API calls
// and frame events of that frame are recorded under it.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for navigations and API calls, keyed by frame id.
type Tracer struct {
	trace.Tracer

	logger   logrus.FieldLogger
	metadata []attribute.KeyValue

	liveSpansMu sync.Mutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider.
func NewTracer(
	logger logrus.FieldLogger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	return &Tracer{
		Tracer:    tp.Tracer(tracerName, options...),
		logger:    logger,
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() *Tracer {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return NewTracer(l, noop.NewTracerProvider(), nil)
}

// Start includes the tracer metadata in the span attributes.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the trace id of spanCtx, or "".
func GetTraceID(spanCtx trace.SpanContext) string {
	if !spanCtx.HasTraceID() {
		return ""
	}
	return spanCtx.TraceID().String()
}

// TraceAPICall starts a span under the live span of the frame, or under
// ctx when the frame has not navigated yet. The caller ends the span.
func (t *Tracer) TraceAPICall(
	ctx context.Context, frameID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	ls := t.liveSpans[frameID]
	t.liveSpansMu.Unlock()

	parent := ctx
	if ls != nil {
		// keep the caller's cancellation, take the span from the document
		parent = trace.ContextWithSpan(ctx, ls.span)
	}
	opts = append(opts, trace.WithAttributes(attribute.String("frame.id", frameID)))
	sctx, span := t.Start(parent, spanName, opts...)
	t.logger.Debugf("TraceAPICall: span:%q frame:%q trace:%q live:%t",
		spanName, frameID, GetTraceID(span.SpanContext()), ls != nil)

	return sctx, span
}

// TraceNavigation ends the live span of the frame and starts a new one for
// the document at url. The span stays live until the next navigation of
// the frame or EndFrame.
func (t *Tracer) TraceNavigation(
	ctx context.Context, frameID string, url string, opts ...trace.SpanStartOption,
) trace.Span {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[frameID]; ls != nil {
		ls.span.End()
	}
	opts = append(opts, trace.WithAttributes(
		attribute.String("frame.id", frameID),
		attribute.String("navigation.url", url),
	))
	ls := &liveSpan{}
	ls.ctx, ls.span = t.Start(ctx, "navigation", opts...)
	t.liveSpans[frameID] = ls
	t.logger.Debugf("TraceNavigation: frame:%q url:%q trace:%q", frameID, url, GetTraceID(ls.span.SpanContext()))

	return ls.span
}

// AddFrameEvent adds an event to the live span of the frame. Frames
// without a live span are ignored.
func (t *Tracer) AddFrameEvent(frameID string, name string, options ...trace.EventOption) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[frameID]; ls != nil {
		ls.span.AddEvent(name, options...)
	}
}

// EndFrame ends the live span of a frame that went away.
func (t *Tracer) EndFrame(frameID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls := t.liveSpans[frameID]; ls != nil {
		ls.span.End()
		delete(t.liveSpans, frameID)
	}
}

// End ends span, recording err as its status when it is not nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for k, v := range metadata {
		meta = append(meta, attribute.String(k, v))
	}
	return meta
}
