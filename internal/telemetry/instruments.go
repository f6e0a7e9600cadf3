package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/chaz8081/gostt-recorder"

// Instruments records pipeline metrics and spans. A nil *Instruments is
// valid and records nothing.
type Instruments struct {
	tracer trace.Tracer

	jobs          metric.Int64Counter
	inference     metric.Float64Histogram
	modelLoads    metric.Int64Counter
	modelLoadTime metric.Float64Histogram
	evictions     metric.Int64Counter
	droppedFrames metric.Int64Counter
	retention     metric.Int64Counter
	sessions      metric.Int64Counter
}

// NewInstruments creates the instruments from the given providers.
func NewInstruments(mp metric.MeterProvider, tp trace.TracerProvider) (*Instruments, error) {
	meter := mp.Meter(scope)
	i := &Instruments{tracer: tp.Tracer(scope)}

	var err error
	if i.jobs, err = meter.Int64Counter("gostt.jobs",
		metric.WithDescription("Transcription jobs finished, by status")); err != nil {
		return nil, err
	}
	if i.inference, err = meter.Float64Histogram("gostt.inference.duration",
		metric.WithDescription("Inference wall time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if i.modelLoads, err = meter.Int64Counter("gostt.model.loads",
		metric.WithDescription("Model load attempts, by model and result")); err != nil {
		return nil, err
	}
	if i.modelLoadTime, err = meter.Float64Histogram("gostt.model.load.duration",
		metric.WithDescription("Model load time"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if i.evictions, err = meter.Int64Counter("gostt.model.evictions",
		metric.WithDescription("Models closed by eviction")); err != nil {
		return nil, err
	}
	if i.droppedFrames, err = meter.Int64Counter("gostt.audio.dropped_frames",
		metric.WithDescription("Capture frames dropped because the reader fell behind")); err != nil {
		return nil, err
	}
	if i.retention, err = meter.Int64Counter("gostt.retention.deleted",
		metric.WithDescription("Recordings deleted by the retention sweep")); err != nil {
		return nil, err
	}
	if i.sessions, err = meter.Int64Counter("gostt.sessions",
		metric.WithDescription("Recording sessions, by final state")); err != nil {
		return nil, err
	}
	return i, nil
}

// StartSpan starts a span. With nil instruments it returns the span already
// in ctx, which is a no-op span when there is none.
func (i *Instruments) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if i == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// JobFinished counts a job and records its inference time.
func (i *Instruments) JobFinished(ctx context.Context, status, model string, inference time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status), attribute.String("model", model))
	i.jobs.Add(ctx, 1, attrs)
	if inference > 0 {
		i.inference.Record(ctx, inference.Seconds(), attrs)
	}
}

// ModelLoaded records a model load attempt.
func (i *Instruments) ModelLoaded(ctx context.Context, model string, took time.Duration, err error) {
	if i == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("result", result))
	i.modelLoads.Add(ctx, 1, attrs)
	i.modelLoadTime.Record(ctx, took.Seconds(), attrs)
}

// ModelsEvicted counts evicted models.
func (i *Instruments) ModelsEvicted(ctx context.Context, n int) {
	if i == nil || n <= 0 {
		return
	}
	i.evictions.Add(ctx, int64(n))
}

// FramesDropped counts frames lost during capture.
func (i *Instruments) FramesDropped(ctx context.Context, n uint64) {
	if i == nil || n == 0 {
		return
	}
	i.droppedFrames.Add(ctx, int64(n))
}

// RetentionDeleted counts recordings removed by a sweep.
func (i *Instruments) RetentionDeleted(ctx context.Context, n int) {
	if i == nil || n <= 0 {
		return
	}
	i.retention.Add(ctx, int64(n))
}

// SessionEnded counts a session by the state it ended in.
func (i *Instruments) SessionEnded(ctx context.Context, state string) {
	if i == nil {
		return
	}
	i.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
