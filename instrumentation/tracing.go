package instrumentation

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/signalflow/pkg/api"
)

// Tracer names, one per intercepted boundary.
const (
	ClientTracerName   = "signalflow.client"
	WorkflowTracerName = "signalflow.workflow"
	ActivityTracerName = "signalflow.activity"
)

// TracingInterceptor opens a span around every client call, workflow task
// and activity attempt. Workflow and activity spans continue the trace found
// in the task headers, which the engine fills from the scheduling context.
type TracingInterceptor struct {
	client     trace.Tracer
	workflow   trace.Tracer
	activity   trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracingInterceptor uses the global TracerProvider when tp is nil. With
// no provider configured the spans are no-ops.
func NewTracingInterceptor(tp trace.TracerProvider) *TracingInterceptor {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingInterceptor{
		client:     tp.Tracer(ClientTracerName),
		workflow:   tp.Tracer(WorkflowTracerName),
		activity:   tp.Tracer(ActivityTracerName),
		propagator: otel.GetTextMapPropagator(),
	}
}

// WithPropagator replaces the global propagator used to read task headers.
func (ti *TracingInterceptor) WithPropagator(p propagation.TextMapPropagator) *TracingInterceptor {
	ti.propagator = p
	return ti
}

// extract makes the trace carried by headers the parent of the next span.
func (ti *TracingInterceptor) extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return ti.propagator.Extract(ctx, propagation.MapCarrier(headers))
}

// Interceptors returns the interceptor set for clients and workers.
func (ti *TracingInterceptor) Interceptors() api.Interceptors {
	return api.Interceptors{
		Client:   []api.ClientInterceptor{ti.InterceptClient},
		Workflow: []api.WorkflowInterceptor{ti.InterceptWorkflow},
		Activity: []api.ActivityInterceptor{ti.InterceptActivity},
	}
}

func (ti *TracingInterceptor) InterceptClient(ctx context.Context, call api.ClientCall, next api.ClientHandler) error {
	attrs := []attribute.KeyValue{
		attribute.String("signalflow.operation", call.Operation),
		attribute.String("signalflow.workflow_id", call.WorkflowID),
	}
	if call.WorkflowType != "" {
		attrs = append(attrs, attribute.String("signalflow.workflow_type", call.WorkflowType))
	}
	if call.TaskQueue != "" {
		attrs = append(attrs, attribute.String("signalflow.task_queue", call.TaskQueue))
	}
	if call.Signal != "" {
		attrs = append(attrs, attribute.String("signalflow.signal", call.Signal))
	}

	ctx, span := ti.client.Start(ctx, call.Operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
	defer span.End()

	err := next(ctx, call)
	finish(span, err)
	return err
}

func (ti *TracingInterceptor) InterceptWorkflow(ctx context.Context, info api.WorkflowTaskInfo, next api.WorkflowHandler) error {
	ctx = ti.extract(ctx, info.Headers)
	ctx, span := ti.workflow.Start(ctx, "RunWorkflow:"+info.WorkflowType,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("signalflow.workflow_id", info.WorkflowID),
			attribute.String("signalflow.run_id", info.RunID),
			attribute.String("signalflow.workflow_type", info.WorkflowType),
			attribute.String("signalflow.task_queue", info.TaskQueue),
			attribute.String("signalflow.task_kind", info.Kind),
			attribute.Int("signalflow.attempt", info.Attempt),
		),
	)
	defer span.End()

	err := next(ctx, info)
	finish(span, err)
	return err
}

func (ti *TracingInterceptor) InterceptActivity(ctx context.Context, info api.ActivityInfo, input any, next api.ActivityHandler) (any, error) {
	ctx = ti.extract(ctx, info.Headers)
	ctx, span := ti.activity.Start(ctx, "RunActivity:"+info.ActivityName,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("signalflow.workflow_id", info.WorkflowID),
			attribute.String("signalflow.run_id", info.RunID),
			attribute.String("signalflow.activity", info.ActivityName),
			attribute.Int64("signalflow.activity_id", info.ActivityID),
			attribute.Int("signalflow.attempt", info.Attempt),
		),
	)
	defer span.End()

	out, err := next(ctx, info, input)
	finish(span, err)
	return out, err
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
