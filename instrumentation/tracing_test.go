package instrumentation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/signalflow/pkg/api"
)

func setupTestTracer() (*tracetest.SpanRecorder, *TracingInterceptor) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, NewTracingInterceptor(tp)
}

func TestTracingInterceptor_SpanPerBoundary(t *testing.T) {
	sr, ti := setupTestTracer()
	ics := ti.Interceptors()
	ctx := context.Background()

	client := api.ChainClient(func(context.Context, api.ClientCall) error { return nil }, ics.Client...)
	require.NoError(t, client(ctx, api.ClientCall{Operation: api.OperationStartWorkflow, WorkflowID: "wf-1", WorkflowType: "SimpleWorkflow"}))

	wf := api.ChainWorkflow(func(context.Context, api.WorkflowTaskInfo) error { return nil }, ics.Workflow...)
	require.NoError(t, wf(ctx, api.WorkflowTaskInfo{WorkflowID: "wf-1", WorkflowType: "SimpleWorkflow", Kind: "workflow"}))

	act := api.ChainActivity(func(context.Context, api.ActivityInfo, any) (any, error) { return "ok", nil }, ics.Activity...)
	out, err := act(ctx, api.ActivityInfo{WorkflowID: "wf-1", ActivityName: "SimulateWork", Attempt: 1}, "in")
	require.NoError(t, err)
	require.Equal(t, "ok", out)

	spans := sr.Ended()
	require.Len(t, spans, 3)

	scopes := map[string]string{}
	for _, s := range spans {
		scopes[s.InstrumentationScope().Name] = s.Name()
		require.Equal(t, codes.Ok, s.Status().Code)
	}
	require.Equal(t, map[string]string{
		ClientTracerName:   api.OperationStartWorkflow,
		WorkflowTracerName: "RunWorkflow:SimpleWorkflow",
		ActivityTracerName: "RunActivity:SimulateWork",
	}, scopes)
}

func TestTracingInterceptor_RecordsErrors(t *testing.T) {
	sr, ti := setupTestTracer()
	boom := errors.New("boom")

	_, err := ti.InterceptActivity(context.Background(), api.ActivityInfo{ActivityName: "FinalizeWork"}, nil,
		func(context.Context, api.ActivityInfo, any) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "boom", spans[0].Status().Description)
	require.NotEmpty(t, spans[0].Events(), "error must be recorded as span event")
}

func TestTracingInterceptor_ActivitySeesSpanContext(t *testing.T) {
	_, ti := setupTestTracer()

	_, err := ti.InterceptActivity(context.Background(), api.ActivityInfo{ActivityName: "a"}, nil,
		func(ctx context.Context, _ api.ActivityInfo, _ any) (any, error) {
			require.True(t, trace.SpanContextFromContext(ctx).IsValid())
			return nil, nil
		})
	require.NoError(t, err)
}

func TestTracingInterceptor_ContinuesTraceFromHeaders(t *testing.T) {
	sr, ti := setupTestTracer()
	ti.WithPropagator(propagation.TraceContext{})

	// Headers written at enqueue time inside the client span.
	var headers propagation.MapCarrier
	client := api.ChainClient(func(ctx context.Context, _ api.ClientCall) error {
		headers = propagation.MapCarrier{}
		propagation.TraceContext{}.Inject(ctx, headers)
		return nil
	}, ti.InterceptClient)
	require.NoError(t, client(context.Background(), api.ClientCall{Operation: api.OperationStartWorkflow, WorkflowID: "wf-1"}))
	require.NotEmpty(t, headers.Get("traceparent"))

	require.NoError(t, ti.InterceptWorkflow(context.Background(), api.WorkflowTaskInfo{WorkflowType: "SimpleWorkflow", Headers: headers},
		func(context.Context, api.WorkflowTaskInfo) error { return nil }))
	_, err := ti.InterceptActivity(context.Background(), api.ActivityInfo{ActivityName: "SimulateWork", Headers: headers}, nil,
		func(context.Context, api.ActivityInfo, any) (any, error) { return nil, nil })
	require.NoError(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 3)
	clientSpan := spans[0]
	for _, s := range spans[1:] {
		require.Equal(t, clientSpan.SpanContext().TraceID(), s.SpanContext().TraceID(), s.Name())
		require.Equal(t, clientSpan.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
	}
}

func TestLoggingInterceptors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ics := LoggingInterceptors(logger)

	act := api.ChainActivity(func(context.Context, api.ActivityInfo, any) (any, error) {
		return nil, errors.New("nope")
	}, ics.Activity...)
	_, _ = act(context.Background(), api.ActivityInfo{ActivityName: "SimulateWork", Attempt: 2}, nil)

	client := api.ChainClient(func(context.Context, api.ClientCall) error { return nil }, ics.Client...)
	_ = client(context.Background(), api.ClientCall{Operation: api.OperationSignalWorkflow, WorkflowID: "wf"})

	out := buf.String()
	require.Contains(t, out, `msg="activity failed"`)
	require.Contains(t, out, "attempt=2")
	require.Contains(t, out, `msg="client call completed"`)
	require.Contains(t, out, "operation=SignalWorkflow")
}
