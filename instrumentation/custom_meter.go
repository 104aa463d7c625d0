package instrumentation

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petrijr/signalflow/pkg/api"
)

// EngineMeterName is the instrumentation scope of engine runtime metrics.
const EngineMeterName = "signalflow.engine"

// CustomMetricMeter adapts an OpenTelemetry meter to api.MetricsHandler, so
// the engine and workers report queue lag, task latency and friends into
// the same pipeline as business metrics.
//
// Counters become Int64Counters, gauges Float64Gauges and timers
// Float64Histograms in milliseconds. Tags become attributes.
type CustomMetricMeter struct {
	inst  *instruments
	attrs attribute.Set
}

type instruments struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	gauges   map[string]metric.Float64Gauge
	timers   map[string]metric.Float64Histogram
}

var _ api.MetricsHandler = (*CustomMetricMeter)(nil)

// NewCustomMetricMeter returns a handler recording on meter.
func NewCustomMetricMeter(meter metric.Meter) *CustomMetricMeter {
	return &CustomMetricMeter{
		inst: &instruments{
			meter:    meter,
			counters: make(map[string]metric.Int64Counter),
			gauges:   make(map[string]metric.Float64Gauge),
			timers:   make(map[string]metric.Float64Histogram),
		},
		attrs: *attribute.EmptySet(),
	}
}

// WithTags returns a handler that adds tags to every recording. Tags of the
// receiver are kept unless overridden.
func (m *CustomMetricMeter) WithTags(tags map[string]string) api.MetricsHandler {
	merged := make(map[string]string, m.attrs.Len()+len(tags))
	for _, kv := range m.attrs.ToSlice() {
		merged[string(kv.Key)] = kv.Value.AsString()
	}
	maps.Copy(merged, tags)

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kvs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, attribute.String(k, merged[k]))
	}
	return &CustomMetricMeter{inst: m.inst, attrs: attribute.NewSet(kvs...)}
}

func (m *CustomMetricMeter) Counter(name string) api.MetricsCounter {
	m.inst.mu.Lock()
	defer m.inst.mu.Unlock()

	c, ok := m.inst.counters[name]
	if !ok {
		// On error the API hands back a no-op instrument.
		c, _ = m.inst.meter.Int64Counter(name)
		m.inst.counters[name] = c
	}
	return counter{c: c, opt: metric.WithAttributeSet(m.attrs)}
}

func (m *CustomMetricMeter) Gauge(name string) api.MetricsGauge {
	m.inst.mu.Lock()
	defer m.inst.mu.Unlock()

	g, ok := m.inst.gauges[name]
	if !ok {
		g, _ = m.inst.meter.Float64Gauge(name)
		m.inst.gauges[name] = g
	}
	return gauge{g: g, opt: metric.WithAttributeSet(m.attrs)}
}

func (m *CustomMetricMeter) Timer(name string) api.MetricsTimer {
	m.inst.mu.Lock()
	defer m.inst.mu.Unlock()

	h, ok := m.inst.timers[name]
	if !ok {
		h, _ = m.inst.meter.Float64Histogram(name, metric.WithUnit("ms"))
		m.inst.timers[name] = h
	}
	return timer{h: h, opt: metric.WithAttributeSet(m.attrs)}
}

type counter struct {
	c   metric.Int64Counter
	opt metric.MeasurementOption
}

func (c counter) Inc(delta int64) { c.c.Add(context.Background(), delta, c.opt) }

type gauge struct {
	g   metric.Float64Gauge
	opt metric.MeasurementOption
}

func (g gauge) Update(v float64) { g.g.Record(context.Background(), v, g.opt) }

type timer struct {
	h   metric.Float64Histogram
	opt metric.MeasurementOption
}

func (t timer) Record(d time.Duration) {
	t.h.Record(context.Background(), float64(d)/float64(time.Millisecond), t.opt)
}
