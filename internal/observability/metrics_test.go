package observability

import "testing"

type recordingMetrics struct {
	counters   int
	histograms int
	gauges     int
}

func (m *recordingMetrics) IncCounter(string, float64, map[string]string)       { m.counters++ }
func (m *recordingMetrics) ObserveHistogram(string, float64, map[string]string) { m.histograms++ }
func (m *recordingMetrics) SetGauge(string, float64, map[string]string)         { m.gauges++ }

func TestTelemetryDefaultsToNoop(t *testing.T) {
	SetMetrics(nil)
	Telemetry().IncCounter("noop", 1, nil)
}

func TestSetMetricsOverridesGlobal(t *testing.T) {
	recorder := new(recordingMetrics)
	SetMetrics(recorder)
	defer SetMetrics(nil)

	m := Telemetry()
	m.IncCounter("events", 1, nil)
	m.ObserveHistogram("latency", 2, nil)
	m.SetGauge("depth", 3, nil)

	if recorder.counters != 1 || recorder.histograms != 1 || recorder.gauges != 1 {
		t.Fatalf("expected one call per metric kind, got %+v", recorder)
	}
}
