// Package health tracks connection uptime over rolling 1h/1d/1w windows
// and mirrors the server-reported health object for one account.
package health

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/termconnect/internal/events"
	"github.com/coachpo/termconnect/internal/model"
)

const (
	hourWindow = time.Hour
	dayWindow  = 24 * time.Hour
	weekWindow = 7 * 24 * time.Hour
)

// Uptime reports the fraction of healthy samples over each rolling window.
type Uptime struct {
	OneHour time.Duration
	OneDay  time.Duration
	OneWeek time.Duration

	OneHourRatio float64
	OneDayRatio  float64
	OneWeekRatio float64
}

// Monitor is a Listener that samples connection health every samplePeriod
// and maintains fixed-size ring buffers sized for each rolling window.
type Monitor struct {
	events.BaseListener

	accountID    string
	samplePeriod time.Duration

	mu                sync.RWMutex
	terminalConnected bool
	brokerConnected   bool
	quoteStreaming    bool
	serverHealthy     bool
	serverHealth      map[string]any

	hourBuf  *ringBuffer
	dayBuf   *ringBuffer
	weekBuf  *ringBuffer

	quit chan struct{}
	once sync.Once

	metrics *otelMetrics
}

type otelMetrics struct {
	uptime1h metric.Float64ObservableGauge
	uptime1d metric.Float64ObservableGauge
	uptime1w metric.Float64ObservableGauge
	attrs    []attribute.KeyValue
}

// New constructs a Monitor for accountID and starts its sampler goroutine.
// samplePeriod defaults to 1s per spec §6.
func New(accountID string, samplePeriod time.Duration) *Monitor {
	if samplePeriod <= 0 {
		samplePeriod = time.Second
	}
	m := &Monitor{
		accountID:    accountID,
		samplePeriod: samplePeriod,
		hourBuf:      newRingBuffer(int(hourWindow / samplePeriod)),
		dayBuf:       newRingBuffer(int(dayWindow / samplePeriod)),
		weekBuf:      newRingBuffer(int(weekWindow / samplePeriod)),
		quit:         make(chan struct{}),
	}
	m.registerMetrics()
	go m.sampleLoop()
	return m
}

func (m *Monitor) registerMetrics() {
	meter := otel.Meter("termconnect.health")
	om := &otelMetrics{attrs: []attribute.KeyValue{attribute.String("account_id", m.accountID)}}

	om.uptime1h, _ = meter.Float64ObservableGauge("termconnect_health_uptime_1h",
		metric.WithDescription("Connection uptime ratio over the trailing 1 hour"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(m.Uptime().OneHourRatio, metric.WithAttributes(om.attrs...))
			return nil
		}))
	om.uptime1d, _ = meter.Float64ObservableGauge("termconnect_health_uptime_1d",
		metric.WithDescription("Connection uptime ratio over the trailing 1 day"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(m.Uptime().OneDayRatio, metric.WithAttributes(om.attrs...))
			return nil
		}))
	om.uptime1w, _ = meter.Float64ObservableGauge("termconnect_health_uptime_1w",
		metric.WithDescription("Connection uptime ratio over the trailing 1 week"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			o.Observe(m.Uptime().OneWeekRatio, metric.WithAttributes(om.attrs...))
			return nil
		}))
	m.metrics = om
}

// OnConnected marks the terminal connection signal healthy for the next sample.
func (m *Monitor) OnConnected() {
	m.mu.Lock()
	m.terminalConnected = true
	m.mu.Unlock()
}

// OnDisconnected marks the terminal, broker and quote-streaming signals
// unhealthy; the mirrored server health object is left unchanged.
func (m *Monitor) OnDisconnected() {
	m.mu.Lock()
	m.terminalConnected = false
	m.brokerConnected = false
	m.quoteStreaming = false
	m.mu.Unlock()
}

// OnBrokerConnectionStatusChanged records the broker-connected signal.
func (m *Monitor) OnBrokerConnectionStatusChanged(connected bool, _ time.Time) {
	m.mu.Lock()
	m.brokerConnected = connected
	m.mu.Unlock()
}

// OnSymbolPricesUpdated marks the quote-streaming signal healthy; any
// price tick is evidence the stream is alive.
func (m *Monitor) OnSymbolPricesUpdated(_ []model.SymbolPrice, _ model.PriceOverride) {
	m.mu.Lock()
	m.quoteStreaming = true
	m.mu.Unlock()
}

// OnServerHealthStatus mirrors the server-reported health object and
// derives the serverHealthy signal from its presence.
func (m *Monitor) OnServerHealthStatus(status map[string]any) {
	m.mu.Lock()
	m.serverHealth = status
	m.serverHealthy = status != nil
	m.mu.Unlock()
}

// ServerHealth returns the last mirrored server health object.
func (m *Monitor) ServerHealth() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.serverHealth == nil {
		return nil
	}
	out := make(map[string]any, len(m.serverHealth))
	for k, v := range m.serverHealth {
		out[k] = v
	}
	return out
}

func (m *Monitor) sampleLoop() {
	ticker := time.NewTicker(m.samplePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	m.mu.Lock()
	healthy := m.terminalConnected && m.brokerConnected && m.quoteStreaming && (m.serverHealthy || m.serverHealth == nil)
	m.mu.Unlock()

	m.hourBuf.push(healthy)
	m.dayBuf.push(healthy)
	m.weekBuf.push(healthy)
}

// Uptime returns the uptime ratios over each rolling window.
func (m *Monitor) Uptime() Uptime {
	return Uptime{
		OneHourRatio: m.hourBuf.ratio(),
		OneDayRatio:  m.dayBuf.ratio(),
		OneWeekRatio: m.weekBuf.ratio(),
		OneHour:      hourWindow,
		OneDay:       dayWindow,
		OneWeek:      weekWindow,
	}
}

// UptimeMap renders Uptime as the {"1h","1d","1w"} map the query client's
// saveUptime operation forwards to the server.
func (u Uptime) UptimeMap() map[string]float64 {
	return map[string]float64{
		"1h": u.OneHourRatio,
		"1d": u.OneDayRatio,
		"1w": u.OneWeekRatio,
	}
}

// Stop cancels the sampler goroutine; the monitor must not hold the
// process open after Stop returns.
func (m *Monitor) Stop() {
	m.once.Do(func() {
		close(m.quit)
	})
}

// ringBuffer is a fixed-size circular buffer of booleans used to compute a
// rolling mean without retaining unbounded history.
type ringBuffer struct {
	mu     sync.Mutex
	buf    []bool
	filled []bool
	pos    int
	count  int
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = 1
	}
	return &ringBuffer{
		buf:    make([]bool, size),
		filled: make([]bool, size),
	}
}

func (r *ringBuffer) push(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = v
	if !r.filled[r.pos] {
		r.filled[r.pos] = true
		r.count++
	}
	r.pos = (r.pos + 1) % len(r.buf)
}

func (r *ringBuffer) ratio() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return 0
	}
	healthy := 0
	for i, v := range r.buf {
		if r.filled[i] && v {
			healthy++
		}
	}
	return float64(healthy) / float64(r.count)
}

var _ events.Listener = (*Monitor)(nil)
