package pool

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the pool metrics snapshot, emitted on every state
// transition.
type Metrics struct {
	Total           int
	Idle            int
	Active          int
	Waiting         int
	MeanAcquireTime time.Duration
	PeakActive      int
	TotalCreated    int64
	TotalDestroyed  int64
	CapturedAt      time.Time
}

// aggregator keeps the rolling counters, peak tracking and an
// acquire-time window of bounded size. All methods are called with the
// pool's mutex already held by the caller; aggregator itself adds no
// extra locking for the hot counters, only for the Prometheus gauges
// which may be read from a scrape goroutine concurrently.
type aggregator struct {
	windowSize int
	window     []time.Duration
	windowPos  int
	windowFull bool

	peakActive     int
	totalCreated   int64
	totalDestroyed int64

	promMu     sync.Mutex
	gaugeTotal prometheus.Gauge
	gaugeIdle  prometheus.Gauge
	gaugeActv  prometheus.Gauge
	gaugeWait  prometheus.Gauge
	cntCreated prometheus.Counter
	cntDestroy prometheus.Counter
}

func newAggregator(windowSize int, name string) *aggregator {
	a := &aggregator{
		windowSize: windowSize,
		window:     make([]time.Duration, windowSize),
	}
	if name != "" {
		a.gaugeTotal = prometheus.NewGauge(prometheus.GaugeOpts{Name: name + "_pool_total", Help: "total pooled resources"})
		a.gaugeIdle = prometheus.NewGauge(prometheus.GaugeOpts{Name: name + "_pool_idle", Help: "idle pooled resources"})
		a.gaugeActv = prometheus.NewGauge(prometheus.GaugeOpts{Name: name + "_pool_active", Help: "active pooled resources"})
		a.gaugeWait = prometheus.NewGauge(prometheus.GaugeOpts{Name: name + "_pool_waiting", Help: "queued acquire waiters"})
		a.cntCreated = prometheus.NewCounter(prometheus.CounterOpts{Name: name + "_pool_created_total", Help: "resources created"})
		a.cntDestroy = prometheus.NewCounter(prometheus.CounterOpts{Name: name + "_pool_destroyed_total", Help: "resources destroyed"})
	}
	return a
}

// Collectors exposes the Prometheus collectors so a caller can register
// them on their own registry (the aggregator never registers on the
// default global registry itself — that decision belongs to the
// embedding application).
func (a *aggregator) Collectors() []prometheus.Collector {
	if a.gaugeTotal == nil {
		return nil
	}
	return []prometheus.Collector{a.gaugeTotal, a.gaugeIdle, a.gaugeActv, a.gaugeWait, a.cntCreated, a.cntDestroy}
}

func (a *aggregator) recordCreated() {
	a.totalCreated++
	if a.cntCreated != nil {
		a.cntCreated.Inc()
	}
}

func (a *aggregator) recordDestroyed() {
	a.totalDestroyed++
	if a.cntDestroy != nil {
		a.cntDestroy.Inc()
	}
}

func (a *aggregator) recordAcquire(d time.Duration) {
	a.window[a.windowPos] = d
	a.windowPos = (a.windowPos + 1) % a.windowSize
	if a.windowPos == 0 {
		a.windowFull = true
	}
}

func (a *aggregator) meanAcquire() time.Duration {
	n := a.windowPos
	if a.windowFull {
		n = a.windowSize
	}
	if n == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < n; i++ {
		total += a.window[i]
	}
	return total / time.Duration(n)
}

func (a *aggregator) observeActive(active int) {
	if active > a.peakActive {
		a.peakActive = active
	}
}

func (a *aggregator) snapshot(total, idle, active, waiting int) Metrics {
	a.observeActive(active)
	if a.gaugeTotal != nil {
		a.promMu.Lock()
		a.gaugeTotal.Set(float64(total))
		a.gaugeIdle.Set(float64(idle))
		a.gaugeActv.Set(float64(active))
		a.gaugeWait.Set(float64(waiting))
		a.promMu.Unlock()
	}
	return Metrics{
		Total:           total,
		Idle:            idle,
		Active:          active,
		Waiting:         waiting,
		MeanAcquireTime: a.meanAcquire(),
		PeakActive:      a.peakActive,
		TotalCreated:    a.totalCreated,
		TotalDestroyed:  a.totalDestroyed,
		CapturedAt:      time.Now(),
	}
}
