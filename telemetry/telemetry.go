// Package telemetry implements the metrics pipeline:
// event kinds, the Reporter contract, and four concrete reporters
// (Noop, Console, Buffered, Prometheus).
package telemetry

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Kind is the four metric kinds a Reporter sinks.
type Kind string

const (
	KindOperation Kind = "operation"
	KindCacheHit  Kind = "cache_hit"
	KindCacheMiss Kind = "cache_miss"
	KindError     Kind = "error"
)

// Event is one recorded occurrence.
type Event struct {
	Kind       Kind
	Name       string
	Duration   time.Duration
	Success    bool
	Err        error
	StackTrace string
	At         time.Time
}

// Reporter sinks events. Every concrete reporter must tolerate concurrent
// calls from the store's task domain.
type Reporter interface {
	ReportOperation(e Event)
	ReportCacheHit(e Event)
	ReportCacheMiss(e Event)
	ReportError(e Event)
	Flush()
	Dispose()
}

// Config carries the sampling/timing knobs the store reads off its
// metrics config.
type Config struct {
	SampleRate          float64
	IncludeStackTraces  bool
	TrackTiming         bool
}

func (c Config) sampleRate() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	if c.SampleRate > 1 {
		return 1
	}
	return c.SampleRate
}

// Stats is the aggregated, unsampled operation count behind the store's
// GetStats/ResetStats surface: every operation is counted, only external
// emission is sampled.
type Stats struct {
	mu         sync.Mutex
	OpCount    map[string]int64
	OpFailures map[string]int64
	CacheHits  int64
	CacheMiss  int64
}

func NewStats() *Stats {
	return &Stats{OpCount: make(map[string]int64), OpFailures: make(map[string]int64)}
}

func (s *Stats) recordOp(name string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpCount[name]++
	if !success {
		s.OpFailures[name]++
	}
}

func (s *Stats) recordCache(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.CacheHits++
	} else {
		s.CacheMiss++
	}
}

// StatsSnapshot is the plain-data copy of Stats that Snapshot hands to
// callers; unlike Stats it carries no lock, so it is freely copyable.
type StatsSnapshot struct {
	OpCount    map[string]int64
	OpFailures map[string]int64
	CacheHits  int64
	CacheMiss  int64
}

// Snapshot returns a copy safe for the caller to inspect.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := StatsSnapshot{OpCount: make(map[string]int64, len(s.OpCount)), OpFailures: make(map[string]int64, len(s.OpFailures))}
	for k, v := range s.OpCount {
		cp.OpCount[k] = v
	}
	for k, v := range s.OpFailures {
		cp.OpFailures[k] = v
	}
	cp.CacheHits = s.CacheHits
	cp.CacheMiss = s.CacheMiss
	return cp
}

// Reset clears every counter.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpCount = make(map[string]int64)
	s.OpFailures = make(map[string]int64)
	s.CacheHits = 0
	s.CacheMiss = 0
}

// Pipeline wires sampling and unconditional aggregation in front of a
// Reporter. Aggregation always happens; the Reporter only sees a sampled
// subset of the same events.
type Pipeline struct {
	cfg      Config
	reporter Reporter
	stats    *Stats
	rand     *rand.Rand
	mu       sync.Mutex
}

// pipelineSeq disambiguates sampling seeds for pipelines constructed
// within the same clock tick, so two stores never sample in lockstep.
var pipelineSeq atomic.Int64

func NewPipeline(cfg Config, reporter Reporter) *Pipeline {
	seed := time.Now().UnixNano() ^ (pipelineSeq.Add(1) << 32)
	return &Pipeline{cfg: cfg, reporter: reporter, stats: NewStats(), rand: rand.New(rand.NewSource(seed))}
}

func (p *Pipeline) Stats() *Stats { return p.stats }

func (p *Pipeline) shouldEmit() bool {
	rate := p.cfg.sampleRate()
	if rate >= 1 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rand.Float64() < rate
}

// TrackOperation times work, records success/failure unconditionally in
// Stats, and emits a sampled Event to the underlying Reporter.
func (p *Pipeline) TrackOperation(name string, work func() error) error {
	start := time.Now()
	err := work()
	duration := time.Duration(0)
	if p.cfg.TrackTiming {
		duration = time.Since(start)
	}
	success := err == nil
	p.stats.recordOp(name, success)

	if p.shouldEmit() {
		p.reporter.ReportOperation(Event{
			Kind:     KindOperation,
			Name:     name,
			Duration: duration,
			Success:  success,
			Err:      err,
			At:       time.Now(),
		})
		if err != nil {
			p.reporter.ReportError(Event{Kind: KindError, Name: name, Err: err, At: time.Now()})
		}
	}
	return err
}

// RecordCacheHit/RecordCacheMiss follow the same unsampled-aggregation,
// sampled-emission split.
func (p *Pipeline) RecordCacheHit(name string) {
	p.stats.recordCache(true)
	if p.shouldEmit() {
		p.reporter.ReportCacheHit(Event{Kind: KindCacheHit, Name: name, At: time.Now()})
	}
}

func (p *Pipeline) RecordCacheMiss(name string) {
	p.stats.recordCache(false)
	if p.shouldEmit() {
		p.reporter.ReportCacheMiss(Event{Kind: KindCacheMiss, Name: name, At: time.Now()})
	}
}

func (p *Pipeline) Flush()   { p.reporter.Flush() }
func (p *Pipeline) Dispose() { p.reporter.Dispose() }

// --- Noop -------------------------------------------------------------

// NoopReporter discards every event.
type NoopReporter struct{}

func (NoopReporter) ReportOperation(Event) {}
func (NoopReporter) ReportCacheHit(Event)  {}
func (NoopReporter) ReportCacheMiss(Event) {}
func (NoopReporter) ReportError(Event)     {}
func (NoopReporter) Flush()                {}
func (NoopReporter) Dispose()              {}

// --- Console ------------------------------------------------------------

// ConsoleReporter logs each event immediately via zerolog.
type ConsoleReporter struct {
	Logger zerolog.Logger
}

func (c ConsoleReporter) log(e Event) *zerolog.Event {
	ev := c.Logger.Info()
	if !e.Success {
		ev = c.Logger.Warn()
	}
	return ev.Str("name", e.Name).Dur("duration", e.Duration).Bool("success", e.Success)
}

func (c ConsoleReporter) ReportOperation(e Event) { c.log(e).Msg("operation") }
func (c ConsoleReporter) ReportCacheHit(e Event)   { c.log(e).Msg("cache hit") }
func (c ConsoleReporter) ReportCacheMiss(e Event)  { c.log(e).Msg("cache miss") }
func (c ConsoleReporter) ReportError(e Event)      { c.Logger.Error().Err(e.Err).Str("name", e.Name).Msg("operation error") }
func (c ConsoleReporter) Flush()                   {}
func (c ConsoleReporter) Dispose()                 {}

// --- Buffered -----------------------------------------------------------

// BufferedReporter wraps a delegate Reporter, batching events until the
// buffer fills or the flush interval elapses. Flush is
// re-entrancy-safe: a flush triggered from inside a Report* call must not
// recurse, since auto-flush always happens after the buffered append,
// never from within the delegate's own Report* method.
type BufferedReporter struct {
	delegate      Reporter
	capacity      int
	flushInterval time.Duration

	mu      sync.Mutex
	buf     []Event
	closed  bool
	ticker  *time.Ticker
	stopped chan struct{}
}

// NewBuffered constructs a buffered reporter. capacity <= 0 defaults to
// 100; flushInterval <= 0 disables the timer (buffer-full is then the
// only flush trigger).
func NewBuffered(delegate Reporter, capacity int, flushInterval time.Duration) *BufferedReporter {
	if capacity <= 0 {
		capacity = 100
	}
	b := &BufferedReporter{delegate: delegate, capacity: capacity, flushInterval: flushInterval, stopped: make(chan struct{})}
	if flushInterval > 0 {
		b.ticker = time.NewTicker(flushInterval)
		go b.runTicker()
	}
	return b
}

func (b *BufferedReporter) runTicker() {
	for {
		select {
		case <-b.ticker.C:
			b.Flush()
		case <-b.stopped:
			return
		}
	}
}

func (b *BufferedReporter) append(e Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, e)
	full := len(b.buf) >= b.capacity
	b.mu.Unlock()
	if full {
		b.Flush()
	}
}

func (b *BufferedReporter) ReportOperation(e Event) { e.Kind = KindOperation; b.append(e) }
func (b *BufferedReporter) ReportCacheHit(e Event)  { e.Kind = KindCacheHit; b.append(e) }
func (b *BufferedReporter) ReportCacheMiss(e Event) { e.Kind = KindCacheMiss; b.append(e) }
func (b *BufferedReporter) ReportError(e Event)     { e.Kind = KindError; b.append(e) }

// Flush dispatches each buffered event to the delegate's matching method,
// then calls the delegate's own flush.
func (b *BufferedReporter) Flush() {
	b.mu.Lock()
	pending := b.buf
	b.buf = nil
	b.mu.Unlock()

	for _, e := range pending {
		switch e.Kind {
		case KindOperation:
			b.delegate.ReportOperation(e)
		case KindCacheHit:
			b.delegate.ReportCacheHit(e)
		case KindCacheMiss:
			b.delegate.ReportCacheMiss(e)
		case KindError:
			b.delegate.ReportError(e)
		}
	}
	b.delegate.Flush()
}

func (b *BufferedReporter) Dispose() {
	b.Flush()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.ticker != nil {
		b.ticker.Stop()
		close(b.stopped)
	}
	b.delegate.Dispose()
}

// --- Prometheus -----------------------------------------------------------

// PrometheusReporter exports operation counts/durations and cache hit/miss
// counts as Prometheus collectors instead of delegating to another
// Reporter, so it is typically wrapped by BufferedReporter only when a
// deployment wants batched scrape-independent export alongside it.
type PrometheusReporter struct {
	opTotal      *prometheus.CounterVec
	opErrors     *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
}

// NewPrometheusReporter builds a reporter with its own metric vectors
// under the given namespace. Register Collectors() with a
// prometheus.Registerer to expose them.
func NewPrometheusReporter(namespace string) *PrometheusReporter {
	return &PrometheusReporter{
		opTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "operations_total",
		}, []string{"name"}),
		opErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "operation_errors_total",
		}, []string{"name"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "store", Name: "operation_duration_seconds",
		}, []string{"name"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "cache_hits_total",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "cache_misses_total",
		}),
	}
}

// Collectors returns every metric this reporter owns, for registration.
func (p *PrometheusReporter) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.opTotal, p.opErrors, p.opDuration, p.cacheHits, p.cacheMisses}
}

func (p *PrometheusReporter) ReportOperation(e Event) {
	p.opTotal.WithLabelValues(e.Name).Inc()
	p.opDuration.WithLabelValues(e.Name).Observe(e.Duration.Seconds())
	if !e.Success {
		p.opErrors.WithLabelValues(e.Name).Inc()
	}
}

func (p *PrometheusReporter) ReportCacheHit(Event)  { p.cacheHits.Inc() }
func (p *PrometheusReporter) ReportCacheMiss(Event) { p.cacheMisses.Inc() }
func (p *PrometheusReporter) ReportError(e Event)   { p.opErrors.WithLabelValues(e.Name).Inc() }
func (p *PrometheusReporter) Flush()                {}
func (p *PrometheusReporter) Dispose()              {}

var (
	_ Reporter = NoopReporter{}
	_ Reporter = ConsoleReporter{}
	_ Reporter = (*BufferedReporter)(nil)
	_ Reporter = (*PrometheusReporter)(nil)
)
