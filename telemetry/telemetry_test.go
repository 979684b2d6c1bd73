package telemetry_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nexuscore/store/telemetry"
)

type recordingReporter struct {
	mu         sync.Mutex
	operations []telemetry.Event
	hits       int
	misses     int
	errs       int
	flushed    int
	disposed   bool
}

func (r *recordingReporter) ReportOperation(e telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations = append(r.operations, e)
}
func (r *recordingReporter) ReportCacheHit(telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits++
}
func (r *recordingReporter) ReportCacheMiss(telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses++
}
func (r *recordingReporter) ReportError(telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs++
}
func (r *recordingReporter) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushed++
}
func (r *recordingReporter) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.operations)
}

func TestTrackOperationRecordsStatsUnconditionally(t *testing.T) {
	rep := &recordingReporter{}
	p := telemetry.NewPipeline(telemetry.Config{SampleRate: 0, TrackTiming: true}, rep)

	err := p.TrackOperation("get", func() error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	stats := p.Stats().Snapshot()
	if stats.OpCount["get"] != 1 {
		t.Fatalf("expected aggregated stats to count the op even at sample_rate=0, got %+v", stats)
	}
	if rep.count() != 0 {
		t.Fatalf("expected zero emissions at sample_rate=0, got %d", rep.count())
	}
}

func TestTrackOperationEmitsAtFullSampleRate(t *testing.T) {
	rep := &recordingReporter{}
	p := telemetry.NewPipeline(telemetry.Config{SampleRate: 1, TrackTiming: true}, rep)

	for i := 0; i < 5; i++ {
		p.TrackOperation("save", func() error { return nil })
	}
	if rep.count() != 5 {
		t.Fatalf("expected every op emitted at sample_rate=1, got %d", rep.count())
	}
}

func TestTrackOperationFractionalSampleRate(t *testing.T) {
	const n = 1000
	rep := &recordingReporter{}
	p := telemetry.NewPipeline(telemetry.Config{SampleRate: 0.5}, rep)

	for i := 0; i < n; i++ {
		p.TrackOperation("get", func() error { return nil })
	}
	stats := p.Stats().Snapshot()
	if stats.OpCount["get"] != n {
		t.Fatalf("expected all %d ops counted regardless of sampling, got %d", n, stats.OpCount["get"])
	}
	// Loose bounds: 1000 draws at p=0.5 land outside [300, 700] with
	// negligible probability, while catching both an always-emit and a
	// never-emit regression.
	if c := rep.count(); c < 300 || c > 700 {
		t.Fatalf("expected roughly half of %d ops emitted at sample_rate=0.5, got %d", n, c)
	}
}

func TestPipelinesSampleIndependently(t *testing.T) {
	const n = 256
	repA, repB := &recordingReporter{}, &recordingReporter{}
	a := telemetry.NewPipeline(telemetry.Config{SampleRate: 0.5}, repA)
	b := telemetry.NewPipeline(telemetry.Config{SampleRate: 0.5}, repB)

	seqA := make([]bool, n)
	seqB := make([]bool, n)
	for i := 0; i < n; i++ {
		before := repA.count()
		a.TrackOperation("get", func() error { return nil })
		seqA[i] = repA.count() > before

		before = repB.count()
		b.TrackOperation("get", func() error { return nil })
		seqB[i] = repB.count() > before
	}
	for i := range seqA {
		if seqA[i] != seqB[i] {
			return
		}
	}
	t.Fatalf("two pipelines produced identical %d-draw sample sequences; their RNGs are not independent", n)
}

func TestTrackOperationZeroDurationWhenTimingDisabled(t *testing.T) {
	rep := &recordingReporter{}
	p := telemetry.NewPipeline(telemetry.Config{SampleRate: 1, TrackTiming: false}, rep)

	p.TrackOperation("slow", func() error {
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.operations) != 1 || rep.operations[0].Duration != 0 {
		t.Fatalf("expected zero duration when track_timing is false, got %+v", rep.operations)
	}
}

func TestTrackOperationReportsErrorOnFailure(t *testing.T) {
	rep := &recordingReporter{}
	p := telemetry.NewPipeline(telemetry.Config{SampleRate: 1}, rep)

	wantErr := errors.New("boom")
	err := p.TrackOperation("delete", func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected TrackOperation to return the work's error")
	}
	stats := p.Stats().Snapshot()
	if stats.OpFailures["delete"] != 1 {
		t.Fatalf("expected failure counted, got %+v", stats)
	}
	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.errs != 1 {
		t.Fatalf("expected one error event reported, got %d", rep.errs)
	}
}

func TestResetClearsAggregatedStats(t *testing.T) {
	rep := &recordingReporter{}
	p := telemetry.NewPipeline(telemetry.Config{SampleRate: 1}, rep)
	p.TrackOperation("get", func() error { return nil })
	p.Stats().Reset()
	stats := p.Stats().Snapshot()
	if len(stats.OpCount) != 0 {
		t.Fatalf("expected reset to clear op counts, got %+v", stats)
	}
}

func TestBufferedReporterFlushesOnCapacity(t *testing.T) {
	rep := &recordingReporter{}
	buf := telemetry.NewBuffered(rep, 3, 0)

	for i := 0; i < 3; i++ {
		buf.ReportOperation(telemetry.Event{Name: "op"})
	}
	if rep.count() != 3 {
		t.Fatalf("expected buffer-full to trigger an automatic flush, got %d delegate calls", rep.count())
	}
	rep.mu.Lock()
	flushed := rep.flushed
	rep.mu.Unlock()
	if flushed != 1 {
		t.Fatalf("expected the delegate's own flush called exactly once, got %d", flushed)
	}
}

func TestBufferedReporterFlushesOnInterval(t *testing.T) {
	rep := &recordingReporter{}
	buf := telemetry.NewBuffered(rep, 100, 10*time.Millisecond)
	defer buf.Dispose()

	buf.ReportOperation(telemetry.Event{Name: "op"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rep.count() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected flush_interval to eventually flush the buffered event")
}

func TestBufferedReporterDisposeFlushesAndTearsDownDelegate(t *testing.T) {
	rep := &recordingReporter{}
	buf := telemetry.NewBuffered(rep, 100, 0)
	buf.ReportOperation(telemetry.Event{Name: "op"})
	buf.Dispose()

	if rep.count() != 1 {
		t.Fatalf("expected dispose to flush pending events")
	}
	rep.mu.Lock()
	disposed := rep.disposed
	rep.mu.Unlock()
	if !disposed {
		t.Fatalf("expected dispose to tear down the delegate")
	}
}

func TestNoopReporterDiscardsEverything(t *testing.T) {
	var n telemetry.NoopReporter
	n.ReportOperation(telemetry.Event{})
	n.ReportCacheHit(telemetry.Event{})
	n.ReportCacheMiss(telemetry.Event{})
	n.ReportError(telemetry.Event{})
	n.Flush()
	n.Dispose()
}
