package memcache_test

import (
	"context"
	"testing"
	"time"

	"github.com/nexuscore/store/memcache"
)

func TestPinProtectsFromEviction(t *testing.T) {
	m := memcache.NewManager[string](memcache.Config{MaxBytes: 1000, EvictionBatchSize: 10})
	m.RecordItem("a", 100)
	m.RecordItem("b", 100)
	m.Pin("a")

	victims := m.EvictUnpinned()
	if len(victims) != 1 || victims[0] != "b" {
		t.Fatalf("expected only b evicted, got %v", victims)
	}
	if !m.IsPinned("a") {
		t.Fatalf("expected a to remain pinned")
	}
}

func TestEvictAscendingLastAccessOrder(t *testing.T) {
	m := memcache.NewManager[string](memcache.Config{MaxBytes: 1000})
	m.RecordItem("oldest", 10)
	time.Sleep(2 * time.Millisecond)
	m.RecordItem("middle", 10)
	time.Sleep(2 * time.Millisecond)
	m.RecordItem("newest", 10)

	victims := m.Evict(2)
	if len(victims) != 2 || victims[0] != "oldest" || victims[1] != "middle" {
		t.Fatalf("expected [oldest middle] evicted in that order, got %v", victims)
	}
}

func TestRecordAccessBumpsRecency(t *testing.T) {
	m := memcache.NewManager[string](memcache.Config{MaxBytes: 1000})
	m.RecordItem("a", 10)
	time.Sleep(2 * time.Millisecond)
	m.RecordItem("b", 10)
	time.Sleep(2 * time.Millisecond)
	m.RecordAccess("a") // a is now the most recently used

	victims := m.Evict(1)
	if len(victims) != 1 || victims[0] != "b" {
		t.Fatalf("expected b evicted after a's access was bumped, got %v", victims)
	}
}

func TestPressureLevelBoundaryCrossings(t *testing.T) {
	m := memcache.NewManager[string](memcache.Config{MaxBytes: 100})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, unsub := m.PressureStream(ctx)
	defer unsub()

	levels := make(chan memcache.PressureLevel, 8)
	go func() {
		for v := range ch {
			levels <- v
		}
	}()

	must := func(want memcache.PressureLevel) {
		select {
		case got := <-levels:
			if got != want {
				t.Fatalf("expected pressure %q, got %q", want, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for pressure %q", want)
		}
	}

	must(memcache.PressureNone) // initial value on subscribe

	m.RecordItem("a", 70) // 0.70 -> light
	must(memcache.PressureLight)

	m.RecordItem("b", 15) // 0.85 -> moderate
	must(memcache.PressureModerate)

	m.RecordItem("c", 20) // 1.05 -> severe
	must(memcache.PressureSevere)
}

func TestRemoveItemUnpinsAndDropsTracking(t *testing.T) {
	m := memcache.NewManager[string](memcache.Config{MaxBytes: 1000})
	m.RecordItem("a", 10)
	m.Pin("a")
	m.RemoveItem("a")
	if m.IsPinned("a") {
		t.Fatalf("expected RemoveItem to unpin")
	}
}

func TestOnEvictNotifiesCaller(t *testing.T) {
	m := memcache.NewManager[string](memcache.Config{MaxBytes: 1000})
	var notified []string
	m.OnEvict = func(id string) { notified = append(notified, id) }
	m.RecordItem("a", 10)
	m.RecordItem("b", 10)
	m.EvictUnpinned()
	if len(notified) != 2 {
		t.Fatalf("expected OnEvict called for both evicted ids, got %v", notified)
	}
}
