package can

import (
	"testing"
	"time"

	"go.einride.tech/can"
)

func TestStoreAndSnapshot(t *testing.T) {
	b := NewBus("vcan0", time.Hour, time.Hour)
	b.store(can.Frame{ID: 0x100, Length: 2, Data: [8]byte{1, 2}})

	snap := b.Snapshot()
	cf, ok := snap[0x100]
	if !ok || cf.Length != 2 || cf.Data[0] != 1 {
		t.Fatalf("expected cached frame, got %+v", snap)
	}
}

func TestSnapshotEvictsStaleFrames(t *testing.T) {
	b := NewBus("vcan0", 10*time.Millisecond, time.Hour)
	b.store(can.Frame{ID: 0x200, Length: 1, Data: [8]byte{9}})

	time.Sleep(20 * time.Millisecond)
	snap := b.Snapshot()
	if _, ok := snap[0x200]; ok {
		t.Fatal("expected stale frame to be evicted")
	}
}

func TestEmptyForTracksLastNonEmpty(t *testing.T) {
	b := NewBus("vcan0", time.Hour, time.Hour)
	b.store(can.Frame{ID: 1, Length: 1, Data: [8]byte{1}})
	if b.emptyFor() != 0 {
		t.Fatal("expected emptyFor to be zero while cache is non-empty")
	}
}
