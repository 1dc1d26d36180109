package checkpoint

import (
	"testing"
	"time"
)

func TestQueueDirtyAssignsMonotonicSeqnos(t *testing.T) {
	m := New(0, 0, 0)

	var last uint64
	for i := 0; i < 100; i++ {
		seqno := m.QueueDirty([]byte("key"), false, false)
		if seqno <= last {
			t.Fatalf("seqno %d not strictly greater than %d", seqno, last)
		}
		last = seqno
	}
	if hs := m.HighSeqno(); hs != last {
		t.Errorf("HighSeqno %d, expected %d", hs, last)
	}
}

func TestRotationOnItemCap(t *testing.T) {
	m := New(0, 10, 0)

	openID := m.GetOpenCheckpointId()
	for i := 0; i < 25; i++ {
		m.QueueDirty([]byte("k"), false, false)
	}
	if got := m.GetOpenCheckpointId(); got == openID {
		t.Error("expected the open checkpoint to rotate past the item cap")
	}
	if n := len(m.Checkpoints()); n != 3 {
		t.Errorf("expected 3 checkpoints for 25 items at cap 10, got %d", n)
	}
}

func TestRotationOnAge(t *testing.T) {
	m := New(0, 0, time.Nanosecond)
	m.QueueDirty([]byte("a"), false, false)
	time.Sleep(time.Millisecond)
	m.QueueDirty([]byte("b"), false, false)
	if n := len(m.Checkpoints()); n < 2 {
		t.Errorf("expected an age rotation, got %d checkpoints", n)
	}
}

func TestRemoveClosedUnrefCheckpoints(t *testing.T) {
	m := New(0, 0, 0)
	m.QueueDirty([]byte("a"), false, false)
	firstID := m.GetOpenCheckpointId()
	m.CreateNewCheckpoint()

	// A referenced closed checkpoint survives reclamation.
	m.AddCursorRef(firstID)
	if removed, _ := m.RemoveClosedUnrefCheckpoints(); removed != 0 {
		t.Errorf("expected 0 removed while referenced, got %d", removed)
	}

	m.ReleaseCursorRef(firstID)
	removed, createdNew := m.RemoveClosedUnrefCheckpoints()
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if createdNew {
		t.Error("reclamation must not create checkpoints")
	}
	// The open checkpoint always survives.
	if n := len(m.Checkpoints()); n != 1 {
		t.Errorf("expected only the open checkpoint, got %d", n)
	}
}

func TestCursorRefUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on cursor ref underflow")
		}
	}()
	m := New(0, 0, 0)
	m.ReleaseCursorRef(m.GetOpenCheckpointId())
}

func TestSeqnosSpanRotation(t *testing.T) {
	// Seqnos stay strictly monotonic across checkpoint boundaries.
	m := New(0, 3, 0)
	var last uint64
	for i := 0; i < 20; i++ {
		seqno := m.QueueDirty([]byte("k"), i%2 == 0, false)
		if seqno != last+1 {
			t.Fatalf("expected seqno %d, got %d", last+1, seqno)
		}
		last = seqno
	}
}
