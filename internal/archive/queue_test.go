package archive

import (
	"sync"
	"testing"
)

func row(seq uint64) Row {
	return Row{InstanceID: "test", Sequence: seq, Symbol: "AAPL", Price: 100, Quantity: 100}
}

func TestQueue_PushDrain(t *testing.T) {
	q := NewQueue(10)

	for seq := uint64(1); seq <= 5; seq++ {
		if !q.Push(row(seq)) {
			t.Fatalf("Push(%d) returned false", seq)
		}
	}

	rows := q.Drain(0)
	if len(rows) != 5 {
		t.Fatalf("drained %d rows, want 5", len(rows))
	}
	for i, r := range rows {
		if r.Sequence != uint64(i+1) {
			t.Errorf("row %d sequence = %d, want %d", i, r.Sequence, i+1)
		}
	}
}

func TestQueue_DropsOldestWhenFull(t *testing.T) {
	q := NewQueue(3)

	for seq := uint64(1); seq <= 5; seq++ {
		q.Push(row(seq))
	}

	rows := q.TryDrain(0)
	if len(rows) != 3 {
		t.Fatalf("drained %d rows, want 3", len(rows))
	}
	want := []uint64{3, 4, 5}
	for i, r := range rows {
		if r.Sequence != want[i] {
			t.Errorf("row %d sequence = %d, want %d", i, r.Sequence, want[i])
		}
	}

	stats := q.Stats()
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
	if stats.Enqueued != 5 {
		t.Errorf("Enqueued = %d, want 5", stats.Enqueued)
	}
}

func TestQueue_DrainMax(t *testing.T) {
	q := NewQueue(10)
	for seq := uint64(1); seq <= 8; seq++ {
		q.Push(row(seq))
	}

	rows := q.Drain(3)
	if len(rows) != 3 {
		t.Fatalf("drained %d rows, want 3", len(rows))
	}
	if rows[0].Sequence != 1 || rows[2].Sequence != 3 {
		t.Errorf("drained %v, want sequences 1..3", rows)
	}
	if q.Stats().Count != 5 {
		t.Errorf("Count = %d, want 5", q.Stats().Count)
	}
}

func TestQueue_CloseWakesBlockedDrain(t *testing.T) {
	q := NewQueue(10)

	var wg sync.WaitGroup
	wg.Add(1)
	var rows []Row
	go func() {
		defer wg.Done()
		rows = q.Drain(0) // blocks until close
	}()

	q.Close()
	wg.Wait()

	if rows != nil {
		t.Errorf("Drain after close = %v, want nil", rows)
	}
	if q.Push(row(1)) {
		t.Error("Push after Close returned true")
	}
}

func TestQueue_TryDrainEmpty(t *testing.T) {
	q := NewQueue(4)
	if rows := q.TryDrain(0); rows != nil {
		t.Errorf("TryDrain on empty queue = %v, want nil", rows)
	}
}
