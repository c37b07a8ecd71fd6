package proctoring

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func event(kind model.ProctoringKind) model.ProctoringEvent {
	return model.ProctoringEvent{ID: uuid.New(), Kind: kind, OccurredAt: time.Now()}
}

func TestChannelPreservesArrivalOrder(t *testing.T) {
	ch := NewChannel()
	var pushed []uuid.UUID
	for i := 0; i < 100; i++ {
		ev := event(model.ProctoringKindTabSwitch)
		pushed = append(pushed, ev.ID)
		if !ch.Push(ev) {
			t.Fatalf("push %d rejected", i)
		}
	}

	select {
	case <-ch.Ready():
	default:
		t.Fatalf("expected ready signal after push")
	}

	got := ch.Drain()
	if len(got) != len(pushed) {
		t.Fatalf("drained %d events, want %d", len(got), len(pushed))
	}
	for i := range got {
		if got[i].ID != pushed[i] {
			t.Fatalf("event %d out of order", i)
		}
	}
	if ch.Drain() != nil {
		t.Fatalf("expected empty drain")
	}
}

func TestChannelConcurrentProducersNeverBlock(t *testing.T) {
	ch := NewChannel()
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				ch.Push(event(model.ProctoringKindDeviceLost))
			}
		}()
	}
	wg.Wait()

	if n := ch.Len(); n != 400 {
		t.Fatalf("len = %d, want 400", n)
	}
}

func TestChannelCloseRejectsPushButKeepsQueue(t *testing.T) {
	ch := NewChannel()
	ch.Push(event(model.ProctoringKindTabSwitch))
	ch.Close()

	if ch.Push(event(model.ProctoringKindTabSwitch)) {
		t.Fatalf("push after close accepted")
	}
	if got := ch.Drain(); len(got) != 1 {
		t.Fatalf("drained %d events, want 1", len(got))
	}
}

func TestEscalatorFiresAtThresholdMultiples(t *testing.T) {
	esc := NewEscalator(3)
	var fired []int
	for i := 1; i <= 7; i++ {
		n, escalate := esc.Observe(event(model.ProctoringKindTabSwitch))
		if n != i {
			t.Fatalf("count = %d, want %d", n, i)
		}
		if escalate {
			fired = append(fired, n)
		}
	}
	if len(fired) != 2 || fired[0] != 3 || fired[1] != 6 {
		t.Fatalf("escalated at %v, want [3 6]", fired)
	}

	for i := 0; i < 6; i++ {
		if _, escalate := esc.Observe(event(model.ProctoringKindDeviceLost)); escalate {
			t.Fatalf("device loss must not escalate")
		}
	}
	if esc.Count(model.ProctoringKindDeviceLost) != 6 {
		t.Fatalf("device lost count = %d", esc.Count(model.ProctoringKindDeviceLost))
	}
}

func TestEscalatorDisabled(t *testing.T) {
	esc := NewEscalator(0)
	for i := 0; i < 10; i++ {
		if _, escalate := esc.Observe(event(model.ProctoringKindTabSwitch)); escalate {
			t.Fatalf("disabled escalator fired")
		}
	}
}
