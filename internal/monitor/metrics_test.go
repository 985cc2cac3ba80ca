package monitor

import (
	"testing"
	"time"

	"autotrader/internal/events"
)

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry(nil)

	for i := 0; i < 3; i++ {
		r.Record(events.Event{Type: events.OrderSubmitted, AccountID: "a1"})
	}
	r.Record(events.Event{Type: events.OrderFilled, AccountID: "a1"})
	r.Record(events.Event{Type: events.OrderRejected, AccountID: "a1"})
	r.Record(events.Event{Type: events.PositionZombie, AccountID: "a2"})
	r.Record(events.Event{Type: events.OrderFilled}) // no account: dropped

	c := r.Counters("a1")
	if c.OrdersSubmitted != 3 || c.OrdersFilled != 1 || c.OrdersRejected != 1 {
		t.Fatalf("a1 counters = %+v", c)
	}
	if z := r.Counters("a2"); z.ZombiesMarked != 1 {
		t.Fatalf("a2 counters = %+v", z)
	}
	if unknown := r.Counters("nope"); unknown != (AccountCounters{}) {
		t.Fatalf("unknown account counters = %+v", unknown)
	}
	if len(r.All()) != 2 {
		t.Fatalf("All() = %d accounts, want 2", len(r.All()))
	}
}

func TestRegistryConsumesBus(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	r := NewRegistry(bus)
	defer r.Close()

	bus.Publish(events.Event{Type: events.WorkerDegraded, AccountID: "a1"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.Counters("a1").Degradations == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bus event never counted")
}

func TestLatencyHistogramPercentiles(t *testing.T) {
	h := NewLatencyHistogram()
	for i := 1; i <= 100; i++ {
		h.Observe(float64(i))
	}

	p50, p95, p99 := h.Percentiles()
	if p50 < 45 || p50 > 55 {
		t.Fatalf("p50 = %v", p50)
	}
	if p95 < 90 || p95 > 100 {
		t.Fatalf("p95 = %v", p95)
	}
	if p99 < 95 || p99 > 100 {
		t.Fatalf("p99 = %v", p99)
	}

	empty := NewLatencyHistogram()
	if a, b, c := empty.Percentiles(); a != 0 || b != 0 || c != 0 {
		t.Fatal("empty histogram must report zeros")
	}
}
