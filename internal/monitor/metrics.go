// Package monitor aggregates engine activity for the status surface: event
// counters per account and latency percentiles for the control API.
package monitor

import (
	"sort"
	"sync"

	"autotrader/internal/events"
)

// AccountCounters is a snapshot of one account's counted activity.
type AccountCounters struct {
	OrdersSubmitted uint64 `json:"orders_submitted"`
	OrdersFilled    uint64 `json:"orders_filled"`
	OrdersRejected  uint64 `json:"orders_rejected"`
	PositionsOpened uint64 `json:"positions_opened"`
	PositionsClosed uint64 `json:"positions_closed"`
	ZombiesMarked   uint64 `json:"zombies_marked"`
	CircuitOpens    uint64 `json:"circuit_opens"`
	Degradations    uint64 `json:"degradations"`
}

// Registry counts engine events per account. It consumes the event bus on
// its own goroutine.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*AccountCounters
	unsub    func()
}

// NewRegistry creates a registry and, when bus is non-nil, starts
// consuming it.
func NewRegistry(bus *events.Bus) *Registry {
	r := &Registry{accounts: make(map[string]*AccountCounters)}
	if bus != nil {
		ch, unsub := bus.Subscribe()
		r.unsub = unsub
		go func() {
			for ev := range ch {
				r.Record(ev)
			}
		}()
	}
	return r
}

// Record counts one event.
func (r *Registry) Record(ev events.Event) {
	if ev.AccountID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.accounts[ev.AccountID]
	if !ok {
		c = &AccountCounters{}
		r.accounts[ev.AccountID] = c
	}
	switch ev.Type {
	case events.OrderSubmitted:
		c.OrdersSubmitted++
	case events.OrderFilled:
		c.OrdersFilled++
	case events.OrderRejected:
		c.OrdersRejected++
	case events.PositionOpened:
		c.PositionsOpened++
	case events.PositionClosed:
		c.PositionsClosed++
	case events.PositionZombie:
		c.ZombiesMarked++
	case events.CircuitOpened:
		c.CircuitOpens++
	case events.WorkerDegraded:
		c.Degradations++
	}
}

// Counters returns a copy of one account's counters.
func (r *Registry) Counters(accountID string) AccountCounters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.accounts[accountID]; ok {
		return *c
	}
	return AccountCounters{}
}

// All returns a copy of every account's counters.
func (r *Registry) All() map[string]AccountCounters {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]AccountCounters, len(r.accounts))
	for id, c := range r.accounts {
		out[id] = *c
	}
	return out
}

// Close stops consuming the bus.
func (r *Registry) Close() {
	if r.unsub != nil {
		r.unsub()
	}
}

// LatencyHistogram keeps a bounded sample window and computes percentiles
// lazily on read.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64 // milliseconds
	next    int
	full    bool
}

const histogramWindow = 1024

// NewLatencyHistogram creates an empty histogram.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{samples: make([]float64, histogramWindow)}
}

// Observe records one latency sample in milliseconds.
func (h *LatencyHistogram) Observe(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.next] = ms
	h.next++
	if h.next == len(h.samples) {
		h.next = 0
		h.full = true
	}
}

// Percentiles returns p50, p95 and p99 over the current window.
func (h *LatencyHistogram) Percentiles() (p50, p95, p99 float64) {
	h.mu.Lock()
	n := h.next
	if h.full {
		n = len(h.samples)
	}
	window := make([]float64, n)
	copy(window, h.samples[:n])
	h.mu.Unlock()

	if n == 0 {
		return 0, 0, 0
	}
	sort.Float64s(window)
	at := func(q float64) float64 {
		i := int(q * float64(n-1))
		return window[i]
	}
	return at(0.50), at(0.95), at(0.99)
}
