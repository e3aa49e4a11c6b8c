// Package verifier is the delayed signal verifier: an expiry-ordered
// heap keyed by (symbol, direction) that re-checks a signal after a
// delay and promotes or drops it. Cancellation sets tombstones rather
// than removing heap entries.
package verifier

import (
	"container/heap"
	"sync"
	"time"

	"github.com/hkwarrants/engine/internal/types"
)

// VerifyFunc re-runs a signal's verification expression against the
// current indicator snapshot, returning true if the signal should be
// promoted to immediate.
type VerifyFunc func(signal types.Signal) bool

type scheduled struct {
	key      types.SeatKey
	expireAt time.Time
	signal   types.Signal
	verify   VerifyFunc
	seq      uint64
	tomb     bool
}

// timerHeap orders scheduled entries by expireAt.
type timerHeap []*scheduled

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*scheduled)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Verifier holds all scheduled delayed-signal re-checks.
type Verifier struct {
	mu   sync.Mutex
	h    timerHeap
	seq  uint64
}

// New returns an empty verifier.
func New() *Verifier {
	v := &Verifier{}
	heap.Init(&v.h)
	return v
}

// Schedule registers a re-check to run after delay, keyed by
// (symbol, direction) for cancellation purposes.
func (v *Verifier) Schedule(symbol string, dir types.Direction, signal types.Signal, delay time.Duration, verify VerifyFunc) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	heap.Push(&v.h, &scheduled{
		key: types.SeatKey{Monitor: symbol, Direction: dir}, expireAt: time.Now().Add(delay),
		signal: signal, verify: verify, seq: v.seq,
	})
}

// CancelBySymbol tombstones every scheduled entry for a symbol across
// both directions.
func (v *Verifier) CancelBySymbol(symbol string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range v.h {
		if e.key.Monitor == symbol {
			e.tomb = true
		}
	}
}

// CancelByDirection tombstones every scheduled entry for a direction
// across all symbols.
func (v *Verifier) CancelByDirection(dir types.Direction) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range v.h {
		if e.key.Direction == dir {
			e.tomb = true
		}
	}
}

// CancelAll tombstones every scheduled entry (used on session exit).
func (v *Verifier) CancelAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range v.h {
		e.tomb = true
	}
}

// Tick pops every expired, non-tombstoned entry, runs its VerifyFunc, and
// returns the signals that were promoted. At-most-once promotion is
// guaranteed because each heap entry is popped exactly once.
func (v *Verifier) Tick(now time.Time) []types.Signal {
	v.mu.Lock()
	defer v.mu.Unlock()
	var promoted []types.Signal
	for v.h.Len() > 0 && v.h[0].expireAt.Before(now.Add(time.Nanosecond)) {
		e := heap.Pop(&v.h).(*scheduled)
		if e.tomb {
			continue
		}
		if e.verify(e.signal) {
			promoted = append(promoted, e.signal)
		}
	}
	return promoted
}

// Len reports the number of still-scheduled (including tombstoned)
// entries, used to populate MonitorState.PendingDelayedSignals.
func (v *Verifier) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.h.Len()
}
