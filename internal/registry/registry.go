// Package registry is the symbol registry: authoritative per
// (monitor, direction) seat state plus a monotonic seat_version, guarded
// by a single RWMutex.
package registry

import (
	"sync"

	"github.com/hkwarrants/engine/internal/metrics"
	"github.com/hkwarrants/engine/internal/types"
)

// Registry owns all seats. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	seats map[types.SeatKey]*types.Seat
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{seats: make(map[types.SeatKey]*types.Seat)}
}

// EnsureSeat returns the seat for (monitor, direction), creating an EMPTY
// one if absent.
func (r *Registry) EnsureSeat(monitor string, dir types.Direction) *types.Seat {
	key := types.SeatKey{Monitor: monitor, Direction: dir}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seats[key]
	if !ok {
		s = &types.Seat{Monitor: monitor, Direction: dir, Status: types.SeatEmpty}
		r.seats[key] = s
	}
	return s
}

// GetSeatState returns a copy of the seat's current state.
func (r *Registry) GetSeatState(monitor string, dir types.Direction) (types.Seat, bool) {
	key := types.SeatKey{Monitor: monitor, Direction: dir}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.seats[key]
	if !ok {
		return types.Seat{}, false
	}
	return *s, true
}

// GetSeatVersion returns the current seat_version for (monitor, direction).
func (r *Registry) GetSeatVersion(monitor string, dir types.Direction) uint64 {
	key := types.SeatKey{Monitor: monitor, Direction: dir}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.seats[key]; ok {
		return s.Version
	}
	return 0
}

// UpdateSeatState applies mutate to the seat under lock and bumps the
// seat_version iff the bound symbol changed as a result.
//
// A status transition from READY to SEARCHING with the bound symbol
// unchanged does NOT bump the version. Callers holding a seat_version
// snapshot across a SEARCHING window may therefore observe a stale
// symbol value; task authors reacting to SEARCHING must account for it.
func (r *Registry) UpdateSeatState(monitor string, dir types.Direction, mutate func(*types.Seat)) types.Seat {
	key := types.SeatKey{Monitor: monitor, Direction: dir}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seats[key]
	if !ok {
		s = &types.Seat{Monitor: monitor, Direction: dir, Status: types.SeatEmpty}
		r.seats[key] = s
	}
	before := s.Symbol
	mutate(s)
	if s.Symbol != before {
		s.Version++
		metrics.SeatVersionBumps.WithLabelValues(monitor, string(dir)).Inc()
	}
	return *s
}

// BumpSeatVersion forces a version bump without mutating other fields,
// for callers that need to invalidate in-flight snapshots explicitly.
func (r *Registry) BumpSeatVersion(monitor string, dir types.Direction) uint64 {
	key := types.SeatKey{Monitor: monitor, Direction: dir}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.seats[key]
	if !ok {
		s = &types.Seat{Monitor: monitor, Direction: dir, Status: types.SeatEmpty}
		r.seats[key] = s
	}
	s.Version++
	metrics.SeatVersionBumps.WithLabelValues(monitor, string(dir)).Inc()
	return s.Version
}

// ResolveSeatBySymbol is a linear scan used by push reconciliation to map
// a broker symbol back to its owning seat key.
func (r *Registry) ResolveSeatBySymbol(symbol string) (types.SeatKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, s := range r.seats {
		if s.Symbol == symbol {
			return key, true
		}
	}
	return types.SeatKey{}, false
}

// All returns a snapshot copy of every seat, for cache-rebuild passes.
func (r *Registry) All() []types.Seat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Seat, 0, len(r.seats))
	for _, s := range r.seats {
		out = append(out, *s)
	}
	return out
}
