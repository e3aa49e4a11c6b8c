// Package lifecycle is the day lifecycle manager: the midnight-clear /
// open-rebuild state machine with timer-based retry and a trade gate.
// Cache domains are cleared in registration order and rebuilt in
// reverse.
package lifecycle

import (
	"log"
	"sync"
	"time"

	"github.com/hkwarrants/engine/internal/types"
)

// CacheDomain is one participant in midnight clear / open rebuild,
// registered in the order it should be cleared (and rebuilt in reverse).
type CacheDomain interface {
	Name() string
	MidnightClear() error
	OpenRebuild() error
}

// Runtime is the caller-supplied day/tradeability context.
type Runtime struct {
	DayKey      string
	IsTradeable bool // true when the current time is within a tradeable session
	Allowed     bool // external allow-rebuild gate (e.g. session actually open)
}

// Manager owns lifecycle state and the registered cache domains.
type Manager struct {
	mu                sync.Mutex
	state             types.LifecycleState
	currentDayKey     string
	pendingOpenRebuild bool
	targetDayKey      string
	isTradingEnabled  bool

	domains           []CacheDomain
	rebuildRetryDelay time.Duration
	lastAttempt       time.Time
}

// New returns a manager with the given registration-ordered cache domains
// and retry delay.
func New(domains []CacheDomain, rebuildRetryDelay time.Duration) *Manager {
	return &Manager{
		state:             types.LifecycleActive,
		domains:           domains,
		rebuildRetryDelay: rebuildRetryDelay,
	}
}

// State returns the current lifecycle state and gate.
func (m *Manager) State() (types.LifecycleState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.isTradingEnabled
}

// Tick advances the lifecycle machine.
func (m *Manager) Tick(now time.Time, rt Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rt.DayKey != "" && rt.DayKey != m.currentDayKey {
		m.targetDayKey = rt.DayKey
		m.state = types.LifecycleMidnightCleaning
		m.isTradingEnabled = false
		m.pendingOpenRebuild = false
		if !m.retryDueLocked(now) {
			return
		}
		if err := m.runClearLocked(); err != nil {
			log.Printf("[Lifecycle] midnight_clear failed: %v", err)
			m.lastAttempt = now
			return
		}
		m.currentDayKey = rt.DayKey
		m.state = types.LifecycleMidnightCleaned
		m.pendingOpenRebuild = true
		m.isTradingEnabled = false
		m.lastAttempt = time.Time{}
	}

	if m.pendingOpenRebuild && rt.IsTradeable && rt.Allowed {
		if !m.retryDueLocked(now) {
			return
		}
		if err := m.runRebuildLocked(); err != nil {
			log.Printf("[Lifecycle] open_rebuild failed: %v", err)
			m.state = types.LifecycleOpenRebuildFailed
			m.lastAttempt = now
			return
		}
		m.state = types.LifecycleActive
		m.pendingOpenRebuild = false
		m.isTradingEnabled = true
		m.lastAttempt = time.Time{}
	}
}

// retryDueLocked reports whether enough time has elapsed since the last
// failed attempt to retry now. Caller holds m.mu.
func (m *Manager) retryDueLocked(now time.Time) bool {
	if m.lastAttempt.IsZero() {
		return true
	}
	return now.Sub(m.lastAttempt) >= m.rebuildRetryDelay
}

// runClearLocked calls MidnightClear on every domain in registration
// order. Caller holds m.mu.
func (m *Manager) runClearLocked() error {
	for _, d := range m.domains {
		if err := d.MidnightClear(); err != nil {
			return err
		}
	}
	return nil
}

// runRebuildLocked calls OpenRebuild on every domain in reverse
// registration order (dependents built last at init come up first after
// clear, so their inputs are available when downstream domains rebuild).
// Caller holds m.mu.
func (m *Manager) runRebuildLocked() error {
	for i := len(m.domains) - 1; i >= 0; i-- {
		if err := m.domains[i].OpenRebuild(); err != nil {
			return err
		}
	}
	return nil
}
