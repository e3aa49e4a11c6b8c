package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkwarrants/engine/internal/types"
)

type recordingDomain struct {
	name         string
	calls        *[]string
	failClearN   int // fail the first N MidnightClear calls
	failRebuildN int // fail the first N OpenRebuild calls
	clearCalls   int
	rebuildCalls int
}

func (d *recordingDomain) Name() string { return d.name }

func (d *recordingDomain) MidnightClear() error {
	d.clearCalls++
	*d.calls = append(*d.calls, "clear:"+d.name)
	if d.clearCalls <= d.failClearN {
		return errors.New("boom")
	}
	return nil
}

func (d *recordingDomain) OpenRebuild() error {
	d.rebuildCalls++
	*d.calls = append(*d.calls, "rebuild:"+d.name)
	if d.rebuildCalls <= d.failRebuildN {
		return errors.New("boom")
	}
	return nil
}

// TestDayLifecycleRetry: D2's
// midnight_clear fails once; after the retry delay elapses, both domains
// are re-invoked in registration order and the clear completes
// (MIDNIGHT_CLEANED, gate still closed).
func TestDayLifecycleRetry(t *testing.T) {
	var calls []string
	d1 := &recordingDomain{name: "D1", calls: &calls}
	d2 := &recordingDomain{name: "D2", calls: &calls, failClearN: 1}

	m := New([]CacheDomain{d1, d2}, 50*time.Millisecond)

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	m.Tick(now, Runtime{DayKey: "2026-07-31", IsTradeable: false, Allowed: false})

	state, enabled := m.State()
	assert.Equal(t, types.LifecycleMidnightCleaning, state)
	assert.False(t, enabled)
	assert.Equal(t, []string{"clear:D1", "clear:D2"}, calls)

	// Retry too soon: no-op.
	m.Tick(now.Add(10*time.Millisecond), Runtime{DayKey: "2026-07-31", IsTradeable: false, Allowed: false})
	assert.Equal(t, []string{"clear:D1", "clear:D2"}, calls)

	// Retry after the delay: both domains invoked again in order, this
	// time D2 succeeds.
	calls = nil
	m.Tick(now.Add(60*time.Millisecond), Runtime{DayKey: "2026-07-31", IsTradeable: false, Allowed: false})
	assert.Equal(t, []string{"clear:D1", "clear:D2"}, calls)

	state, enabled = m.State()
	assert.Equal(t, types.LifecycleMidnightCleaned, state)
	assert.False(t, enabled)
}

func TestDayLifecycle_RebuildRunsInReverseOrderAndOpensGate(t *testing.T) {
	var calls []string
	d1 := &recordingDomain{name: "D1", calls: &calls}
	d2 := &recordingDomain{name: "D2", calls: &calls}
	m := New([]CacheDomain{d1, d2}, 50*time.Millisecond)

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	m.Tick(now, Runtime{DayKey: "2026-07-31"})
	state, _ := m.State()
	require.Equal(t, types.LifecycleMidnightCleaned, state)

	calls = nil
	m.Tick(now.Add(time.Hour), Runtime{DayKey: "2026-07-31", IsTradeable: true, Allowed: true})

	assert.Equal(t, []string{"rebuild:D2", "rebuild:D1"}, calls)
	state, enabled := m.State()
	assert.Equal(t, types.LifecycleActive, state)
	assert.True(t, enabled)
}

func TestDayLifecycle_RebuildFailureHoldsGateClosed(t *testing.T) {
	var calls []string
	d1 := &recordingDomain{name: "D1", calls: &calls, failRebuildN: 1}
	m := New([]CacheDomain{d1}, 10*time.Millisecond)

	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	m.Tick(now, Runtime{DayKey: "2026-07-31"})
	state, _ := m.State()
	require.Equal(t, types.LifecycleMidnightCleaned, state)

	m.Tick(now.Add(time.Hour), Runtime{DayKey: "2026-07-31", IsTradeable: true, Allowed: true})
	state, enabled := m.State()
	assert.Equal(t, types.LifecycleOpenRebuildFailed, state)
	assert.False(t, enabled)

	// Retry after the delay succeeds.
	m.Tick(now.Add(time.Hour+20*time.Millisecond), Runtime{DayKey: "2026-07-31", IsTradeable: true, Allowed: true})
	state, enabled = m.State()
	assert.Equal(t, types.LifecycleActive, state)
	assert.True(t, enabled)
}
