package verifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hkwarrants/engine/internal/types"
)

func TestVerifier_PromotesAfterDelay(t *testing.T) {
	v := New()
	sig := types.Signal{Symbol: "BULL.HK", Action: types.ActionBuyCall}
	v.Schedule("BULL.HK", types.Long, sig, 10*time.Millisecond, func(types.Signal) bool { return true })

	assert.Empty(t, v.Tick(time.Now()))
	promoted := v.Tick(time.Now().Add(20 * time.Millisecond))
	assert.Len(t, promoted, 1)
	assert.Equal(t, "BULL.HK", promoted[0].Symbol)
}

func TestVerifier_DropsWhenVerifyFails(t *testing.T) {
	v := New()
	sig := types.Signal{Symbol: "BULL.HK"}
	v.Schedule("BULL.HK", types.Long, sig, time.Millisecond, func(types.Signal) bool { return false })
	assert.Empty(t, v.Tick(time.Now().Add(10*time.Millisecond)))
}

func TestVerifier_AtMostOncePromotion(t *testing.T) {
	v := New()
	sig := types.Signal{Symbol: "BULL.HK"}
	v.Schedule("BULL.HK", types.Long, sig, time.Millisecond, func(types.Signal) bool { return true })

	now := time.Now().Add(10 * time.Millisecond)
	first := v.Tick(now)
	second := v.Tick(now)
	assert.Len(t, first, 1)
	assert.Empty(t, second)
}

func TestVerifier_CancelBySymbolTombstones(t *testing.T) {
	v := New()
	v.Schedule("BULL.HK", types.Long, types.Signal{Symbol: "BULL.HK"}, time.Millisecond, func(types.Signal) bool { return true })
	v.Schedule("BEAR.HK", types.Short, types.Signal{Symbol: "BEAR.HK"}, time.Millisecond, func(types.Signal) bool { return true })

	v.CancelBySymbol("BULL.HK")
	promoted := v.Tick(time.Now().Add(10 * time.Millisecond))
	assert.Len(t, promoted, 1)
	assert.Equal(t, "BEAR.HK", promoted[0].Symbol)
}

func TestVerifier_CancelByDirectionTombstones(t *testing.T) {
	v := New()
	v.Schedule("BULL.HK", types.Long, types.Signal{Symbol: "BULL.HK"}, time.Millisecond, func(types.Signal) bool { return true })
	v.Schedule("BEAR.HK", types.Short, types.Signal{Symbol: "BEAR.HK"}, time.Millisecond, func(types.Signal) bool { return true })

	v.CancelByDirection(types.Long)
	promoted := v.Tick(time.Now().Add(10 * time.Millisecond))
	assert.Len(t, promoted, 1)
	assert.Equal(t, "BEAR.HK", promoted[0].Symbol)
}

func TestVerifier_CancelAll(t *testing.T) {
	v := New()
	v.Schedule("BULL.HK", types.Long, types.Signal{Symbol: "BULL.HK"}, time.Millisecond, func(types.Signal) bool { return true })
	v.Schedule("BEAR.HK", types.Short, types.Signal{Symbol: "BEAR.HK"}, time.Millisecond, func(types.Signal) bool { return true })
	v.CancelAll()
	assert.Empty(t, v.Tick(time.Now().Add(10*time.Millisecond)))
}

func TestVerifier_Len(t *testing.T) {
	v := New()
	assert.Equal(t, 0, v.Len())
	v.Schedule("BULL.HK", types.Long, types.Signal{}, time.Hour, func(types.Signal) bool { return true })
	assert.Equal(t, 1, v.Len())
}
