package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTradeGate_StartsWithBothFlagsFalse(t *testing.T) {
	g := NewTradeGate()
	assert.False(t, g.IsTradingEnabled())
	assert.False(t, g.IsExecutionAllowed())
}

func TestTradeGate_FlagsAreIndependentlySettable(t *testing.T) {
	g := NewTradeGate()
	g.SetTradingEnabled(true)
	assert.True(t, g.IsTradingEnabled())
	assert.False(t, g.IsExecutionAllowed())

	g.SetExecutionAllowed(true)
	assert.True(t, g.IsExecutionAllowed())

	g.SetTradingEnabled(false)
	assert.False(t, g.IsTradingEnabled())
	assert.True(t, g.IsExecutionAllowed())
}
