package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/risk"
	"github.com/hkwarrants/engine/internal/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDecide_EmitsImmediateSignalWhenConditionGroupMatches(t *testing.T) {
	cfg := SignalConfig{
		BuyCall: []ConditionGroup{{Conditions: []Condition{{Indicator: "rsi", Op: "lt", Threshold: dec("30")}}}},
	}
	snap := types.IndicatorSnapshot{Values: map[string]decimal.Decimal{"rsi": dec("20")}, ComputedAt: time.Now()}

	immediate, delayed := Decide("HSI", cfg, VerificationConfig{}, snap, dec("1.1"), dec("0.9"))
	require.Len(t, immediate, 1)
	assert.Empty(t, delayed)
	assert.Equal(t, types.ActionBuyCall, immediate[0].Action)
	assert.Equal(t, dec("1.1").String(), immediate[0].Price.String())
}

func TestDecide_RoutesToDelayedWhenVerificationConfigured(t *testing.T) {
	cfg := SignalConfig{
		SellCall: []ConditionGroup{{Conditions: []Condition{{Indicator: "rsi", Op: "gt", Threshold: dec("70")}}}},
	}
	verify := VerificationConfig{Sell: DelayedCheck{DelaySeconds: 30 * time.Second}}
	snap := types.IndicatorSnapshot{Values: map[string]decimal.Decimal{"rsi": dec("80")}, ComputedAt: time.Now()}

	immediate, delayed := Decide("HSI", cfg, verify, snap, dec("1.1"), dec("0.9"))
	assert.Empty(t, immediate)
	require.Len(t, delayed, 1)
	assert.Equal(t, types.ActionSellCall, delayed[0].Action)
}

func TestDecide_NoActionWhenNoGroupMatches(t *testing.T) {
	cfg := SignalConfig{
		BuyCall: []ConditionGroup{{Conditions: []Condition{{Indicator: "rsi", Op: "lt", Threshold: dec("30")}}}},
	}
	snap := types.IndicatorSnapshot{Values: map[string]decimal.Decimal{"rsi": dec("50")}}
	immediate, delayed := Decide("HSI", cfg, VerificationConfig{}, snap, dec("1.1"), dec("0.9"))
	assert.Empty(t, immediate)
	assert.Empty(t, delayed)
}

func TestDecide_MissingIndicatorFailsCondition(t *testing.T) {
	cfg := SignalConfig{
		BuyCall: []ConditionGroup{{Conditions: []Condition{{Indicator: "missing", Op: "gt", Threshold: dec("0")}}}},
	}
	snap := types.IndicatorSnapshot{Values: map[string]decimal.Decimal{}}
	immediate, _ := Decide("HSI", cfg, VerificationConfig{}, snap, dec("1"), dec("1"))
	assert.Empty(t, immediate)
}

func TestProcessSellSignals_DropsZeroQuantitySignals(t *testing.T) {
	rec := ledger.New()
	p := NewProcessor(rec, risk.New())
	sig := types.Signal{Symbol: "BULL.HK", Action: types.ActionSellCall, Price: dec("1.5")}
	out := p.ProcessSellSignals([]types.Signal{sig}, dec("0"), true, 0, time.Now(), nil)
	assert.Empty(t, out)
}

func TestProcessSellSignals_PassesThroughNonSellSignals(t *testing.T) {
	rec := ledger.New()
	p := NewProcessor(rec, risk.New())
	sig := types.Signal{Symbol: "BULL.HK", Action: types.ActionBuyCall}
	out := p.ProcessSellSignals([]types.Signal{sig}, dec("0"), true, 0, time.Now(), nil)
	require.Len(t, out, 1)
	assert.Equal(t, types.ActionBuyCall, out[0].Action)
}

func TestProcessSellSignals_ResolvesQuantityAndRelatedBuyIDs(t *testing.T) {
	rec := ledger.New()
	rec.RecordLocalBuy("BULL.HK", dec("1.0"), dec("100"), true, time.Now(), "B1")
	p := NewProcessor(rec, risk.New())
	sig := types.Signal{Symbol: "BULL.HK", Action: types.ActionSellCall, Price: dec("1.5")}

	out := p.ProcessSellSignals([]types.Signal{sig}, dec("100"), true, 0, time.Now(), nil)
	require.Len(t, out, 1)
	assert.Equal(t, dec("100").String(), out[0].Quantity.String())
	assert.Equal(t, []string{"B1"}, out[0].RelatedBuyOrderIDs)
}

func TestApplyRiskChecks_DeniesAndReportsReason(t *testing.T) {
	checker := risk.New()
	p := NewProcessor(ledger.New(), checker)
	sig := types.Signal{Symbol: "UNKNOWN.HK", Action: types.ActionBuyCall, Price: dec("1"), Quantity: dec("100")}

	allowed, denied := p.ApplyRiskChecks("HSI", []types.Signal{sig}, risk.AccountSnapshot{AvailableCash: dec("1000")}, nil, dec("21000"))
	assert.Empty(t, allowed)
	assert.Len(t, denied, 1)
}

func TestApplyRiskChecks_AllowsValidSignal(t *testing.T) {
	checker := risk.New()
	checker.SetWarrantInfoFromCallPrice("BULL.HK", dec("20000"), true)
	p := NewProcessor(ledger.New(), checker)
	sig := types.Signal{Symbol: "BULL.HK", Action: types.ActionBuyCall, Price: dec("1"), Quantity: dec("100")}

	allowed, denied := p.ApplyRiskChecks("HSI", []types.Signal{sig}, risk.AccountSnapshot{AvailableCash: dec("1000")}, nil, dec("21000"))
	assert.Len(t, allowed, 1)
	assert.Empty(t, denied)
}

func TestProcessSellSignals_PassesThroughProtectiveLiquidations(t *testing.T) {
	rec := ledger.New()
	p := NewProcessor(rec, risk.New())
	sig := types.Signal{
		Symbol: "BULL.HK", Action: types.ActionSellCall, Price: dec("1.5"),
		Quantity: dec("300"), IsProtectiveLiquidation: true, RelatedBuyOrderIDs: []string{"B1"},
	}
	out := p.ProcessSellSignals([]types.Signal{sig}, dec("0"), true, 0, time.Now(), nil)
	require.Len(t, out, 1)
	assert.Equal(t, dec("300").String(), out[0].Quantity.String())
	assert.Equal(t, []string{"B1"}, out[0].RelatedBuyOrderIDs)
}

func TestEvaluateAction_ReRunsConditionGroups(t *testing.T) {
	cfg := SignalConfig{
		BuyCall: []ConditionGroup{{Conditions: []Condition{{Indicator: "rsi", Op: "lt", Threshold: dec("30")}}}},
	}
	assert.True(t, EvaluateAction(cfg, types.ActionBuyCall, map[string]decimal.Decimal{"rsi": dec("25")}, nil))
	assert.False(t, EvaluateAction(cfg, types.ActionBuyCall, map[string]decimal.Decimal{"rsi": dec("50")}, nil))
	assert.False(t, EvaluateAction(cfg, types.ActionSellCall, map[string]decimal.Decimal{"rsi": dec("25")}, nil))
}

func TestEvaluateAction_IndicatorRestrictionHidesOtherValues(t *testing.T) {
	cfg := SignalConfig{
		BuyCall: []ConditionGroup{{Conditions: []Condition{
			{Indicator: "rsi", Op: "lt", Threshold: dec("30")},
			{Indicator: "macd", Op: "gt", Threshold: dec("0")},
		}}},
	}
	values := map[string]decimal.Decimal{"rsi": dec("25"), "macd": dec("1")}
	// Unrestricted: both conditions hold.
	assert.True(t, EvaluateAction(cfg, types.ActionBuyCall, values, nil))
	// Restricted to rsi only: the macd condition cannot be satisfied.
	assert.False(t, EvaluateAction(cfg, types.ActionBuyCall, values, []string{"rsi"}))
}
