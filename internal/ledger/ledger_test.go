package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hkwarrants/engine/internal/types"
)

// allTradingCalendar treats every instant as trading time, so elapsed
// minutes is a plain wall-clock difference — enough to drive the stage-2
// smart-close timeout deterministically in tests.
type allTradingCalendar struct{}

func (allTradingCalendar) ElapsedTradingMinutes(from, to time.Time) float64 {
	return to.Sub(from).Minutes()
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestSmartClosePartial: two buys, profitable-only selection caps at the
// older, cheaper lot.
func TestSmartClosePartial(t *testing.T) {
	r := New()
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	r.RecordLocalBuy("W1.HK", dec("1.0"), dec("100"), true, base.Add(-time.Second), "B1")
	r.RecordLocalBuy("W1.HK", dec("1.2"), dec("200"), true, base, "B2")

	res := r.SelectSellableOrders(SelectSellableOrdersRequest{
		Symbol: "W1.HK", Direction: types.Long, CurrentPrice: dec("1.05"),
		MaxSellQuantity: dec("300"), SmartCloseEnabled: true, Now: base, Calendar: allTradingCalendar{},
	})

	assert.Equal(t, dec("100").String(), res.Quantity.String())
	assert.Equal(t, []string{"B1"}, res.RelatedBuyOrderIDs)
}

// TestSmartCloseStage2Timeout: a stale occupied lot is excluded; the two unoccupied lots qualify once the
// timeout elapses, one via profitability and one via the time fallback.
func TestSmartCloseStage2Timeout(t *testing.T) {
	r := New()
	d1 := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	r.RecordLocalBuy("W2.HK", dec("0.9"), dec("100"), true, d1, "B1")
	r.RecordLocalBuy("W2.HK", dec("1.2"), dec("100"), true, d1.Add(time.Minute), "B2")
	r.RecordLocalBuy("W2.HK", dec("1.3"), dec("100"), true, d1.Add(2*time.Minute), "B3")

	require.NoError(t, r.SubmitSellOrder("PS1", "W2.HK", types.Long, dec("100"), []string{"B3"}, d1.Add(2*time.Minute)))

	now := d1.Add(90 * time.Minute) // > 60m elapsed since B1/B2
	res := r.SelectSellableOrders(SelectSellableOrdersRequest{
		Symbol: "W2.HK", Direction: types.Long, CurrentPrice: dec("1.05"),
		MaxSellQuantity: dec("1000"), SmartCloseEnabled: true,
		SmartCloseTimeoutMinutes: 60, Now: now, Calendar: allTradingCalendar{},
	})

	assert.Equal(t, dec("200").String(), res.Quantity.String())
	assert.Equal(t, []string{"B1", "B2"}, res.RelatedBuyOrderIDs)
}

func TestSelectSellableOrders_FIFOOrdering(t *testing.T) {
	r := New()
	base := time.Date(2026, 7, 30, 9, 30, 0, 0, time.UTC)
	r.RecordLocalBuy("W3.HK", dec("1.0"), dec("50"), true, base.Add(3*time.Minute), "LATE")
	r.RecordLocalBuy("W3.HK", dec("1.0"), dec("50"), true, base, "EARLY")
	r.RecordLocalBuy("W3.HK", dec("1.0"), dec("50"), true, base.Add(time.Minute), "MID")

	res := r.SelectSellableOrders(SelectSellableOrdersRequest{
		Symbol: "W3.HK", Direction: types.Long, CurrentPrice: dec("1.5"),
		MaxSellQuantity: dec("150"), SmartCloseEnabled: false, Now: base,
	})
	require.Len(t, res.RelatedBuyOrderIDs, 3)
	assert.Equal(t, []string{"EARLY", "MID", "LATE"}, res.RelatedBuyOrderIDs)
}

func TestSubmitSellOrder_RejectsDoubleOccupancy(t *testing.T) {
	r := New()
	r.RecordLocalBuy("W4.HK", dec("1.0"), dec("100"), true, time.Now(), "B1")
	require.NoError(t, r.SubmitSellOrder("PS1", "W4.HK", types.Long, dec("100"), []string{"B1"}, time.Now()))
	err := r.SubmitSellOrder("PS2", "W4.HK", types.Long, dec("100"), []string{"B1"}, time.Now())
	assert.Error(t, err)
}

func TestMarkSellCancelled_ReleasesOccupancyAndReturnsOwnedIDs(t *testing.T) {
	r := New()
	r.RecordLocalBuy("W5.HK", dec("1.0"), dec("100"), true, time.Now(), "B1")
	require.NoError(t, r.SubmitSellOrder("PS1", "W5.HK", types.Long, dec("100"), []string{"B1"}, time.Now()))

	ids := r.MarkSellCancelled("W5.HK", types.Long, "PS1")
	assert.Equal(t, []string{"B1"}, ids)

	// Occupancy released: the lot can now be reallocated.
	res := r.SelectSellableOrders(SelectSellableOrdersRequest{
		Symbol: "W5.HK", Direction: types.Long, CurrentPrice: dec("1.5"), MaxSellQuantity: dec("100"),
	})
	assert.Equal(t, []string{"B1"}, res.RelatedBuyOrderIDs)
}

func TestMarkSellFilled_ReleasesOccupancyPermanently(t *testing.T) {
	r := New()
	r.RecordLocalBuy("W6.HK", dec("1.0"), dec("100"), true, time.Now(), "B1")
	require.NoError(t, r.SubmitSellOrder("PS1", "W6.HK", types.Long, dec("100"), []string{"B1"}, time.Now()))
	r.MarkSellFilled("W6.HK", types.Long, "PS1")
	r.RecordLocalSell("W6.HK", dec("1.1"), dec("100"), true, time.Now(), "PS1")

	assert.Equal(t, dec("0").String(), r.LedgerQuantity("W6.HK", true).String())
	assert.Empty(t, r.GetPendingSellSnapshot())
}

func TestRecordLocalSell_NoOwnerDeductsFIFO(t *testing.T) {
	r := New()
	base := time.Now()
	r.RecordLocalBuy("W7.HK", dec("1.0"), dec("100"), true, base, "B1")
	r.RecordLocalBuy("W7.HK", dec("1.1"), dec("100"), true, base.Add(time.Minute), "B2")

	r.RecordLocalSell("W7.HK", dec("1.2"), dec("150"), true, base.Add(2*time.Minute), "")

	assert.Equal(t, dec("50").String(), r.LedgerQuantity("W7.HK", true).String())
}

func TestAllocateRelatedBuyOrderIDsForRecovery_InsufficientLotsErrors(t *testing.T) {
	r := New()
	r.RecordLocalBuy("W8.HK", dec("1.0"), dec("50"), true, time.Now(), "B1")
	_, err := r.AllocateRelatedBuyOrderIDsForRecovery("W8.HK", types.Long, dec("100"))
	assert.Error(t, err)
}

func TestAllocateRelatedBuyOrderIDsForRecovery_SkipsOccupiedLots(t *testing.T) {
	r := New()
	base := time.Now()
	r.RecordLocalBuy("W9.HK", dec("1.0"), dec("100"), true, base, "B1")
	r.RecordLocalBuy("W9.HK", dec("1.0"), dec("100"), true, base.Add(time.Minute), "B2")
	require.NoError(t, r.SubmitSellOrder("PS1", "W9.HK", types.Long, dec("100"), []string{"B1"}, base))

	ids, err := r.AllocateRelatedBuyOrderIDsForRecovery("W9.HK", types.Long, dec("100"))
	require.NoError(t, err)
	assert.Equal(t, []string{"B2"}, ids)
}

// Pending-sell occupancy never exceeds ledger quantity for a
// (symbol, direction).
func TestInvariant_OccupancyNeverExceedsLedgerQuantity(t *testing.T) {
	r := New()
	base := time.Now()
	r.RecordLocalBuy("W10.HK", dec("1.0"), dec("100"), true, base, "B1")
	r.RecordLocalBuy("W10.HK", dec("1.0"), dec("100"), true, base.Add(time.Minute), "B2")
	require.NoError(t, r.SubmitSellOrder("PS1", "W10.HK", types.Long, dec("150"), []string{"B1", "B2"}, base))

	occ := r.PendingOccupancyQuantity("W10.HK", true)
	ledgerQty := r.LedgerQuantity("W10.HK", true)
	assert.True(t, occ.LessThanOrEqual(ledgerQty))
}

func TestReleaseAllPendingSellOccupancy_ClearsEverything(t *testing.T) {
	r := New()
	r.RecordLocalBuy("W11.HK", dec("1.0"), dec("100"), true, time.Now(), "B1")
	require.NoError(t, r.SubmitSellOrder("PS1", "W11.HK", types.Long, dec("100"), []string{"B1"}, time.Now()))

	r.ReleaseAllPendingSellOccupancy()
	assert.Empty(t, r.GetPendingSellSnapshot())

	res := r.SelectSellableOrders(SelectSellableOrdersRequest{
		Symbol: "W11.HK", Direction: types.Long, CurrentPrice: dec("1.5"), MaxSellQuantity: dec("100"),
	})
	assert.Equal(t, []string{"B1"}, res.RelatedBuyOrderIDs)
}

func TestRecordLocalSell_ReturnsRealizedPnLAgainstFIFOCost(t *testing.T) {
	r := New()
	base := time.Now()
	r.RecordLocalBuy("W12.HK", dec("1.0"), dec("100"), true, base, "B1")

	pnl := r.RecordLocalSell("W12.HK", dec("1.5"), dec("100"), true, base.Add(time.Minute), "S1")

	// 1.5*100 - 1.0*100 = 50
	assert.Equal(t, dec("50").String(), pnl.String())
}

func TestLatestSellNotionalSince_FindsMostRecentSell(t *testing.T) {
	r := New()
	base := time.Now()
	r.RecordLocalBuy("W13.HK", dec("1.0"), dec("200"), true, base.Add(-time.Hour), "B1")
	r.RecordLocalSell("W13.HK", dec("1.1"), dec("100"), true, base.Add(-30*time.Minute), "OLD")
	r.RecordLocalSell("W13.HK", dec("2.0"), dec("100"), true, base, "NEW")

	notional, ok := r.LatestSellNotionalSince("W13.HK", true, base.Add(-time.Minute))
	require.True(t, ok)
	assert.Equal(t, dec("200").String(), notional.String())

	_, ok = r.LatestSellNotionalSince("W13.HK", true, base.Add(time.Minute))
	assert.False(t, ok)
}

func TestRekeyPendingSell_MovesOccupancyToBrokerID(t *testing.T) {
	r := New()
	r.RecordLocalBuy("W14.HK", dec("1.0"), dec("100"), true, time.Now(), "B1")
	require.NoError(t, r.SubmitSellOrder("CLIENT1", "W14.HK", types.Long, dec("100"), []string{"B1"}, time.Now()))

	r.RekeyPendingSell("W14.HK", types.Long, "CLIENT1", "BROKER1")

	snap := r.GetPendingSellSnapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "BROKER1", snap[0].OrderID)

	// Occupancy survives the rekey: the lot is still unavailable.
	res := r.SelectSellableOrders(SelectSellableOrdersRequest{
		Symbol: "W14.HK", Direction: types.Long, CurrentPrice: dec("1.5"), MaxSellQuantity: dec("100"),
	})
	assert.Empty(t, res.RelatedBuyOrderIDs)

	// Releasing under the broker id works.
	ids := r.MarkSellCancelled("W14.HK", types.Long, "BROKER1")
	assert.Equal(t, []string{"B1"}, ids)
}

func TestCostAndQuantity_SumsRemainingLots(t *testing.T) {
	r := New()
	base := time.Now()
	r.RecordLocalBuy("W15.HK", dec("1.0"), dec("100"), true, base, "B1")
	r.RecordLocalBuy("W15.HK", dec("2.0"), dec("50"), true, base.Add(time.Minute), "B2")
	r.RecordLocalSell("W15.HK", dec("1.5"), dec("50"), true, base.Add(2*time.Minute), "")

	r1, n1 := r.CostAndQuantity("W15.HK", true)
	// B1 has 50 left at 1.0, B2 has 50 at 2.0: r1 = 50 + 100 = 150, n1 = 100
	assert.Equal(t, dec("150").String(), r1.String())
	assert.Equal(t, dec("100").String(), n1.String())
}

func TestClear_DropsBooksSellsAndOccupancy(t *testing.T) {
	r := New()
	r.RecordLocalBuy("W16.HK", dec("1.0"), dec("100"), true, time.Now(), "B1")
	require.NoError(t, r.SubmitSellOrder("PS1", "W16.HK", types.Long, dec("100"), []string{"B1"}, time.Now()))

	r.Clear()

	assert.True(t, r.LedgerQuantity("W16.HK", true).IsZero())
	assert.Empty(t, r.GetPendingSellSnapshot())
	_, ok := r.LatestSellNotionalSince("W16.HK", true, time.Time{})
	assert.False(t, ok)
}
