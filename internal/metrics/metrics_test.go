package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestSetTradingEnabled_TogglesGaugeValue(t *testing.T) {
	SetTradingEnabled(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(TradingEnabled))

	SetTradingEnabled(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(TradingEnabled))
}

func TestOrdersSubmitted_IncrementsByMonitorAndSide(t *testing.T) {
	OrdersSubmitted.Reset()
	OrdersSubmitted.WithLabelValues("HSI", "Buy").Inc()
	OrdersSubmitted.WithLabelValues("HSI", "Buy").Inc()
	OrdersSubmitted.WithLabelValues("HSI", "Sell").Inc()

	assert.Equal(t, float64(2), testutil.ToFloat64(OrdersSubmitted.WithLabelValues("HSI", "Buy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(OrdersSubmitted.WithLabelValues("HSI", "Sell")))
}

func TestGateRejections_TracksDistinctReasons(t *testing.T) {
	GateRejections.Reset()
	GateRejections.WithLabelValues("HSI", "doomsday_protection").Inc()
	GateRejections.WithLabelValues("HSI", "max_daily_loss").Inc()
	GateRejections.WithLabelValues("HSI", "max_daily_loss").Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(GateRejections.WithLabelValues("HSI", "doomsday_protection")))
	assert.Equal(t, float64(2), testutil.ToFloat64(GateRejections.WithLabelValues("HSI", "max_daily_loss")))
}

func TestLifecycleState_SetAsGaugePerLabel(t *testing.T) {
	LifecycleState.Reset()
	LifecycleState.WithLabelValues("ACTIVE").Set(1)
	LifecycleState.WithLabelValues("MIDNIGHT_CLEANING").Set(0)

	assert.Equal(t, float64(1), testutil.ToFloat64(LifecycleState.WithLabelValues("ACTIVE")))
	assert.Equal(t, float64(0), testutil.ToFloat64(LifecycleState.WithLabelValues("MIDNIGHT_CLEANING")))
}
