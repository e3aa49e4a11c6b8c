package orchestrator

import (
	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/ledger"
	"github.com/hkwarrants/engine/internal/registry"
	"github.com/hkwarrants/engine/internal/risk"
	"github.com/hkwarrants/engine/internal/types"
)

// SeatRegistryDomain is the seat registry's midnight-clear/open-rebuild
// participant: every seat is reset to EMPTY at midnight and
// left for auto-symbol search to rebind once the session reopens.
type SeatRegistryDomain struct {
	reg      *registry.Registry
	monitors []types.SeatKey
}

// NewSeatRegistryDomain returns a domain covering the given seat keys.
func NewSeatRegistryDomain(reg *registry.Registry, keys []types.SeatKey) *SeatRegistryDomain {
	return &SeatRegistryDomain{reg: reg, monitors: keys}
}

func (d *SeatRegistryDomain) Name() string { return "seat_registry" }

func (d *SeatRegistryDomain) MidnightClear() error {
	for _, k := range d.monitors {
		d.reg.UpdateSeatState(k.Monitor, k.Direction, func(s *types.Seat) {
			s.Symbol = ""
			s.Status = types.SeatEmpty
			s.CallPrice = decimal.Zero
			s.SearchFailCountToday = 0
			s.FrozenTradingDayKey = ""
		})
	}
	return nil
}

func (d *SeatRegistryDomain) OpenRebuild() error {
	// Seats rebind lazily via auto-symbol search on the first post-open
	// tick; nothing to eagerly rebuild here.
	return nil
}

// RiskCacheDomain clears cached warrant strike info and unrealized-loss
// accumulators at midnight; they are re-seeded as seats rebind.
type RiskCacheDomain struct {
	risk *risk.Checker
}

// NewRiskCacheDomain returns a domain wrapping the shared risk checker.
func NewRiskCacheDomain(r *risk.Checker) *RiskCacheDomain {
	return &RiskCacheDomain{risk: r}
}

func (d *RiskCacheDomain) Name() string { return "risk_cache" }

func (d *RiskCacheDomain) MidnightClear() error {
	d.risk.ClearCaches()
	return nil
}

func (d *RiskCacheDomain) OpenRebuild() error { return nil }

// OrderRecorderDomain clears the FIFO buy/sell ledgers and pending-sell
// occupancy at midnight. OpenRebuild does nothing: pending sells are
// re-derived from the broker's today_orders snapshot only by the strict
// startup recovery that runs once at boot.
type OrderRecorderDomain struct {
	recorder *ledger.Recorder
}

// NewOrderRecorderDomain returns a domain wrapping the shared recorder.
func NewOrderRecorderDomain(r *ledger.Recorder) *OrderRecorderDomain {
	return &OrderRecorderDomain{recorder: r}
}

func (d *OrderRecorderDomain) Name() string { return "order_recorder" }

func (d *OrderRecorderDomain) MidnightClear() error {
	d.recorder.Clear()
	return nil
}

func (d *OrderRecorderDomain) OpenRebuild() error { return nil }
