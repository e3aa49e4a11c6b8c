package autosymbol

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/hkwarrants/engine/internal/broker"
	"github.com/hkwarrants/engine/internal/types"
)

// UnderlyingResolver maps a monitor_symbol to the underlying instrument ID
// the broker's warrant_list call expects.
type UnderlyingResolver func(monitor string) (underlying string, ok bool)

// FindCriteria is the per-(monitor,direction) find_best_warrant filter.
type FindCriteria struct {
	ExpiryMinMonths  int
	MinDistancePct   decimal.Decimal
	MinTurnoverPerMin decimal.Decimal
}

// BrokerWarrantFinder implements WarrantFinder against a live broker's
// warrant_list, picking the most liquid candidate that clears the
// configured expiry, turnover, and strike-distance floors.
type BrokerWarrantFinder struct {
	client    broker.Client
	resolve   UnderlyingResolver
	criteria  map[string]FindCriteria // keyed by monitor+":"+direction
}

// NewBrokerWarrantFinder returns a finder bound to client.
func NewBrokerWarrantFinder(client broker.Client, resolve UnderlyingResolver) *BrokerWarrantFinder {
	return &BrokerWarrantFinder{client: client, resolve: resolve, criteria: make(map[string]FindCriteria)}
}

// SetCriteria registers the search floors for a (monitor, direction).
func (f *BrokerWarrantFinder) SetCriteria(monitor string, dir types.Direction, c FindCriteria) {
	f.criteria[monitor+":"+string(dir)] = c
}

// FindBestWarrant implements WarrantFinder.
func (f *BrokerWarrantFinder) FindBestWarrant(ctx context.Context, monitor string, dir types.Direction) (broker.WarrantInfo, bool, error) {
	underlying, ok := f.resolve(monitor)
	if !ok {
		return broker.WarrantInfo{}, false, fmt.Errorf("autosymbol: no underlying mapped for monitor %s", monitor)
	}
	crit := f.criteria[monitor+":"+string(dir)]

	candidates, err := f.client.WarrantList(ctx, underlying, dir == types.Long)
	if err != nil {
		return broker.WarrantInfo{}, false, fmt.Errorf("autosymbol: warrant_list %s: %w", underlying, err)
	}

	// The strike-distance floor needs the underlying's current level. A
	// distance floor with no obtainable price means no candidate can be
	// verified safe, so nothing is selected.
	var underlyingPrice decimal.Decimal
	if crit.MinDistancePct.GreaterThan(decimal.Zero) {
		quotes, err := f.client.GetQuotes(ctx, []string{underlying})
		if err != nil {
			return broker.WarrantInfo{}, false, fmt.Errorf("autosymbol: quote %s for distance filter: %w", underlying, err)
		}
		underlyingPrice = quotes[underlying].Price
		if underlyingPrice.LessThanOrEqual(decimal.Zero) {
			return broker.WarrantInfo{}, false, nil
		}
	}

	filtered := candidates[:0]
	for _, w := range candidates {
		if crit.ExpiryMinMonths > 0 && w.ExpiryMonths < crit.ExpiryMinMonths {
			continue
		}
		if crit.MinTurnoverPerMin.GreaterThan(decimal.Zero) && w.TurnoverPerMin.LessThan(crit.MinTurnoverPerMin) {
			continue
		}
		if crit.MinDistancePct.GreaterThan(decimal.Zero) {
			if w.CallPrice.LessThanOrEqual(decimal.Zero) {
				continue
			}
			diff := underlyingPrice.Sub(w.CallPrice)
			if dir != types.Long {
				diff = w.CallPrice.Sub(underlyingPrice)
			}
			dist := diff.Div(w.CallPrice).Mul(decimal.NewFromInt(100))
			if dist.LessThan(crit.MinDistancePct) {
				continue
			}
		}
		filtered = append(filtered, w)
	}
	if len(filtered) == 0 {
		return broker.WarrantInfo{}, false, nil
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].TurnoverPerMin.GreaterThan(filtered[j].TurnoverPerMin)
	})
	return filtered[0], true, nil
}
