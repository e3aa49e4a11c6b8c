// tools/replaydump.go
// CLI to replay a trading day's trade log and print a per-symbol
// reconciliation summary: submitted/filled/failed counts and the filled
// buy/sell quantity balance, flagging any symbol that sold more than it
// bought (a sign of lost or miscounted ledger occupancy).
//
// Usage:
//
//	go run tools/replaydump.go -dir logs/trades -day 2026-07-31
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hkwarrants/engine/internal/tradelog"
)

type symbolTally struct {
	Symbol       string
	Submitted    int
	Filled       int
	Failed       int
	BuyQuantity  float64
	SellQuantity float64
}

func main() {
	dir := flag.String("dir", "logs/trades", "trade log directory")
	day := flag.String("day", "", "trading day key, YYYY-MM-DD (defaults to today)")
	flag.Parse()

	dayKey := *day
	if dayKey == "" {
		dayKey = time.Now().Format("2006-01-02")
	}
	when, err := time.Parse("2006-01-02", dayKey)
	if err != nil {
		exitf("parse -day %q: %v", dayKey, err)
	}

	records, err := tradelog.Read(*dir, when)
	if err != nil {
		exitf("read trade log: %v", err)
	}
	if len(records) == 0 {
		fmt.Printf("no trade-log records found in %s for %s\n", filepath.Clean(*dir), dayKey)
		return
	}

	tallies := make(map[string]*symbolTally)
	for _, rec := range records {
		t, ok := tallies[rec.Symbol]
		if !ok {
			t = &symbolTally{Symbol: rec.Symbol}
			tallies[rec.Symbol] = t
		}
		switch rec.Status {
		case tradelog.StatusSubmitted:
			t.Submitted++
		case tradelog.StatusFilled:
			t.Filled++
			qty := parseFloat(rec.Quantity)
			if rec.Side == "Buy" {
				t.BuyQuantity += qty
			} else {
				t.SellQuantity += qty
			}
		case tradelog.StatusFailed:
			t.Failed++
		}
	}

	symbols := make([]string, 0, len(tallies))
	for s := range tallies {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	fmt.Printf("replay summary for %s (%d records, %d symbols)\n", dayKey, len(records), len(symbols))
	for _, s := range symbols {
		t := tallies[s]
		net := t.BuyQuantity - t.SellQuantity
		note := ""
		if net < 0 {
			note = "  <-- sold more than bought, check pending-sell occupancy"
		}
		fmt.Printf("  %-16s submitted=%-4d filled=%-4d failed=%-4d buy_qty=%.2f sell_qty=%.2f net=%.2f%s\n",
			s, t.Submitted, t.Filled, t.Failed, t.BuyQuantity, t.SellQuantity, net, note)
	}
}

func parseFloat(s string) float64 {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0
	}
	return f
}

func exitf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, "replaydump: "+format+"\n", a...)
	os.Exit(1)
}
