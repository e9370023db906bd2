package processing

import (
	"sort"
	"strings"
	"time"

	"github.com/DeafMist/filing-radar/internal/models"
)

// DiffHoldings compares two 13F information tables by CUSIP.
func DiffHoldings(latest, previous []models.Holding, latestDate, previousDate time.Time) models.HoldingsDiff {
	prev := make(map[string]models.Holding, len(previous))
	for _, h := range previous {
		prev[h.CUSIP] = h
	}
	cur := make(map[string]models.Holding, len(latest))
	for _, h := range latest {
		cur[h.CUSIP] = h
	}

	diff := models.HoldingsDiff{LatestDate: latestDate, PreviousDate: previousDate}

	for _, h := range latest {
		old, ok := prev[h.CUSIP]
		switch {
		case !ok:
			diff.NewBuys = append(diff.NewBuys, h)
		case h.Shares > old.Shares:
			diff.Increases = append(diff.Increases, change(h, old))
		case h.Shares < old.Shares:
			diff.Reductions = append(diff.Reductions, change(h, old))
		}
	}
	for _, h := range previous {
		if _, ok := cur[h.CUSIP]; !ok {
			diff.Exits = append(diff.Exits, h)
		}
	}

	byValue := func(items []models.Holding) {
		sort.SliceStable(items, func(i, j int) bool { return items[i].ValueUSD > items[j].ValueUSD })
	}
	byChangeValue := func(items []models.HoldingChange) {
		sort.SliceStable(items, func(i, j int) bool { return items[i].ValueUSD > items[j].ValueUSD })
	}
	byValue(diff.NewBuys)
	byValue(diff.Exits)
	byChangeValue(diff.Increases)
	byChangeValue(diff.Reductions)

	return diff
}

func change(cur, old models.Holding) models.HoldingChange {
	return models.HoldingChange{
		Issuer:    cur.Issuer,
		CUSIP:     cur.CUSIP,
		OldShares: old.Shares,
		NewShares: cur.Shares,
		ValueUSD:  cur.ValueUSD,
	}
}

// TradeSummary aggregates Form 4 transactions of one security and code.
type TradeSummary struct {
	Security string
	Code     string
	Shares   float64
	AvgPrice float64
	Own      bool
}

// AggregateTrades groups trades by security and transaction code, keeping the
// order of first appearance. AvgPrice is share weighted. Trades whose security
// title names the issuer or is plain common stock are flagged Own.
func AggregateTrades(trades []models.Trade, issuer string) []TradeSummary {
	type acc struct {
		summary  TradeSummary
		notional float64
	}

	index := make(map[string]int)
	var groups []acc
	for _, t := range trades {
		if t.Shares <= 0 {
			continue
		}
		key := strings.ToLower(t.Security) + "|" + t.Code
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, acc{summary: TradeSummary{
				Security: t.Security,
				Code:     t.Code,
				Own:      isOwnStock(t.Security, issuer),
			}})
		}
		groups[i].summary.Shares += t.Shares
		groups[i].notional += t.Shares * t.Price
	}

	out := make([]TradeSummary, 0, len(groups))
	for _, g := range groups {
		if g.summary.Shares > 0 {
			g.summary.AvgPrice = g.notional / g.summary.Shares
		}
		out = append(out, g.summary)
	}
	return out
}

func isOwnStock(security, issuer string) bool {
	s := strings.ToLower(strings.TrimSpace(security))
	if s == "" || strings.Contains(s, "common stock") || strings.Contains(s, "ordinary shares") {
		return true
	}
	name := strings.ToLower(strings.TrimSpace(issuer))
	return name != "" && strings.Contains(s, name)
}
