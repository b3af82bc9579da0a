package engine

import (
	"sort"
	"time"

	"traderflow/models"
)

// contribution is what one resolved trade adds to a window aggregate.
type contribution struct {
	wins     int64
	pnl      float64
	invested float64
}

// windowTotals is the sum of contributions over a timestamp range of the
// resolved-as-of index.
type windowTotals struct {
	count    int64
	wins     int64
	pnl      float64
	invested float64
}

// fenwick is a binary indexed tree over timestamp ranks. Each position holds
// at most one trade's contribution, inserted once that trade's resolution
// time passes the sweep cursor.
type fenwick struct {
	counts   []int64
	wins     []int64
	pnl      []float64
	invested []float64
}

func newFenwick(n int) *fenwick {
	return &fenwick{
		counts:   make([]int64, n+1),
		wins:     make([]int64, n+1),
		pnl:      make([]float64, n+1),
		invested: make([]float64, n+1),
	}
}

// add inserts a contribution at timestamp rank i (0-based).
func (f *fenwick) add(i int, c contribution) {
	for idx := i + 1; idx < len(f.counts); idx += idx & (-idx) {
		f.counts[idx]++
		f.wins[idx] += c.wins
		f.pnl[idx] += c.pnl
		f.invested[idx] += c.invested
	}
}

// prefix sums the contributions at ranks [0, i).
func (f *fenwick) prefix(i int) windowTotals {
	var t windowTotals
	for idx := i; idx > 0; idx -= idx & (-idx) {
		t.count += f.counts[idx]
		t.wins += f.wins[idx]
		t.pnl += f.pnl[idx]
		t.invested += f.invested[idx]
	}
	return t
}

// rangeTotals sums ranks [lo, hi).
func (f *fenwick) rangeTotals(lo, hi int) windowTotals {
	if lo >= hi {
		return windowTotals{}
	}
	a := f.prefix(hi)
	b := f.prefix(lo)
	return windowTotals{
		count:    a.count - b.count,
		wins:     a.wins - b.wins,
		pnl:      a.pnl - b.pnl,
		invested: a.invested - b.invested,
	}
}

// resolveFunc reports when a trade's outcome became knowable; ok is false for
// trades that never contribute to aggregates.
type resolveFunc func(models.Trade) (Resolution, bool)

type resolutionEvent struct {
	at      time.Time
	rank    int
	contrib contribution
}

func contributionOf(trade models.Trade, won bool) contribution {
	c := contribution{invested: trade.Invested()}
	if won {
		c.wins = 1
		c.pnl = (1 - trade.Price) * trade.Size
	} else {
		c.pnl = -trade.Price * trade.Size
	}
	return c
}

// asOfSweep computes, for every trade in the sequence, each window's totals
// over the trade's prior resolved history. trades must be sorted by
// (timestamp, key); the result is indexed like trades, with windows in
// models.Windows() order.
//
// Two independent bounds enforce the no-look-ahead property. The timestamp
// bound: only ranks strictly before the trade's tie group are queried, so a
// prior trade's timestamp is < t even when timestamps collide. The
// resolution bound: a contribution enters the tree only once its resolution
// time is < t, driven by a cursor over resolution-ordered events.
func asOfSweep(trades []models.Trade, resolve resolveFunc) [][]windowTotals {
	n := len(trades)
	out := make([][]windowTotals, n)
	if n == 0 {
		return out
	}

	windows := models.Windows()

	// tieStart[i] is the first rank sharing trades[i]'s timestamp.
	tieStart := make([]int, n)
	for i := 1; i < n; i++ {
		if trades[i].Timestamp.Equal(trades[i-1].Timestamp) {
			tieStart[i] = tieStart[i-1]
		} else {
			tieStart[i] = i
		}
	}

	var events []resolutionEvent
	for i, trade := range trades {
		res, ok := resolve(trade)
		if !ok {
			continue
		}
		events = append(events, resolutionEvent{at: res.At, rank: i, contrib: contributionOf(trade, res.Won)})
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].at.Equal(events[j].at) {
			return events[i].at.Before(events[j].at)
		}
		return events[i].rank < events[j].rank
	})

	tree := newFenwick(n)
	cursor := 0
	lower := make([]int, len(windows))

	for i, trade := range trades {
		t := trade.Timestamp

		for cursor < len(events) && events[cursor].at.Before(t) {
			tree.add(events[cursor].rank, events[cursor].contrib)
			cursor++
		}

		totals := make([]windowTotals, len(windows))
		for w, window := range windows {
			span := window.Span()
			if span > 0 {
				bound := t.Add(-span)
				for lower[w] < n && trades[lower[w]].Timestamp.Before(bound) {
					lower[w]++
				}
			}
			totals[w] = tree.rangeTotals(lower[w], tieStart[i])
		}
		out[i] = totals
	}

	return out
}
