// Package ranking orders composed quotes, picks the recommended quote and
// re-identifies a user selection across refreshed batches.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/shopspring/decimal"
)

// Policy holds the recommendation tolerances.
type Policy struct {
	// ReturnTolerance is the minimum fraction of the best adjusted return a
	// candidate must reach under ETA ordering.
	ReturnTolerance float64
	// ETACeilingSeconds is the exclusive upper bound on a reasonable ETA under
	// cost ordering.
	ETACeilingSeconds int64
}

// Sort returns a stably sorted copy. Cost ordering puts quotes with unknown
// cost last; ETA ordering uses the estimated processing time.
func Sort(quotes []model.ComposedQuote, order model.SortOrder) []model.ComposedQuote {
	out := make([]model.ComposedQuote, len(quotes))
	copy(out, quotes)
	switch order {
	case model.SortETAAscending:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].EstimatedProcessingTimeInSeconds < out[j].EstimatedProcessingTimeInSeconds
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			ci, iok := out[i].Cost.Get()
			cj, jok := out[j].Cost.Get()
			switch {
			case iok && jok:
				return ci.LessThan(cj)
			default:
				return iok && !jok
			}
		})
	}
	return out
}

// Recommend picks the recommended quote from a sorted batch. The dimension
// not used for sorting is guarded: ETA ordering requires a reasonable return,
// cost ordering requires a reasonable ETA. Falls back to the top quote.
func Recommend(sorted []model.ComposedQuote, order model.SortOrder, policy Policy) (model.ComposedQuote, bool) {
	if len(sorted) == 0 {
		return model.ComposedQuote{}, false
	}
	best := bestReturn(sorted)
	for _, q := range sorted {
		var ok bool
		if order == model.SortETAAscending {
			ok = returnReasonable(q, best, policy.ReturnTolerance)
		} else {
			ok = etaReasonable(q, policy.ETACeilingSeconds)
		}
		if ok {
			return q, true
		}
	}
	return sorted[0], true
}

// bestReturn is the maximum adjusted return, treating unknown as zero.
func bestReturn(quotes []model.ComposedQuote) decimal.Decimal {
	best := quotes[0].AdjustedReturn.OrZero()
	for _, q := range quotes[1:] {
		best = decimal.Max(best, q.AdjustedReturn.OrZero())
	}
	return best
}

// returnReasonable reports adjusted/best >= tolerance. An unknown adjusted
// return is reasonable; a zero best return makes the ratio undefined.
func returnReasonable(q model.ComposedQuote, best decimal.Decimal, tolerance float64) bool {
	adjusted, ok := q.AdjustedReturn.Get()
	if !ok {
		return true
	}
	if best.IsZero() {
		return false
	}
	return adjusted.Div(best).GreaterThanOrEqual(decimal.NewFromFloat(tolerance))
}

func etaReasonable(q model.ComposedQuote, ceiling int64) bool {
	return q.EstimatedProcessingTimeInSeconds < ceiling
}

// Identity returns the stable key of a composed quote.
func Identity(q model.ComposedQuote) string {
	if q.Identity != "" {
		return q.Identity
	}
	return q.Quote.Identity()
}

// Find returns the quote in batch with the given identity.
func Find(batch []model.ComposedQuote, identity string) (model.ComposedQuote, bool) {
	for _, q := range batch {
		if Identity(q) == identity {
			return q, true
		}
	}
	return model.ComposedQuote{}, false
}

// ResolveSelection re-resolves a stored selection against the newest batch.
// Up to the first batch the stored selection is returned as is; afterwards
// it resolves to the batch quote with the same identity, or to none.
func ResolveSelection(selected *model.ComposedQuote, batch []model.ComposedQuote, refreshCount int) *model.ComposedQuote {
	if selected == nil {
		return nil
	}
	if refreshCount <= 1 {
		return selected
	}
	match, ok := Find(batch, Identity(*selected))
	if !ok {
		return nil
	}
	return &match
}

// Active returns the selection when present, otherwise the recommendation.
func Active(selection *model.ComposedQuote, recommended model.ComposedQuote, hasRecommended bool) (model.ComposedQuote, bool) {
	if selection != nil {
		return *selection, true
	}
	return recommended, hasRecommended
}

// FormatETAMinutes renders an ETA in whole minutes, rounded half away from zero.
func FormatETAMinutes(seconds int64) string {
	return fmt.Sprintf("%d", int64(math.Round(float64(seconds)/60)))
}
