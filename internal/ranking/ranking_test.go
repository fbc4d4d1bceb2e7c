package ranking

import (
	"testing"

	"github.com/ggonzalez94/bridge-quotes/internal/model"
	"github.com/ggonzalez94/bridge-quotes/internal/units"
	"github.com/shopspring/decimal"
	"github.com/zeebo/assert"
)

func fiat(v float64) units.Fiat { return units.SomeFiat(decimal.NewFromFloat(v)) }

func composed(bridgeID, hop string, steps int, cost units.Fiat, eta int64) model.ComposedQuote {
	q := model.Quote{BridgeID: bridgeID, Bridges: []string{hop}, Steps: make([]model.Step, steps)}
	return model.ComposedQuote{
		QuoteResponse:  model.QuoteResponse{Quote: q, EstimatedProcessingTimeInSeconds: eta},
		Identity:       q.Identity(),
		Cost:           cost,
		AdjustedReturn: cost,
	}
}

func identities(qs []model.ComposedQuote) []string {
	out := make([]string, 0, len(qs))
	for _, q := range qs {
		out = append(out, q.Identity)
	}
	return out
}

func TestSortCostAscendingNullsLastAndStable(t *testing.T) {
	in := []model.ComposedQuote{
		composed("a", "x", 1, units.NoFiat, 10),
		composed("b", "x", 1, fiat(-3), 10),
		composed("c", "x", 1, fiat(-5), 10),
		composed("d", "x", 1, units.NoFiat, 10),
		composed("e", "x", 1, fiat(-3), 10),
	}
	got := identities(Sort(in, model.SortCostAscending))
	want := []string{"c-x-1", "b-x-1", "e-x-1", "a-x-1", "d-x-1"}
	for i := range want {
		assert.Equal(t, got[i], want[i])
	}
	// input untouched
	assert.Equal(t, in[0].Identity, "a-x-1")
}

func TestSortETAAscendingStable(t *testing.T) {
	in := []model.ComposedQuote{
		composed("a", "x", 1, fiat(1), 300),
		composed("b", "x", 1, fiat(2), 100),
		composed("c", "x", 1, fiat(3), 300),
		composed("d", "x", 1, fiat(4), 100),
	}
	got := identities(Sort(in, model.SortETAAscending))
	want := []string{"b-x-1", "d-x-1", "a-x-1", "c-x-1"}
	for i := range want {
		assert.Equal(t, got[i], want[i])
	}
}

func TestRecommendCostOrderSkipsSlowQuote(t *testing.T) {
	a := composed("a", "x", 1, fiat(-10), 4000)
	b := composed("b", "x", 1, fiat(-9), 200)
	sorted := Sort([]model.ComposedQuote{b, a}, model.SortCostAscending)
	assert.Equal(t, sorted[0].Identity, "a-x-1")

	rec, ok := Recommend(sorted, model.SortCostAscending, Policy{ReturnTolerance: 0.98, ETACeilingSeconds: 1800})
	assert.True(t, ok)
	assert.Equal(t, rec.Identity, "b-x-1")
}

func TestRecommendETABoundary(t *testing.T) {
	policy := Policy{ReturnTolerance: 0.98, ETACeilingSeconds: 1800}

	atCeiling := composed("a", "x", 1, fiat(-10), 1800)
	slower := composed("b", "x", 1, fiat(-9), 1799)
	rec, _ := Recommend([]model.ComposedQuote{atCeiling, slower}, model.SortCostAscending, policy)
	assert.Equal(t, rec.Identity, "b-x-1")

	underCeiling := composed("a", "x", 1, fiat(-10), 1799)
	rec, _ = Recommend([]model.ComposedQuote{underCeiling, slower}, model.SortCostAscending, policy)
	assert.Equal(t, rec.Identity, "a-x-1")
}

func TestRecommendFallsBackToTop(t *testing.T) {
	policy := Policy{ReturnTolerance: 0.98, ETACeilingSeconds: 60}
	sorted := []model.ComposedQuote{
		composed("a", "x", 1, fiat(-5), 600),
		composed("b", "x", 1, fiat(-3), 900),
	}
	rec, ok := Recommend(sorted, model.SortCostAscending, policy)
	assert.True(t, ok)
	assert.Equal(t, rec.Identity, "a-x-1")

	_, ok = Recommend(nil, model.SortCostAscending, policy)
	assert.False(t, ok)
}

func TestRecommendETAOrderRequiresReasonableReturn(t *testing.T) {
	policy := Policy{ReturnTolerance: 0.8, ETACeilingSeconds: 3600}
	fastPoor := composed("fast", "x", 1, units.NoFiat, 60)
	fastPoor.AdjustedReturn = fiat(50)
	slowGood := composed("slow", "x", 1, units.NoFiat, 600)
	slowGood.AdjustedReturn = fiat(100)

	sorted := Sort([]model.ComposedQuote{slowGood, fastPoor}, model.SortETAAscending)
	rec, _ := Recommend(sorted, model.SortETAAscending, policy)
	assert.Equal(t, rec.Identity, "slow-x-1")

	fastUnknown := composed("unknown", "x", 1, units.NoFiat, 30)
	fastUnknown.AdjustedReturn = units.NoFiat
	sorted = Sort([]model.ComposedQuote{slowGood, fastPoor, fastUnknown}, model.SortETAAscending)
	rec, _ = Recommend(sorted, model.SortETAAscending, policy)
	assert.Equal(t, rec.Identity, "unknown-x-1")
}

func TestResolveSelectionReidentifies(t *testing.T) {
	old := composed("A", "B", 3, fiat(-1), 100)
	fresh := composed("A", "B", 3, fiat(-7), 50)
	other := composed("C", "D", 1, fiat(-2), 50)

	got := ResolveSelection(&old, []model.ComposedQuote{other, fresh}, 2)
	assert.NotNil(t, got)
	assert.Equal(t, got.Cost.String(), "-7")
	assert.Equal(t, got.EstimatedProcessingTimeInSeconds, int64(50))

	// first batch: stored selection verbatim
	got = ResolveSelection(&old, []model.ComposedQuote{other}, 1)
	assert.Equal(t, got.Cost.String(), "-1")
}

func TestResolveSelectionLossFallsBackToRecommended(t *testing.T) {
	old := composed("A", "B", 3, fiat(-1), 100)
	batch := []model.ComposedQuote{composed("C", "D", 1, fiat(-2), 50), composed("A", "B", 2, fiat(-3), 50)}

	sel := ResolveSelection(&old, batch, 3)
	assert.True(t, sel == nil)

	sorted := Sort(batch, model.SortCostAscending)
	rec, hasRec := Recommend(sorted, model.SortCostAscending, Policy{ReturnTolerance: 0.8, ETACeilingSeconds: 3600})
	active, ok := Active(sel, rec, hasRec)
	assert.True(t, ok)
	assert.Equal(t, active.Identity, "A-B-2")
}

func TestFormatETAMinutes(t *testing.T) {
	assert.Equal(t, FormatETAMinutes(29), "0")
	assert.Equal(t, FormatETAMinutes(90), "2")
	assert.Equal(t, FormatETAMinutes(600), "10")
}
