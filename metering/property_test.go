package metering_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/kestrel-run/kestrel/metering"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestJobCostSummaryIsOrderIndependentProperty generalizes
// TestGetJobCostSummaryIsOrderIndependent: for any permutation of the same
// set of tool-call quantities, the total cost and the set of distinct step
// indexes must agree, since summation over an append-only log is
// associative.
func TestJobCostSummaryIsOrderIndependentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	prices := metering.NewPriceTable([]metering.PriceEntry{{Provider: "p", Operation: "op", UnitPrice: 0.25}})

	properties.Property("permuting recorded events never changes the total cost or step set", prop.ForAll(
		func(quantities []float64) bool {
			steps := make([]int, len(quantities))
			for i := range steps {
				steps[i] = i % 5
			}

			base := metering.New(prices)
			base.StartJob("job-a", "tenant-1")
			for i, q := range quantities {
				base.RecordToolCall("job-a", "tenant-1", steps[i], "s", "t", "p", "op", q, "u", time.Now(), time.Now())
			}
			want := base.GetJobCostSummary("job-a")

			perm := rand.Perm(len(quantities))
			shuffled := metering.New(prices)
			shuffled.StartJob("job-b", "tenant-1")
			for _, idx := range perm {
				shuffled.RecordToolCall("job-b", "tenant-1", steps[idx], "s", "t", "p", "op", quantities[idx], "u", time.Now(), time.Now())
			}
			got := shuffled.GetJobCostSummary("job-b")

			const epsilon = 1e-6
			costMatches := (want.TotalCostUSD-got.TotalCostUSD) < epsilon && (got.TotalCostUSD-want.TotalCostUSD) < epsilon
			if !costMatches || len(want.StepIndexes) != len(got.StepIndexes) {
				return false
			}
			for i := range want.StepIndexes {
				if want.StepIndexes[i] != got.StepIndexes[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(0, 1000)),
	))

	properties.TestingRun(t)
}
