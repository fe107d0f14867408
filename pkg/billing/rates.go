package billing

import (
	"math"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/shopspring/decimal"
)

const (
	errorStatusThreshold = 400
	peakHourCount        = 3
	factorPlaces         = 4
)

var (
	minAdjustmentFactor     = decimal.NewFromFloat(0.5)
	maxAdjustmentFactor     = decimal.NewFromFloat(1.5)
	neutralAdjustmentFactor = decimal.NewFromInt(1)
	millisecondsPerSecond   = decimal.NewFromInt(1000)
)

// Rates is the usage price schedule in points.
type Rates struct {
	PerRequest         decimal.Decimal
	PerMB              decimal.Decimal
	PerExecutionSecond decimal.Decimal
}

// DefaultRates is 0.01 points per request, 0.1 per MB and 0.05 per execution second.
func DefaultRates() Rates {
	return Rates{
		PerRequest:         decimal.RequireFromString("0.01"),
		PerMB:              decimal.RequireFromString("0.1"),
		PerExecutionSecond: decimal.RequireFromString("0.05"),
	}
}

// BaseCost prices aggregated usage, rounding up to whole points.
func (rates Rates) BaseCost(requests int64, dataMB decimal.Decimal, executionMs int64) ledger.Points {
	cost := rates.PerRequest.Mul(decimal.NewFromInt(requests)).
		Add(rates.PerMB.Mul(dataMB)).
		Add(rates.PerExecutionSecond.Mul(decimal.NewFromInt(executionMs).Div(millisecondsPerSecond)))
	return ledger.Points(cost.Ceil().IntPart())
}

// ClampFactor bounds an advisory multiplier to [0.5, 1.5] at the stored four-decimal precision.
// Non-finite input is rejected.
func ClampFactor(raw float64) (decimal.Decimal, bool) {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return neutralAdjustmentFactor, false
	}
	factor := decimal.NewFromFloat(raw).Round(factorPlaces)
	if factor.LessThan(minAdjustmentFactor) {
		return minAdjustmentFactor, true
	}
	if factor.GreaterThan(maxAdjustmentFactor) {
		return maxAdjustmentFactor, true
	}
	return factor, true
}

// FinalCost applies the factor to the base cost, rounding half away from zero.
func FinalCost(base ledger.Points, factor decimal.Decimal) ledger.Points {
	return ledger.Points(decimal.NewFromInt(base.Int64()).Mul(factor).Round(0).IntPart())
}

// Summarize aggregates usage rows into the shape the advisor reads.
func Summarize(developerID ledger.DeveloperID, from time.Time, to time.Time, records []UsageRecord, accountCreatedAt time.Time, rates Rates) UsageSummary {
	summary := UsageSummary{
		DeveloperID:        developerID,
		PeriodStart:        from,
		PeriodEnd:          to,
		TotalDataMB:        decimal.Zero,
		EndpointCounts:     make(map[string]int64),
		AverageExecutionMs: decimal.Zero,
	}
	hourCounts := make(map[int]int64)
	for _, record := range records {
		summary.TotalRequests++
		summary.TotalDataMB = summary.TotalDataMB.Add(record.DataMB)
		summary.TotalExecutionMs += record.ExecutionMs
		summary.EndpointCounts[record.Endpoint]++
		if record.StatusCode >= errorStatusThreshold {
			summary.ErrorCount++
		}
		hourCounts[record.Timestamp.UTC().Hour()]++
	}
	if summary.TotalRequests > 0 {
		summary.AverageExecutionMs = decimal.NewFromInt(summary.TotalExecutionMs).
			Div(decimal.NewFromInt(summary.TotalRequests)).
			Round(2)
	}
	summary.PeakHours = peakHours(hourCounts)
	if !accountCreatedAt.IsZero() && to.After(accountCreatedAt) {
		summary.AccountAgeDays = int(to.Sub(accountCreatedAt) / (24 * time.Hour))
	}
	summary.BaseCost = rates.BaseCost(summary.TotalRequests, summary.TotalDataMB, summary.TotalExecutionMs)
	return summary
}

func peakHours(hourCounts map[int]int64) []int {
	hours := make([]int, 0, len(hourCounts))
	for hour := range hourCounts {
		hours = append(hours, hour)
	}
	sort.Slice(hours, func(left, right int) bool {
		if hourCounts[hours[left]] != hourCounts[hours[right]] {
			return hourCounts[hours[left]] > hourCounts[hours[right]]
		}
		return hours[left] < hours[right]
	})
	if len(hours) > peakHourCount {
		hours = hours[:peakHourCount]
	}
	return hours
}
