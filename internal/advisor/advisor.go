package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/points/pkg/billing"
	"github.com/shopspring/decimal"
)

var (
	// ErrMalformedAdvice reports a completion that did not contain the expected JSON object.
	ErrMalformedAdvice = errors.New("malformed advisory response")
	// ErrAdvisorDisabled is returned when no advisory backend is configured.
	ErrAdvisorDisabled = errors.New("advisor disabled")
)

// Completer turns a prompt into model text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Advisor implements billing.Advisor on top of a Completer.
type Advisor struct {
	completer Completer
}

// New wires an Advisor. A nil completer yields an advisor that always fails with ErrAdvisorDisabled.
func New(completer Completer) *Advisor {
	return &Advisor{completer: completer}
}

// AdviseBilling asks for an adjustment factor. The factor is returned unclamped.
func (advisor *Advisor) AdviseBilling(ctx context.Context, summary billing.UsageSummary) (billing.Advice, error) {
	if advisor.completer == nil {
		return billing.Advice{}, ErrAdvisorDisabled
	}
	text, err := advisor.completer.Complete(ctx, billingPrompt(summary))
	if err != nil {
		return billing.Advice{}, err
	}
	return ParseBillingAdvice(text)
}

// AdviseReserves asks for per-category reserve percentages.
func (advisor *Advisor) AdviseReserves(ctx context.Context, input billing.ReserveContext) (billing.ReserveAdvice, error) {
	if advisor.completer == nil {
		return billing.ReserveAdvice{}, ErrAdvisorDisabled
	}
	text, err := advisor.completer.Complete(ctx, reservePrompt(input))
	if err != nil {
		return billing.ReserveAdvice{}, err
	}
	return ParseReserveAdvice(text)
}

type billingPayload struct {
	AdjustmentFactor *float64 `json:"adjustmentFactor"`
	Reasoning        string   `json:"reasoning"`
	RecommendedTier  string   `json:"recommendedTier"`
	Encouragement    string   `json:"encouragement"`
}

// ParseBillingAdvice extracts the billing verdict from model text.
func ParseBillingAdvice(text string) (billing.Advice, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return billing.Advice{}, err
	}
	var payload billingPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return billing.Advice{}, fmt.Errorf("%w: %v", ErrMalformedAdvice, err)
	}
	if payload.AdjustmentFactor == nil {
		return billing.Advice{}, fmt.Errorf("%w: adjustmentFactor missing", ErrMalformedAdvice)
	}
	return billing.Advice{
		AdjustmentFactor: *payload.AdjustmentFactor,
		Reasoning:        strings.TrimSpace(payload.Reasoning),
		RecommendedTier:  strings.TrimSpace(payload.RecommendedTier),
		Encouragement:    strings.TrimSpace(payload.Encouragement),
	}, nil
}

type reservePayload struct {
	Allocations map[string]decimal.Decimal `json:"allocations"`
	Reasoning   string                     `json:"reasoning"`
}

// ParseReserveAdvice extracts category percentages from model text.
func ParseReserveAdvice(text string) (billing.ReserveAdvice, error) {
	raw, err := extractJSONObject(text)
	if err != nil {
		return billing.ReserveAdvice{}, err
	}
	var payload reservePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return billing.ReserveAdvice{}, fmt.Errorf("%w: %v", ErrMalformedAdvice, err)
	}
	if len(payload.Allocations) == 0 {
		return billing.ReserveAdvice{}, fmt.Errorf("%w: allocations missing", ErrMalformedAdvice)
	}
	return billing.ReserveAdvice{Percentages: payload.Allocations, Reasoning: strings.TrimSpace(payload.Reasoning)}, nil
}

// extractJSONObject returns the span from the first '{' to the last '}'. Models often wrap JSON
// in prose or code fences.
func extractJSONObject(text string) (string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("%w: no json object", ErrMalformedAdvice)
	}
	return text[start : end+1], nil
}

func billingPrompt(summary billing.UsageSummary) string {
	var builder strings.Builder
	builder.WriteString("You price API usage for a developer platform.\n\n")
	fmt.Fprintf(&builder, "Developer account age: %d days\n", summary.AccountAgeDays)
	fmt.Fprintf(&builder, "Period: %s to %s\n", summary.PeriodStart.Format("2006-01-02T15:04:05Z07:00"), summary.PeriodEnd.Format("2006-01-02T15:04:05Z07:00"))
	fmt.Fprintf(&builder, "Total requests: %d\n", summary.TotalRequests)
	fmt.Fprintf(&builder, "Data transferred: %s MB\n", summary.TotalDataMB.StringFixed(2))
	fmt.Fprintf(&builder, "Total execution time: %d ms (average %s ms)\n", summary.TotalExecutionMs, summary.AverageExecutionMs.StringFixed(2))
	fmt.Fprintf(&builder, "Error responses: %d\n", summary.ErrorCount)
	fmt.Fprintf(&builder, "Most used endpoints: %s\n", topEndpoints(summary.EndpointCounts, 5))
	fmt.Fprintf(&builder, "Peak hours (UTC): %v\n", summary.PeakHours)
	fmt.Fprintf(&builder, "Base cost: %d points\n\n", summary.BaseCost.Int64())
	builder.WriteString("Choose a multiplier between 0.5 and 1.5 for the base cost. Favor new developers, ")
	builder.WriteString("steady and efficient usage, and off-peak traffic; penalize high error rates.\n")
	builder.WriteString(`Respond ONLY with JSON: {"adjustmentFactor": number, "reasoning": string, `)
	builder.WriteString(`"recommendedTier": "free|starter|professional|enterprise", "encouragement": string}`)
	return builder.String()
}

func reservePrompt(input billing.ReserveContext) string {
	var builder strings.Builder
	builder.WriteString("You help a developer split their points budget across reserve categories.\n\n")
	fmt.Fprintf(&builder, "Requests in the last 30 days: %d, errors: %d, data: %s MB\n",
		input.Usage.TotalRequests, input.Usage.ErrorCount, input.Usage.TotalDataMB.StringFixed(2))
	fmt.Fprintf(&builder, "Most used endpoints: %s\n", topEndpoints(input.Usage.EndpointCounts, 5))
	builder.WriteString("Current reserves:\n")
	for _, reserve := range input.Reserves {
		fmt.Fprintf(&builder, "- %s: %s%% allocated, balance %d, spent %d\n",
			reserve.CategoryName, reserve.AllocationPercentage.String(), reserve.Balance.Int64(), reserve.TotalSpent.Int64())
	}
	builder.WriteString("\nRecommend percentages per category that total 100.\n")
	builder.WriteString(`Respond ONLY with JSON: {"allocations": {"<category>": number}, "reasoning": string}`)
	return builder.String()
}

func topEndpoints(counts map[string]int64, limit int) string {
	if len(counts) == 0 {
		return "none"
	}
	endpoints := make([]string, 0, len(counts))
	for endpoint := range counts {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(left, right int) bool {
		if counts[endpoints[left]] != counts[endpoints[right]] {
			return counts[endpoints[left]] > counts[endpoints[right]]
		}
		return endpoints[left] < endpoints[right]
	})
	if len(endpoints) > limit {
		endpoints = endpoints[:limit]
	}
	parts := make([]string, 0, len(endpoints))
	for _, endpoint := range endpoints {
		parts = append(parts, fmt.Sprintf("%s: %d", endpoint, counts[endpoint]))
	}
	return strings.Join(parts, ", ")
}
