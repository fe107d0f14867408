package reserve_test

import (
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/MarkoPoloResearchLab/points/pkg/reserve"
	"github.com/shopspring/decimal"
)

func reservesWith(percentages map[string]int64) []reserve.Reserve {
	names := []string{"api_usage", "development", "emergency", "infrastructure"}
	reserves := make([]reserve.Reserve, 0, len(percentages))
	for _, name := range names {
		percentage, ok := percentages[name]
		if !ok {
			continue
		}
		reserves = append(reserves, reserve.Reserve{ID: "reserve-" + name, CategoryName: name, AllocationPercentage: decimal.NewFromInt(percentage), Active: true})
	}
	return reserves
}

func amountsByCategory(shares []reserve.AllocationShare) map[string]ledger.Points {
	amounts := make(map[string]ledger.Points, len(shares))
	for _, share := range shares {
		amounts[share.CategoryName] = share.Amount
	}
	return amounts
}

func TestSplitDefaultPercentages(test *testing.T) {
	test.Parallel()
	shares, err := reserve.Split(100, reservesWith(map[string]int64{"api_usage": 40, "infrastructure": 30, "development": 20, "emergency": 10}))
	if err != nil {
		test.Fatalf("split: %v", err)
	}
	amounts := amountsByCategory(shares)
	expected := map[string]ledger.Points{"api_usage": 40, "infrastructure": 30, "development": 20, "emergency": 10}
	for category, amount := range expected {
		if amounts[category] != amount {
			test.Fatalf("%s: expected %d, got %d", category, amount, amounts[category])
		}
	}
}

func TestSplitAlwaysSumsToTotal(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		total       ledger.Points
		percentages map[string]int64
	}{
		{name: "odd total", total: 7, percentages: map[string]int64{"api_usage": 40, "infrastructure": 30, "development": 20, "emergency": 10}},
		{name: "equal thirds", total: 100, percentages: map[string]int64{"api_usage": 1, "development": 1, "emergency": 1}},
		{name: "over one hundred", total: 999, percentages: map[string]int64{"api_usage": 80, "infrastructure": 70}},
		{name: "under one hundred", total: 50, percentages: map[string]int64{"api_usage": 10, "emergency": 15}},
		{name: "single point", total: 1, percentages: map[string]int64{"api_usage": 50, "development": 50}},
	}
	for _, testCase := range testCases {
		shares, err := reserve.Split(testCase.total, reservesWith(testCase.percentages))
		if err != nil {
			test.Fatalf("%s: %v", testCase.name, err)
		}
		var sum ledger.Points
		for _, share := range shares {
			if share.Amount < 0 {
				test.Fatalf("%s: negative share %+v", testCase.name, share)
			}
			sum += share.Amount
		}
		if sum != testCase.total {
			test.Fatalf("%s: expected shares to sum to %d, got %d", testCase.name, testCase.total, sum)
		}
	}
}

func TestSplitBreaksTiesByCategoryName(test *testing.T) {
	test.Parallel()
	shares, err := reserve.Split(100, reservesWith(map[string]int64{"api_usage": 1, "development": 1, "emergency": 1}))
	if err != nil {
		test.Fatalf("split: %v", err)
	}
	amounts := amountsByCategory(shares)
	if amounts["api_usage"] != 34 || amounts["development"] != 33 || amounts["emergency"] != 33 {
		test.Fatalf("unexpected tie break: %v", amounts)
	}
}

func TestSplitRejectsZeroPercentages(test *testing.T) {
	test.Parallel()
	_, err := reserve.Split(100, reservesWith(map[string]int64{"api_usage": 0}))
	if !errors.Is(err, reserve.ErrNoActiveReserves) {
		test.Fatalf("expected ErrNoActiveReserves, got %v", err)
	}
	_, err = reserve.Split(100, nil)
	if !errors.Is(err, reserve.ErrNoActiveReserves) {
		test.Fatalf("expected ErrNoActiveReserves for no reserves, got %v", err)
	}
}
