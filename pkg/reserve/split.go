package reserve

import (
	"sort"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
	"github.com/shopspring/decimal"
)

// Split divides total across reserves in proportion to their percentages, normalized by the
// percentage sum. Floors are handed out first and the leftover points go one each to the largest
// remainders, ties broken by category name, so the parts always add up to total.
func Split(total ledger.Points, reserves []Reserve) ([]AllocationShare, error) {
	sum := decimal.Zero
	for _, reserve := range reserves {
		sum = sum.Add(reserve.AllocationPercentage)
	}
	if !sum.IsPositive() {
		return nil, ErrNoActiveReserves
	}
	type candidate struct {
		index     int
		remainder decimal.Decimal
	}
	totalDecimal := decimal.NewFromInt(total.Int64())
	shares := make([]AllocationShare, len(reserves))
	candidates := make([]candidate, len(reserves))
	var assigned ledger.Points
	for index, reserve := range reserves {
		exact := totalDecimal.Mul(reserve.AllocationPercentage).Div(sum)
		floor := exact.Floor()
		shares[index] = AllocationShare{
			ReserveID:    reserve.ID,
			CategoryName: reserve.CategoryName,
			Percentage:   reserve.AllocationPercentage,
			Amount:       ledger.Points(floor.IntPart()),
		}
		assigned += shares[index].Amount
		candidates[index] = candidate{index: index, remainder: exact.Sub(floor)}
	}
	sort.SliceStable(candidates, func(left, right int) bool {
		comparison := candidates[left].remainder.Cmp(candidates[right].remainder)
		if comparison != 0 {
			return comparison > 0
		}
		return reserves[candidates[left].index].CategoryName < reserves[candidates[right].index].CategoryName
	})
	for leftover, position := total-assigned, 0; leftover > 0; leftover, position = leftover-1, position+1 {
		shares[candidates[position%len(candidates)].index].Amount++
	}
	return shares, nil
}
