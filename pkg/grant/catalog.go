package grant

import (
	"sort"
	"strings"

	"github.com/MarkoPoloResearchLab/points/pkg/ledger"
)

// Milestone is a catalog entry with default points and vesting.
type Milestone struct {
	Name           string
	TotalPoints    ledger.Points
	Immediate      ledger.Points
	MonthlyAmount  ledger.Points
	DurationMonths int
}

var milestoneCatalog = map[string]Milestone{
	"initial":      {Name: "initial", TotalPoints: 100, Immediate: 100},
	"novice":       {Name: "novice", TotalPoints: 1_000, Immediate: 500, MonthlyAmount: 100, DurationMonths: 5},
	"intermediate": {Name: "intermediate", TotalPoints: 5_000, Immediate: 1_000, MonthlyAmount: 500, DurationMonths: 8},
	"advanced":     {Name: "advanced", TotalPoints: 50_000, Immediate: 5_000, MonthlyAmount: 5_000, DurationMonths: 9},
	"expert":       {Name: "expert", TotalPoints: 500_000, Immediate: 50_000, MonthlyAmount: 45_000, DurationMonths: 10},
	"master":       {Name: "master", TotalPoints: 3_000_000, Immediate: 300_000, MonthlyAmount: 225_000, DurationMonths: 12},
}

// LookupMilestone returns the catalog entry for name.
func LookupMilestone(name string) (Milestone, bool) {
	milestone, ok := milestoneCatalog[strings.ToLower(strings.TrimSpace(name))]
	return milestone, ok
}

// Milestones lists the catalog ordered by total points.
func Milestones() []Milestone {
	milestones := make([]Milestone, 0, len(milestoneCatalog))
	for _, milestone := range milestoneCatalog {
		milestones = append(milestones, milestone)
	}
	sort.Slice(milestones, func(left, right int) bool {
		return milestones[left].TotalPoints < milestones[right].TotalPoints
	})
	return milestones
}
