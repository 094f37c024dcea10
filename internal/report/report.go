// Package report aggregates farm transactions into financial statements.
package report

import (
	"math"
	"sort"
	"time"

	"github.com/granary-farm/granary/internal/finance"
)

// CategoryTotal is one line of a statement section.
type CategoryTotal struct {
	Category string  `json:"category"`
	Amount   float64 `json:"amount"`
	Count    int     `json:"count"`
}

// Section is the income or expense half of a statement.
type Section struct {
	Total      float64         `json:"total"`
	ByCategory []CategoryTotal `json:"byCategory"`
}

// Period is the inclusive date range a statement covers. Zero bounds are
// open.
type Period struct {
	StartDate *time.Time `json:"startDate"`
	EndDate   *time.Time `json:"endDate"`
}

// ProfitLoss is the income statement for a farm over a period.
type ProfitLoss struct {
	FarmID    string  `json:"farmId"`
	Period    Period  `json:"period"`
	Income    Section `json:"income"`
	Expenses  Section `json:"expenses"`
	NetProfit float64 `json:"netProfit"`
	// Margin is net profit as a percentage of income; zero without income.
	Margin float64 `json:"margin"`
}

// Row is one (type, category) aggregate from the store.
type Row struct {
	Type     finance.Type
	Category string
	Amount   float64
	Count    int
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func newPeriod(start, end time.Time) Period {
	var p Period
	if !start.IsZero() {
		p.StartDate = &start
	}
	if !end.IsZero() {
		p.EndDate = &end
	}
	return p
}

// BuildProfitLoss folds aggregate rows into a statement. Categories are
// ordered by amount, largest first.
func BuildProfitLoss(farmID string, start, end time.Time, rows []Row) *ProfitLoss {
	pl := &ProfitLoss{
		FarmID:   farmID,
		Period:   newPeriod(start, end),
		Income:   Section{ByCategory: []CategoryTotal{}},
		Expenses: Section{ByCategory: []CategoryTotal{}},
	}
	for _, r := range rows {
		line := CategoryTotal{Category: r.Category, Amount: round2(r.Amount), Count: r.Count}
		switch r.Type {
		case finance.TypeIncome:
			pl.Income.Total += r.Amount
			pl.Income.ByCategory = append(pl.Income.ByCategory, line)
		case finance.TypeExpense:
			pl.Expenses.Total += r.Amount
			pl.Expenses.ByCategory = append(pl.Expenses.ByCategory, line)
		}
	}
	for _, s := range []*Section{&pl.Income, &pl.Expenses} {
		s.Total = round2(s.Total)
		sort.SliceStable(s.ByCategory, func(i, j int) bool {
			if s.ByCategory[i].Amount != s.ByCategory[j].Amount {
				return s.ByCategory[i].Amount > s.ByCategory[j].Amount
			}
			return s.ByCategory[i].Category < s.ByCategory[j].Category
		})
	}
	pl.NetProfit = round2(pl.Income.Total - pl.Expenses.Total)
	if pl.Income.Total > 0 {
		pl.Margin = round2(pl.NetProfit / pl.Income.Total * 100)
	}
	return pl
}
