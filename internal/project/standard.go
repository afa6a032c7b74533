package project

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/montecast-ai/montecast/internal/model"
)

// Assumption keys recognized by the standard formula. A sampled driver
// whose ID matches one of these overrides the baseline value for every
// month of its trial.
const (
	KeyStartingCash    = "starting_cash"
	KeyMonthlyRevenue  = "monthly_revenue"
	KeyMonthlyExpenses = "monthly_expenses"
	KeyRevenueGrowth   = "revenue_growth" // percent per month
	KeyChurnRate       = "churn_rate"     // percent per month
	KeyExpenseGrowth   = "expense_growth" // percent per month
	KeyCAC             = "cac"
	KeyNewCustomers    = "new_customers_per_month"
)

// StandardFormula is the platform's reference SaaS monthly model:
//
//	revenue[m]  = revenue[m-1] × (1 + growth% - churn%)
//	expenses[m] = monthlyExpenses × (1 + expenseGrowth%)^m + cac × newCustomers
//
// Revenue and expenses are floored at zero. With zero churn and a fixed
// growth rate this reduces to plain compounding of the starting revenue.
type StandardFormula struct {
	StartingCash    float64
	MonthlyRevenue  float64
	MonthlyExpenses float64
	RevenueGrowth   float64
	ChurnRate       float64
	ExpenseGrowth   float64
	CAC             float64
	NewCustomers    float64
}

// NewStandard parses the opaque baseline assumptions into a
// StandardFormula. Unknown keys are ignored; known keys must be numeric.
// Missing keys keep their zero defaults, so an empty assumption map is a
// flat zero-growth model.
func NewStandard(assumptions map[string]any) (Formula, error) {
	f := &StandardFormula{}
	dests := []struct {
		key string
		dst *float64
	}{
		{KeyStartingCash, &f.StartingCash},
		{KeyMonthlyRevenue, &f.MonthlyRevenue},
		{KeyMonthlyExpenses, &f.MonthlyExpenses},
		{KeyRevenueGrowth, &f.RevenueGrowth},
		{KeyChurnRate, &f.ChurnRate},
		{KeyExpenseGrowth, &f.ExpenseGrowth},
		{KeyCAC, &f.CAC},
		{KeyNewCustomers, &f.NewCustomers},
	}
	for _, d := range dests {
		raw, present := assumptions[d.key]
		if !present {
			continue
		}
		v, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Errorf("project: assumption %q is not numeric (got %T)", d.key, raw)
		}
		*d.dst = v
	}
	return f, nil
}

// Start seeds month zero from the (possibly driver-overridden) baselines.
func (f *StandardFormula) Start(drivers map[string]float64) model.MonthRecord {
	return model.MonthRecord{
		Revenue:     f.value(drivers, KeyMonthlyRevenue, f.MonthlyRevenue),
		Expenses:    f.value(drivers, KeyMonthlyExpenses, f.MonthlyExpenses),
		CashBalance: f.value(drivers, KeyStartingCash, f.StartingCash),
	}
}

// Month applies one month of growth, churn and spend.
func (f *StandardFormula) Month(m int, prev model.MonthRecord, drivers map[string]float64) (revenue, expenses float64) {
	growth := f.value(drivers, KeyRevenueGrowth, f.RevenueGrowth) / 100
	churn := f.value(drivers, KeyChurnRate, f.ChurnRate) / 100
	expenseGrowth := f.value(drivers, KeyExpenseGrowth, f.ExpenseGrowth) / 100
	cac := f.value(drivers, KeyCAC, f.CAC)
	newCustomers := f.value(drivers, KeyNewCustomers, f.NewCustomers)

	revenue = prev.Revenue * (1 + growth - churn)
	if revenue < 0 {
		revenue = 0
	}

	baseExpenses := f.value(drivers, KeyMonthlyExpenses, f.MonthlyExpenses)
	expenses = baseExpenses*math.Pow(1+expenseGrowth, float64(m)) + cac*newCustomers
	if expenses < 0 {
		expenses = 0
	}
	return revenue, expenses
}

// value resolves one knob: the sampled driver wins over the baseline.
func (f *StandardFormula) value(drivers map[string]float64, key string, base float64) float64 {
	if v, ok := drivers[key]; ok {
		return v
	}
	return base
}

// toFloat accepts the numeric shapes a JSON or YAML decode can produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
