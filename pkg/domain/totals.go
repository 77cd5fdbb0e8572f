package domain

import "github.com/shopspring/decimal"

// Percentage ceilings. The two are independent: LineTotalCeiling rejects an
// add or edit that would push a stage past a full tonne, ActionGateCeiling
// closes stage-level actions once a stage is materially over capacity.
var (
	LineTotalCeiling  = decimal.NewFromInt(100)
	ActionGateCeiling = decimal.NewFromInt(110)
)

// PercentagePlaces is the precision of a percentage of tonne.
const PercentagePlaces = 2

var (
	kilogramsPerPercent = decimal.NewFromInt(10)
	hundred             = decimal.NewFromInt(100)
)

// NormalizePercentage rounds a percentage to two decimal places.
func NormalizePercentage(p decimal.Decimal) decimal.Decimal {
	return p.Round(PercentagePlaces)
}

// ValidatePercentage checks a single line percentage lies in (0, 100].
func ValidatePercentage(p decimal.Decimal) error {
	if !p.IsPositive() {
		return ValidationError{Field: "percentage", Message: "must be greater than zero"}
	}
	if p.GreaterThan(hundred) {
		return ValidationError{Field: "percentage", Message: "must not exceed 100"}
	}
	return nil
}

// KilogramsFor converts a percentage of tonne into kilograms (1000 kg batch).
func KilogramsFor(p decimal.Decimal) decimal.Decimal {
	return p.Mul(kilogramsPerPercent)
}

// ExceedsLineCeiling reports whether a stage total is past the strict 100% ceiling.
func ExceedsLineCeiling(total decimal.Decimal) bool {
	return total.GreaterThan(LineTotalCeiling)
}

// ActionsAllowed reports whether stage-level actions (add ingredient, capacity
// customization, export) are open for a stage with the given totals.
func ActionsAllowed(t StageTotals) bool {
	return t.TotalPercentage.LessThan(ActionGateCeiling)
}

// LineCosts prices a line from its percentage and the product price per kilo.
func LineCosts(p, pricePerKilo, vatRate decimal.Decimal) (withoutTax, withTax decimal.Decimal) {
	withoutTax = KilogramsFor(p).Mul(pricePerKilo).Round(2)
	withTax = withoutTax.Mul(decimal.NewFromInt(1).Add(vatRate)).Round(2)
	return withoutTax, withTax
}

// ComputeTotals aggregates the lines belonging to stage (AllStages disables the
// filter). The result only depends on the multiset of lines.
func ComputeTotals(lines []RecipeLine, stage StageID, capacity decimal.Decimal) StageTotals {
	var t StageTotals
	for _, l := range lines {
		if stage != AllStages && l.StageID != stage {
			continue
		}
		t.TotalPercentage = t.TotalPercentage.Add(l.Percentage)
		t.TotalCostWithoutTax = t.TotalCostWithoutTax.Add(l.CostWithoutTax)
		t.TotalCostWithTax = t.TotalCostWithTax.Add(l.CostWithTax)
		if l.CustomKilograms != nil {
			t.TotalCustomKilograms = t.TotalCustomKilograms.Add(*l.CustomKilograms)
		}
	}
	t.TotalKilograms = KilogramsFor(t.TotalPercentage)
	t.CapacityKilograms = capacity
	return t
}
