package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CompositionFromLines captures the lines of one stage as snapshot ingredients,
// ordered by product name.
func CompositionFromLines(lines []RecipeLine, stage StageID) []SnapshotIngredient {
	out := make([]SnapshotIngredient, 0, len(lines))
	for _, l := range lines {
		if stage != AllStages && l.StageID != stage {
			continue
		}
		kg := l.Kilograms()
		out = append(out, SnapshotIngredient{
			ProductID:      l.ProductID,
			ProductName:    l.ProductName,
			Percentage:     l.Percentage,
			Kilograms:      &kg,
			CostWithoutTax: l.CostWithoutTax,
			CostWithTax:    l.CostWithTax,
		})
	}
	sortIngredients(out)
	return out
}

// NewSnapshot builds a snapshot of a stage composition at the given instant.
func NewSnapshot(id SnapshotID, stage Stage, lines []RecipeLine, at time.Time) HistoricalSnapshot {
	ingredients := CompositionFromLines(lines, stage.ID)
	total := decimal.Zero
	for _, ing := range ingredients {
		total = total.Add(ing.Percentage)
	}
	return HistoricalSnapshot{
		ID:              id,
		StageID:         stage.ID,
		StageName:       stage.Name,
		CapturedAt:      at,
		Ingredients:     ingredients,
		TotalPercentage: total,
	}
}

// LinesFromSnapshot maps a snapshot composition into recipe lines for stage.
// Line IDs are left zero for the store to assign.
func LinesFromSnapshot(s HistoricalSnapshot) []RecipeLine {
	out := make([]RecipeLine, 0, len(s.Ingredients))
	for _, ing := range s.Ingredients {
		line := RecipeLine{
			StageID:        s.StageID,
			ProductID:      ing.ProductID,
			ProductName:    ing.ProductName,
			Percentage:     NormalizePercentage(ing.Percentage),
			CostWithoutTax: ing.CostWithoutTax,
			CostWithTax:    ing.CostWithTax,
		}
		out = append(out, line)
	}
	return out
}

// ValidateComposition checks a full stage composition for duplicate products
// and non-positive percentages. The 100% ceiling is deliberately not applied.
func ValidateComposition(lines []RecipeLine) error {
	seen := make(map[ProductID]struct{}, len(lines))
	for _, l := range lines {
		if l.ProductID == 0 {
			return ValidationError{Field: "product_id", Message: fmt.Sprintf("ingredient %q has no product id", l.ProductName)}
		}
		if _, dup := seen[l.ProductID]; dup {
			return ValidationError{Field: "product_id", Message: fmt.Sprintf("product %d appears more than once", l.ProductID)}
		}
		seen[l.ProductID] = struct{}{}
		if l.Percentage.IsNegative() {
			return ValidationError{Field: "percentage", Message: fmt.Sprintf("product %d has a negative percentage", l.ProductID)}
		}
	}
	return nil
}

// DiffCompositions reports one change record per product whose percentage
// differs between before and after. Introduced products carry a nil
// PercentageBefore; removed products carry a zero PercentageAfter. Records take
// their SnapshotID and CreatedAt from after; IDs are left for the caller.
func DiffCompositions(before, after HistoricalSnapshot) []IngredientChangeRecord {
	prev := make(map[ProductID]SnapshotIngredient, len(before.Ingredients))
	for _, ing := range before.Ingredients {
		prev[ing.ProductID] = ing
	}
	var out []IngredientChangeRecord
	seen := make(map[ProductID]struct{}, len(after.Ingredients))
	for _, ing := range after.Ingredients {
		seen[ing.ProductID] = struct{}{}
		old, existed := prev[ing.ProductID]
		if existed && old.Percentage.Equal(ing.Percentage) {
			continue
		}
		rec := IngredientChangeRecord{
			SnapshotID:      after.ID,
			ModifiedProduct: &ProductRef{ID: ing.ProductID, Name: ing.ProductName},
			PercentageAfter: ing.Percentage,
			CreatedAt:       after.CapturedAt,
		}
		if existed {
			p := old.Percentage
			rec.PercentageBefore = &p
		}
		out = append(out, rec)
	}
	for _, ing := range before.Ingredients {
		if _, ok := seen[ing.ProductID]; ok {
			continue
		}
		p := ing.Percentage
		out = append(out, IngredientChangeRecord{
			SnapshotID:       after.ID,
			ModifiedProduct:  &ProductRef{ID: ing.ProductID, Name: ing.ProductName},
			PercentageBefore: &p,
			PercentageAfter:  decimal.Zero,
			CreatedAt:        after.CapturedAt,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].ModifiedProduct, out[j].ModifiedProduct
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out
}

// FilterChangeRecords drops records lacking an identified modified product and
// returns the kept records together with the number dropped.
func FilterChangeRecords(records []IngredientChangeRecord) ([]IngredientChangeRecord, int) {
	kept := make([]IngredientChangeRecord, 0, len(records))
	for _, r := range records {
		if r.ModifiedProduct == nil || r.ModifiedProduct.ID == 0 {
			continue
		}
		kept = append(kept, r)
	}
	return kept, len(records) - len(kept)
}

func sortIngredients(in []SnapshotIngredient) {
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].ProductName != in[j].ProductName {
			return in[i].ProductName < in[j].ProductName
		}
		return in[i].ProductID < in[j].ProductID
	})
}
