package domain

import (
	"errors"
	"testing"
	"time"
)

func TestNewSnapshotAndLinesRoundTrip(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	stage := Stage{ID: 2, Name: "Recría"}
	lines := []RecipeLine{
		{ID: 4, StageID: 2, ProductID: 2, ProductName: "Soya", Percentage: d("30"), CostWithoutTax: d("360")},
		{ID: 3, StageID: 2, ProductID: 1, ProductName: "Maiz", Percentage: d("60"), CostWithoutTax: d("510")},
		{ID: 5, StageID: 3, ProductID: 3, ProductName: "Afrecho", Percentage: d("10")},
	}
	snap := NewSnapshot(11, stage, lines, at)
	if len(snap.Ingredients) != 2 || snap.Ingredients[0].ProductName != "Maiz" {
		t.Fatalf("expected stage 2 ingredients by name, got %+v", snap.Ingredients)
	}
	if !snap.TotalPercentage.Equal(d("90")) || snap.StageName != "Recría" || !snap.CapturedAt.Equal(at) {
		t.Fatalf("unexpected snapshot header %+v", snap)
	}
	if kg := snap.Ingredients[0].Kilograms; kg == nil || !kg.Equal(d("600")) {
		t.Fatalf("expected 600 kg for Maiz, got %v", kg)
	}

	restored := LinesFromSnapshot(snap)
	if len(restored) != 2 {
		t.Fatalf("expected two lines, got %d", len(restored))
	}
	for _, l := range restored {
		if l.ID != 0 || l.StageID != 2 {
			t.Fatalf("expected unassigned line in stage 2, got %+v", l)
		}
	}
	if !restored[1].CostWithoutTax.Equal(d("360")) {
		t.Fatalf("expected snapshot costs carried over, got %s", restored[1].CostWithoutTax)
	}
}

func TestValidateComposition(t *testing.T) {
	cases := []struct {
		name  string
		lines []RecipeLine
		ok    bool
	}{
		{"empty", nil, true},
		{"over a tonne", []RecipeLine{{ProductID: 1, Percentage: d("80")}, {ProductID: 2, Percentage: d("45")}}, true},
		{"duplicate", []RecipeLine{{ProductID: 1, Percentage: d("10")}, {ProductID: 1, Percentage: d("5")}}, false},
		{"missing product", []RecipeLine{{ProductName: "Maiz", Percentage: d("10")}}, false},
		{"negative", []RecipeLine{{ProductID: 1, Percentage: d("-1")}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateComposition(tc.lines)
			if tc.ok && err != nil {
				t.Fatalf("expected valid composition: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestDiffCompositions(t *testing.T) {
	before := HistoricalSnapshot{ID: 1, StageID: 1, Ingredients: []SnapshotIngredient{
		{ProductID: 1, ProductName: "Maiz", Percentage: d("60")},
		{ProductID: 2, ProductName: "Soya", Percentage: d("30")},
		{ProductID: 3, ProductName: "Afrecho", Percentage: d("10")},
	}}
	at := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	after := HistoricalSnapshot{ID: 2, StageID: 1, CapturedAt: at, Ingredients: []SnapshotIngredient{
		{ProductID: 1, ProductName: "Maiz", Percentage: d("55")},
		{ProductID: 2, ProductName: "Soya", Percentage: d("30")},
		{ProductID: 4, ProductName: "Carbonato", Percentage: d("5")},
	}}
	records := DiffCompositions(before, after)
	if len(records) != 3 {
		t.Fatalf("expected three records, got %+v", records)
	}
	names := []string{records[0].ModifiedProduct.Name, records[1].ModifiedProduct.Name, records[2].ModifiedProduct.Name}
	if names[0] != "Afrecho" || names[1] != "Carbonato" || names[2] != "Maiz" {
		t.Fatalf("expected records ordered by name, got %v", names)
	}
	if !records[0].Removed() || records[0].Introduced() {
		t.Fatalf("expected Afrecho removed, got %+v", records[0])
	}
	if !records[1].Introduced() || !records[1].PercentageAfter.Equal(d("5")) {
		t.Fatalf("expected Carbonato introduced, got %+v", records[1])
	}
	if records[2].PercentageBefore == nil || !records[2].PercentageBefore.Equal(d("60")) || !records[2].PercentageAfter.Equal(d("55")) {
		t.Fatalf("expected Maiz 60 -> 55, got %+v", records[2])
	}
	for _, r := range records {
		if r.SnapshotID != 2 || !r.CreatedAt.Equal(at) {
			t.Fatalf("expected records stamped from the later snapshot, got %+v", r)
		}
	}
	if again := DiffCompositions(after, after); len(again) != 0 {
		t.Fatalf("expected no records for identical snapshots, got %+v", again)
	}
}

func TestFilterChangeRecords(t *testing.T) {
	records := []IngredientChangeRecord{
		{ID: 1, ModifiedProduct: &ProductRef{ID: 1, Name: "Maiz"}},
		{ID: 2},
		{ID: 3, ModifiedProduct: &ProductRef{Name: "unknown"}},
	}
	kept, dropped := FilterChangeRecords(records)
	if len(kept) != 1 || kept[0].ID != 1 || dropped != 2 {
		t.Fatalf("expected one kept and two dropped, got %+v (%d)", kept, dropped)
	}
}
