// Package domain defines the feed-formulation entities, value types, and
// rule evaluation primitives used by feedformula.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityRecipeLine identifies a single ingredient line of a stage recipe.
	EntityRecipeLine EntityType = "recipe_line"
	// EntityStageComposition identifies the full line set of one stage.
	EntityStageComposition EntityType = "stage_composition"
	// EntityCustomCapacity identifies a per-stage kilogram override.
	EntityCustomCapacity EntityType = "custom_capacity"
	// EntityProduct identifies a catalog product.
	EntityProduct EntityType = "product"
	// EntityStage identifies a growth stage.
	EntityStage EntityType = "stage"
	// EntitySnapshot identifies a historical recipe snapshot.
	EntitySnapshot EntityType = "historical_snapshot"
)

// StageID identifies a growth stage.
type StageID int

// AllStages disables stage filtering where a StageID filter is accepted.
const AllStages StageID = 0

// ProductID identifies a catalog product.
type ProductID int64

// LineID identifies a recipe line. The remote store assigns positive IDs;
// the local cache mints negative ones for lines the remote has not confirmed.
type LineID int64

// Local reports whether id was minted by the local cache.
func (id LineID) Local() bool { return id < 0 }

// SnapshotID identifies a historical recipe snapshot.
type SnapshotID int64

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Product is a catalog ingredient. Owned by the catalog; read only here.
type Product struct {
	ID           ProductID       `json:"id"`
	Name         string          `json:"name"`
	PricePerKilo decimal.Decimal `json:"price_per_kilo"`
	Category     string          `json:"category,omitempty"`
	Active       bool            `json:"active"`
}

// Stage describes a growth stage a recipe is formulated for.
type Stage struct {
	ID        StageID `json:"id"`
	Name      string  `json:"name"`
	StartWeek int     `json:"start_week,omitempty"`
	EndWeek   int     `json:"end_week,omitempty"`
}

// DefaultStages returns the built-in stage catalogue for laying hens.
func DefaultStages() []Stage {
	return []Stage{
		{ID: 1, Name: "Pollita", StartWeek: 1, EndWeek: 8},
		{ID: 2, Name: "Recría", StartWeek: 9, EndWeek: 19},
		{ID: 3, Name: "Pre-postura"},
		{ID: 4, Name: "Ponedora Inicial", StartWeek: 20, EndWeek: 55},
		{ID: 5, Name: "Ponedora Final", StartWeek: 56, EndWeek: 110},
	}
}

// RecipeLine is one weighted ingredient within a stage recipe.
type RecipeLine struct {
	ID             LineID          `json:"id"`
	StageID        StageID         `json:"stage_id"`
	ProductID      ProductID       `json:"product_id"`
	ProductName    string          `json:"product_name"`
	Percentage     decimal.Decimal `json:"percentage"`
	CostWithoutTax decimal.Decimal `json:"cost_without_tax"`
	CostWithTax    decimal.Decimal `json:"cost_with_tax"`
	// CustomKilograms is supplied by the remote store and never derived locally.
	CustomKilograms *decimal.Decimal `json:"custom_kilograms,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Kilograms returns the line weight against the fixed one-tonne batch.
func (l RecipeLine) Kilograms() decimal.Decimal {
	return KilogramsFor(l.Percentage)
}

// StageTotals aggregates a stage composition. Derived, never persisted.
type StageTotals struct {
	TotalPercentage      decimal.Decimal `json:"total_percentage"`
	TotalKilograms       decimal.Decimal `json:"total_kilograms"`
	TotalCustomKilograms decimal.Decimal `json:"total_custom_kilograms"`
	TotalCostWithoutTax  decimal.Decimal `json:"total_cost_without_tax"`
	TotalCostWithTax     decimal.Decimal `json:"total_cost_with_tax"`
	// CapacityKilograms annotates the totals with the stage's custom capacity; zero when unset.
	CapacityKilograms decimal.Decimal `json:"capacity_kilograms"`
}

// IsZero reports whether every aggregate is zero.
func (t StageTotals) IsZero() bool {
	return t.TotalPercentage.IsZero() &&
		t.TotalKilograms.IsZero() &&
		t.TotalCustomKilograms.IsZero() &&
		t.TotalCostWithoutTax.IsZero() &&
		t.TotalCostWithTax.IsZero() &&
		t.CapacityKilograms.IsZero()
}

// Equal compares totals numerically.
func (t StageTotals) Equal(other StageTotals) bool {
	return t.TotalPercentage.Equal(other.TotalPercentage) &&
		t.TotalKilograms.Equal(other.TotalKilograms) &&
		t.TotalCustomKilograms.Equal(other.TotalCustomKilograms) &&
		t.TotalCostWithoutTax.Equal(other.TotalCostWithoutTax) &&
		t.TotalCostWithTax.Equal(other.TotalCostWithTax) &&
		t.CapacityKilograms.Equal(other.CapacityKilograms)
}

// SnapshotIngredient is one ingredient inside a historical snapshot.
type SnapshotIngredient struct {
	ProductID      ProductID        `json:"product_id"`
	ProductName    string           `json:"product_name"`
	Percentage     decimal.Decimal  `json:"percentage"`
	Kilograms      *decimal.Decimal `json:"kilograms,omitempty"`
	CostWithoutTax decimal.Decimal  `json:"cost_without_tax"`
	CostWithTax    decimal.Decimal  `json:"cost_with_tax"`
}

// HistoricalSnapshot is an immutable point-in-time copy of a stage composition.
type HistoricalSnapshot struct {
	ID              SnapshotID           `json:"id"`
	StageID         StageID              `json:"stage_id"`
	StageName       string               `json:"stage_name,omitempty"`
	CapturedAt      time.Time            `json:"captured_at"`
	Ingredients     []SnapshotIngredient `json:"ingredients"`
	TotalPercentage decimal.Decimal      `json:"total_percentage"`
}

// ProductRef names the product touched by a change record.
type ProductRef struct {
	ID   ProductID `json:"id"`
	Name string    `json:"name"`
}

// IngredientChangeRecord is one ingredient-level delta between consecutive snapshots.
type IngredientChangeRecord struct {
	ID         int64      `json:"id"`
	SnapshotID SnapshotID `json:"snapshot_id"`
	// ModifiedProduct is nil when the history service could not identify the product.
	ModifiedProduct *ProductRef `json:"modified_product,omitempty"`
	// PercentageBefore is nil when the ingredient was newly introduced.
	PercentageBefore *decimal.Decimal `json:"percentage_before,omitempty"`
	PercentageAfter  decimal.Decimal  `json:"percentage_after"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Introduced reports whether the record adds a new ingredient.
func (r IngredientChangeRecord) Introduced() bool { return r.PercentageBefore == nil }

// Removed reports whether the record drops an ingredient.
func (r IngredientChangeRecord) Removed() bool {
	return r.PercentageBefore != nil && r.PercentageAfter.IsZero()
}

// Change describes a mutation applied to an entity within a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action enumerates CRUD operations captured in the change log.
type Action string

// Change actions enumerate supported operations captured in the change log.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionReplace indicates a wholesale composition swap (restore or reload).
	ActionReplace Action = "replace"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	StageID  StageID
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// Warnings returns the non-blocking violations.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity != SeverityBlock {
			out = append(out, v)
		}
	}
	return out
}
