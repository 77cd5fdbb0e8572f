package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Transaction exposes the recipe operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateLine(RecipeLine) (RecipeLine, error)
	UpdateLine(id LineID, mutator func(*RecipeLine) error) (RecipeLine, error)
	DeleteLine(id LineID) error
	// ReplaceStageLines discards every line of stage and installs lines in their place.
	ReplaceStageLines(stage StageID, lines []RecipeLine) ([]RecipeLine, error)
	// ReplaceAllLines swaps the whole line set, used after a full reload.
	ReplaceAllLines(lines []RecipeLine) error
	SetCapacity(stage StageID, kilograms decimal.Decimal) error
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	Totals(stage StageID) StageTotals
	Stages() []StageID
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	ListLines(stage StageID) []RecipeLine
	GetLine(id LineID) (RecipeLine, bool)
	Totals(stage StageID) StageTotals
	Capacity(stage StageID) (decimal.Decimal, bool)
}
