package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Catalog supplies the products an operator can formulate with.
type Catalog interface {
	ListProducts(ctx context.Context) ([]Product, error)
}

// LineDraft is the payload for creating a remote recipe line.
type LineDraft struct {
	StageID    StageID
	ProductID  ProductID
	Percentage decimal.Decimal
}

// LinePatch carries the mutable fields of a remote recipe line.
type LinePatch struct {
	Percentage decimal.Decimal
}

// RecipeBackend is the remote recipe persistence.
type RecipeBackend interface {
	// ListLines returns the remote lines of stage, or all lines for AllStages.
	ListLines(ctx context.Context, stage StageID) ([]RecipeLine, error)
	CreateLine(ctx context.Context, draft LineDraft) (RecipeLine, error)
	PatchLine(ctx context.Context, id LineID, patch LinePatch) (RecipeLine, error)
	DeleteLine(ctx context.Context, id LineID) error
}

// HistoryService stores snapshots of stage compositions.
type HistoryService interface {
	// QuerySnapshots returns the change records of stage captured in [from, to).
	QuerySnapshots(ctx context.Context, stage StageID, from, to time.Time) ([]IngredientChangeRecord, error)
	FetchSnapshotDetail(ctx context.Context, id SnapshotID) (HistoricalSnapshot, error)
	RestoreSnapshot(ctx context.Context, id SnapshotID) error
}

// StageComposition is one stage's lines and totals inside an export snapshot.
type StageComposition struct {
	Stage  Stage        `json:"stage"`
	Lines  []RecipeLine `json:"lines"`
	Totals StageTotals  `json:"totals"`
}

// ExportSnapshot is a complete, consistent view of every stage at one instant.
type ExportSnapshot struct {
	CapturedAt time.Time          `json:"captured_at"`
	Stages     []StageComposition `json:"stages"`
}

// ExportArtifact describes a stored export.
type ExportArtifact struct {
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Exporter turns an export snapshot into a downloadable tabular artifact.
type Exporter interface {
	Export(ctx context.Context, snapshot ExportSnapshot) (ExportArtifact, error)
}
