// Package localapi is an in-process stand-in for the remote recipe API. It
// serves the product catalog, stores recipe lines and keeps a snapshot of a
// stage after every mutation, deriving change records from consecutive
// snapshots.
package localapi

import (
	"context"
	"feedformula/pkg/domain"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	_ domain.Catalog        = (*Backend)(nil)
	_ domain.RecipeBackend  = (*Backend)(nil)
	_ domain.HistoryService = (*Backend)(nil)
)

// Backend implements the catalog, recipe and history ports in memory.
type Backend struct {
	mu       sync.Mutex
	products map[domain.ProductID]domain.Product
	stages   map[domain.StageID]domain.Stage
	lines    map[domain.LineID]domain.RecipeLine
	nextLine domain.LineID

	snapshots    map[domain.SnapshotID]domain.HistoricalSnapshot
	latest       map[domain.StageID]domain.SnapshotID
	records      []domain.IngredientChangeRecord
	nextSnapshot domain.SnapshotID
	nextRecord   int64

	vatRate decimal.Decimal
	now     func() time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock overrides the clock stamping snapshots.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		if now != nil {
			b.now = now
		}
	}
}

// WithVATRate sets the tax rate applied to line costs.
func WithVATRate(rate decimal.Decimal) Option {
	return func(b *Backend) { b.vatRate = rate }
}

// New constructs a backend serving products for stages. An empty stage list
// uses domain.DefaultStages.
func New(products []domain.Product, stages []domain.Stage, opts ...Option) *Backend {
	if len(stages) == 0 {
		stages = domain.DefaultStages()
	}
	b := &Backend{
		products:  make(map[domain.ProductID]domain.Product, len(products)),
		stages:    make(map[domain.StageID]domain.Stage, len(stages)),
		lines:     make(map[domain.LineID]domain.RecipeLine),
		snapshots: make(map[domain.SnapshotID]domain.HistoricalSnapshot),
		latest:    make(map[domain.StageID]domain.SnapshotID),
		vatRate:   decimal.RequireFromString("0.19"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, p := range products {
		b.products[p.ID] = p
	}
	for _, st := range stages {
		b.stages[st.ID] = st
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ListProducts implements domain.Catalog.
func (b *Backend) ListProducts(ctx context.Context) ([]domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Product, 0, len(b.products))
	for _, p := range b.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListLines implements domain.RecipeBackend.
func (b *Backend) ListLines(ctx context.Context, stage domain.StageID) ([]domain.RecipeLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stageLines(stage), nil
}

func (b *Backend) stageLines(stage domain.StageID) []domain.RecipeLine {
	out := make([]domain.RecipeLine, 0, len(b.lines))
	for _, l := range b.lines {
		if stage == domain.AllStages || l.StageID == stage {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateLine implements domain.RecipeBackend.
func (b *Backend) CreateLine(ctx context.Context, draft domain.LineDraft) (domain.RecipeLine, error) {
	if err := ctx.Err(); err != nil {
		return domain.RecipeLine{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.stages[draft.StageID]; !ok {
		return domain.RecipeLine{}, domain.NotFoundError{Entity: domain.EntityStage, ID: draft.StageID}
	}
	product, ok := b.products[draft.ProductID]
	if !ok {
		return domain.RecipeLine{}, domain.NotFoundError{Entity: domain.EntityProduct, ID: draft.ProductID}
	}
	pct := domain.NormalizePercentage(draft.Percentage)
	if err := domain.ValidatePercentage(pct); err != nil {
		return domain.RecipeLine{}, err
	}
	for _, l := range b.lines {
		if l.StageID == draft.StageID && l.ProductID == draft.ProductID {
			return domain.RecipeLine{}, domain.ValidationError{Field: "product_id", Message: fmt.Sprintf("product %d already in stage %d", draft.ProductID, draft.StageID)}
		}
	}
	b.nextLine++
	now := b.now()
	line := domain.RecipeLine{
		ID:          b.nextLine,
		StageID:     draft.StageID,
		ProductID:   product.ID,
		ProductName: product.Name,
		Percentage:  pct,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	line.CostWithoutTax, line.CostWithTax = domain.LineCosts(pct, product.PricePerKilo, b.vatRate)
	b.lines[line.ID] = line
	b.capture(draft.StageID)
	return line, nil
}

// PatchLine implements domain.RecipeBackend.
func (b *Backend) PatchLine(ctx context.Context, id domain.LineID, patch domain.LinePatch) (domain.RecipeLine, error) {
	if err := ctx.Err(); err != nil {
		return domain.RecipeLine{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	line, ok := b.lines[id]
	if !ok {
		return domain.RecipeLine{}, domain.NotFoundError{Entity: domain.EntityRecipeLine, ID: id}
	}
	pct := domain.NormalizePercentage(patch.Percentage)
	if err := domain.ValidatePercentage(pct); err != nil {
		return domain.RecipeLine{}, err
	}
	line.Percentage = pct
	line.CostWithoutTax, line.CostWithTax = domain.LineCosts(pct, b.products[line.ProductID].PricePerKilo, b.vatRate)
	line.UpdatedAt = b.now()
	b.lines[id] = line
	b.capture(line.StageID)
	return line, nil
}

// DeleteLine implements domain.RecipeBackend.
func (b *Backend) DeleteLine(ctx context.Context, id domain.LineID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	line, ok := b.lines[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityRecipeLine, ID: id}
	}
	delete(b.lines, id)
	b.capture(line.StageID)
	return nil
}

// SetCustomKilograms records an operator-entered kilogram figure on a line.
func (b *Backend) SetCustomKilograms(ctx context.Context, id domain.LineID, kg decimal.Decimal) (domain.RecipeLine, error) {
	if err := ctx.Err(); err != nil {
		return domain.RecipeLine{}, err
	}
	if !kg.IsPositive() {
		return domain.RecipeLine{}, domain.ValidationError{Field: "kilograms", Message: "must be greater than zero"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	line, ok := b.lines[id]
	if !ok {
		return domain.RecipeLine{}, domain.NotFoundError{Entity: domain.EntityRecipeLine, ID: id}
	}
	line.CustomKilograms = &kg
	line.UpdatedAt = b.now()
	b.lines[id] = line
	return line, nil
}

// capture snapshots stage and appends the change records against its
// previous snapshot. Callers hold b.mu.
func (b *Backend) capture(stage domain.StageID) {
	b.nextSnapshot++
	snap := domain.NewSnapshot(b.nextSnapshot, b.stages[stage], b.stageLines(stage), b.now())
	prev := domain.HistoricalSnapshot{StageID: stage}
	if id, ok := b.latest[stage]; ok {
		prev = b.snapshots[id]
	}
	b.snapshots[snap.ID] = snap
	b.latest[stage] = snap.ID
	for _, rec := range domain.DiffCompositions(prev, snap) {
		b.nextRecord++
		rec.ID = b.nextRecord
		b.records = append(b.records, rec)
	}
}

// QuerySnapshots implements domain.HistoryService.
func (b *Backend) QuerySnapshots(ctx context.Context, stage domain.StageID, from, to time.Time) ([]domain.IngredientChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.IngredientChangeRecord
	for _, rec := range b.records {
		if b.snapshots[rec.SnapshotID].StageID != stage {
			continue
		}
		if rec.CreatedAt.Before(from) || !rec.CreatedAt.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// FetchSnapshotDetail implements domain.HistoryService.
func (b *Backend) FetchSnapshotDetail(ctx context.Context, id domain.SnapshotID) (domain.HistoricalSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return domain.HistoricalSnapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[id]
	if !ok {
		return domain.HistoricalSnapshot{}, domain.NotFoundError{Entity: domain.EntitySnapshot, ID: id}
	}
	snap.Ingredients = append([]domain.SnapshotIngredient(nil), snap.Ingredients...)
	return snap, nil
}

// RestoreSnapshot implements domain.HistoryService. The stage's lines are
// replaced by the snapshot composition under fresh IDs and a new snapshot is
// captured.
func (b *Backend) RestoreSnapshot(ctx context.Context, id domain.SnapshotID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntitySnapshot, ID: id}
	}
	for lineID, l := range b.lines {
		if l.StageID == snap.StageID {
			delete(b.lines, lineID)
		}
	}
	now := b.now()
	for _, l := range domain.LinesFromSnapshot(snap) {
		b.nextLine++
		l.ID = b.nextLine
		l.CreatedAt, l.UpdatedAt = now, now
		b.lines[l.ID] = l
	}
	b.capture(snap.StageID)
	return nil
}

// Snapshots lists the snapshot IDs of stage, oldest first.
func (b *Backend) Snapshots(stage domain.StageID) []domain.SnapshotID {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.SnapshotID
	for id, snap := range b.snapshots {
		if snap.StageID == stage {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
