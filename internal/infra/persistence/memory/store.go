// Package memory provides an in-memory implementation of the recipe
// persistence store used for tests and as the base of the snapshotting stores.
package memory

import (
	"context"
	"feedformula/pkg/domain"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// RecipeLine aliases domain.RecipeLine for in-memory persistence operations.
	RecipeLine = domain.RecipeLine
	// StageID aliases domain.StageID.
	StageID = domain.StageID
	// LineID aliases domain.LineID.
	LineID = domain.LineID
	// StageTotals aliases domain.StageTotals.
	StageTotals = domain.StageTotals
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	lines      map[LineID]RecipeLine
	capacities map[StageID]decimal.Decimal
	totals     map[StageID]StageTotals
	// localID is the last ID minted by the cache. Cache IDs count down from
	// -1 so they never collide with the positive IDs the remote assigns.
	localID LineID
}

// Snapshot captures a point-in-time clone of the store state. Totals are
// derived and never part of it.
type Snapshot struct {
	Lines      map[LineID]RecipeLine       `json:"lines"`
	Capacities map[StageID]decimal.Decimal `json:"capacities"`
}

// BucketNames lists the snapshot buckets in persistence order.
var BucketNames = []string{"lines", "capacities"}

// Buckets maps each bucket name to the snapshot field backing it, for JSON
// encoding into and decoding out of a key/value table.
func (s *Snapshot) Buckets() map[string]any {
	return map[string]any{
		"lines":      &s.Lines,
		"capacities": &s.Capacities,
	}
}

func newMemoryState() memoryState {
	return memoryState{
		lines:      make(map[LineID]RecipeLine),
		capacities: make(map[StageID]decimal.Decimal),
		totals:     make(map[StageID]StageTotals),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.lines {
		cloned.lines[k] = cloneLine(v)
	}
	for k, v := range s.capacities {
		cloned.capacities[k] = v
	}
	for k, v := range s.totals {
		cloned.totals[k] = v
	}
	cloned.localID = s.localID
	return cloned
}

func cloneLine(l RecipeLine) RecipeLine {
	cp := l
	if l.CustomKilograms != nil {
		kg := *l.CustomKilograms
		cp.CustomKilograms = &kg
	}
	return cp
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	s := Snapshot{
		Lines:      make(map[LineID]RecipeLine, len(state.lines)),
		Capacities: make(map[StageID]decimal.Decimal, len(state.capacities)),
	}
	for k, v := range state.lines {
		s.Lines[k] = cloneLine(v)
	}
	for k, v := range state.capacities {
		s.Capacities[k] = v
	}
	return s
}

func memoryStateFromSnapshot(snapshot Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range snapshot.Lines {
		v.ID = k
		state.lines[k] = cloneLine(v)
		if k < state.localID {
			state.localID = k
		}
	}
	for k, v := range snapshot.Capacities {
		if v.IsPositive() {
			state.capacities[k] = v
		}
	}
	state.recomputeTotals()
	return state
}

// recomputeTotals rebuilds every stage aggregate from the current line set.
func (s *memoryState) recomputeTotals() {
	lines := make([]RecipeLine, 0, len(s.lines))
	for _, l := range s.lines {
		lines = append(lines, l)
	}
	totals := make(map[StageID]StageTotals, len(s.capacities)+1)
	for _, stage := range s.stageIDs() {
		totals[stage] = domain.ComputeTotals(lines, stage, s.capacities[stage])
	}
	totals[domain.AllStages] = domain.ComputeTotals(lines, domain.AllStages, decimal.Zero)
	s.totals = totals
}

func (s memoryState) stageIDs() []StageID {
	seen := make(map[StageID]struct{})
	for _, l := range s.lines {
		seen[l.StageID] = struct{}{}
	}
	for stage := range s.capacities {
		seen[stage] = struct{}{}
	}
	out := make([]StageID, 0, len(seen))
	for stage := range seen {
		out = append(out, stage)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s memoryState) listLines(stage StageID) []RecipeLine {
	out := make([]RecipeLine, 0, len(s.lines))
	for _, l := range s.lines {
		if stage != domain.AllStages && l.StageID != stage {
			continue
		}
		out = append(out, cloneLine(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StageID != out[j].StageID {
			return out[i].StageID < out[j].StageID
		}
		if out[i].ProductName != out[j].ProductName {
			return out[i].ProductName < out[j].ProductName
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s memoryState) totalsFor(stage StageID) StageTotals {
	if t, ok := s.totals[stage]; ok {
		return t
	}
	return StageTotals{}
}

// Store provides an in-memory transactional store for recipe lines and stage capacities.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used to stamp lines.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) transactionView {
	return transactionView{state: state}
}

// ListLines returns the lines of stage, or every line for AllStages.
func (v transactionView) ListLines(stage StageID) []RecipeLine {
	return v.state.listLines(stage)
}

// FindLine retrieves a line by ID.
func (v transactionView) FindLine(id LineID) (RecipeLine, bool) {
	l, ok := v.state.lines[id]
	if !ok {
		return RecipeLine{}, false
	}
	return cloneLine(l), true
}

// FindLineByProduct retrieves the line of product within stage.
func (v transactionView) FindLineByProduct(stage StageID, product domain.ProductID) (RecipeLine, bool) {
	for _, l := range v.state.lines {
		if l.StageID == stage && l.ProductID == product {
			return cloneLine(l), true
		}
	}
	return RecipeLine{}, false
}

// Capacity returns the custom capacity of stage.
func (v transactionView) Capacity(stage StageID) (decimal.Decimal, bool) {
	c, ok := v.state.capacities[stage]
	return c, ok
}

// Totals computes the stage aggregates over the view's line set.
func (v transactionView) Totals(stage StageID) StageTotals {
	lines := v.state.listLines(stage)
	return domain.ComputeTotals(lines, stage, v.state.capacities[stage])
}

// Stages lists every stage with lines or a capacity.
func (v transactionView) Stages() []StageID {
	return v.state.stageIDs()
}

// RunInTransaction executes fn within a transactional copy of the store state.
// Totals are recomputed as the last step before the copy is committed.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	tx.state.recomputeTotals()
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()

	view := newTransactionView(&snapshot)
	return fn(view)
}

// ListLines returns a stable-ordered copy of the lines of stage.
func (s *Store) ListLines(stage StageID) []RecipeLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.listLines(stage)
}

// GetLine retrieves a line by ID.
func (s *Store) GetLine(id LineID) (RecipeLine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.state.lines[id]
	if !ok {
		return RecipeLine{}, false
	}
	return cloneLine(l), true
}

// Totals returns the aggregates computed at the last commit.
func (s *Store) Totals(stage StageID) StageTotals {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.totalsFor(stage)
}

// Capacity returns the custom capacity of stage.
func (s *Store) Capacity(stage StageID) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.state.capacities[stage]
	return c, ok
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// assignID mints a cache ID for lines that arrive without one.
func (tx *transaction) assignID(l *RecipeLine) {
	if l.ID == 0 {
		tx.state.localID--
		l.ID = tx.state.localID
		return
	}
	if l.ID < tx.state.localID {
		tx.state.localID = l.ID
	}
}

func (tx *transaction) stamp(l *RecipeLine) {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = tx.now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = tx.now
	}
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateLine stores a new line, enforcing one line per stage and product.
func (tx *transaction) CreateLine(l RecipeLine) (RecipeLine, error) {
	if l.StageID == domain.AllStages {
		return RecipeLine{}, domain.ValidationError{Field: "stage_id", Message: "line requires a stage"}
	}
	if l.ID != 0 {
		if _, exists := tx.state.lines[l.ID]; exists {
			return RecipeLine{}, fmt.Errorf("recipe line %d already exists", l.ID)
		}
	}
	if _, exists := newTransactionView(&tx.state).FindLineByProduct(l.StageID, l.ProductID); exists {
		return RecipeLine{}, domain.ValidationError{
			Field:   "product_id",
			Message: fmt.Sprintf("product %d already in stage %d", l.ProductID, l.StageID),
		}
	}
	tx.assignID(&l)
	tx.stamp(&l)
	tx.state.lines[l.ID] = cloneLine(l)
	tx.recordChange(Change{Entity: domain.EntityRecipeLine, Action: domain.ActionCreate, After: cloneLine(l)})
	return cloneLine(l), nil
}

// UpdateLine mutates a line using the provided mutator function.
func (tx *transaction) UpdateLine(id LineID, mutator func(*RecipeLine) error) (RecipeLine, error) {
	current, ok := tx.state.lines[id]
	if !ok {
		return RecipeLine{}, domain.NotFoundError{Entity: domain.EntityRecipeLine, ID: id}
	}
	before := cloneLine(current)
	if err := mutator(&current); err != nil {
		return RecipeLine{}, err
	}
	current.ID = id
	current.StageID = before.StageID
	current.ProductID = before.ProductID
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.lines[id] = cloneLine(current)
	tx.recordChange(Change{Entity: domain.EntityRecipeLine, Action: domain.ActionUpdate, Before: before, After: cloneLine(current)})
	return cloneLine(current), nil
}

// DeleteLine removes a line from the transaction state.
func (tx *transaction) DeleteLine(id LineID) error {
	current, ok := tx.state.lines[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityRecipeLine, ID: id}
	}
	delete(tx.state.lines, id)
	tx.recordChange(Change{Entity: domain.EntityRecipeLine, Action: domain.ActionDelete, Before: cloneLine(current)})
	return nil
}

// ReplaceStageLines discards every line of stage and installs lines in their
// place. Installed lines always get cache IDs: the remote has not confirmed
// them, so they must not be addressed with a remote ID.
func (tx *transaction) ReplaceStageLines(stage StageID, lines []RecipeLine) ([]RecipeLine, error) {
	if stage == domain.AllStages {
		return nil, domain.ValidationError{Field: "stage_id", Message: "replace requires a stage"}
	}
	incoming := make([]RecipeLine, len(lines))
	for i, l := range lines {
		l.StageID = stage
		incoming[i] = l
	}
	if err := domain.ValidateComposition(incoming); err != nil {
		return nil, err
	}
	before := tx.state.listLines(stage)
	for _, l := range before {
		delete(tx.state.lines, l.ID)
	}
	installed := make([]RecipeLine, 0, len(incoming))
	for _, l := range incoming {
		l.ID = 0
		tx.assignID(&l)
		l.CreatedAt, l.UpdatedAt = tx.now, tx.now
		tx.state.lines[l.ID] = cloneLine(l)
		installed = append(installed, cloneLine(l))
	}
	tx.recordChange(Change{Entity: domain.EntityStageComposition, Action: domain.ActionReplace, Before: before, After: installed})
	return installed, nil
}

// ReplaceAllLines swaps the entire line set while keeping stage capacities.
func (tx *transaction) ReplaceAllLines(lines []RecipeLine) error {
	byStage := make(map[StageID][]RecipeLine)
	ids := make(map[LineID]struct{}, len(lines))
	for _, l := range lines {
		if l.StageID == domain.AllStages {
			return domain.ValidationError{Field: "stage_id", Message: fmt.Sprintf("line %d has no stage", l.ID)}
		}
		if l.ID != 0 {
			if _, dup := ids[l.ID]; dup {
				return domain.ValidationError{Field: "id", Message: fmt.Sprintf("line %d appears more than once", l.ID)}
			}
			ids[l.ID] = struct{}{}
		}
		byStage[l.StageID] = append(byStage[l.StageID], l)
	}
	for _, stageLines := range byStage {
		if err := domain.ValidateComposition(stageLines); err != nil {
			return err
		}
	}
	before := tx.state.listLines(domain.AllStages)
	tx.state.lines = make(map[LineID]RecipeLine, len(lines))
	installed := make([]RecipeLine, 0, len(lines))
	for _, l := range lines {
		tx.assignID(&l)
		tx.stamp(&l)
		tx.state.lines[l.ID] = cloneLine(l)
		installed = append(installed, cloneLine(l))
	}
	tx.recordChange(Change{Entity: domain.EntityStageComposition, Action: domain.ActionReplace, Before: before, After: installed})
	return nil
}

// SetCapacity records a stage's custom kilogram capacity.
func (tx *transaction) SetCapacity(stage StageID, kilograms decimal.Decimal) error {
	if stage == domain.AllStages {
		return domain.ValidationError{Field: "stage_id", Message: "capacity requires a stage"}
	}
	if !kilograms.IsPositive() {
		return domain.ValidationError{Field: "kilograms", Message: "capacity must be greater than zero"}
	}
	before, had := tx.state.capacities[stage]
	tx.state.capacities[stage] = kilograms
	action := domain.ActionCreate
	var prev any
	if had {
		action = domain.ActionUpdate
		prev = before
	}
	tx.recordChange(Change{Entity: domain.EntityCustomCapacity, Action: action, Before: prev, After: kilograms})
	return nil
}
