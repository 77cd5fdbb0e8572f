package core

import (
	"context"
	"errors"
	"feedformula/internal/infra/persistence/memory"
	"feedformula/pkg/domain"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Service owns the local recipe cache and keeps it in step with the remote
// recipe store. Every mutation is sent to the remote first and only applied
// locally once the remote confirmed it.
type Service struct {
	store    PersistentStore
	catalog  domain.Catalog
	backend  domain.RecipeBackend
	exporter domain.Exporter
	stages   []Stage
	vatRate  decimal.Decimal

	clock   Clock
	logger  Logger
	audit   AuditRecorder
	metrics MetricsRecorder
	tracer  Tracer
}

// LineInput is one entry of a batch add.
type LineInput struct {
	ProductID  ProductID
	Percentage decimal.Decimal
}

// NewService constructs a service backed by the supplied store and remote collaborators.
func NewService(store PersistentStore, catalog domain.Catalog, backend domain.RecipeBackend, opts ...ServiceOption) *Service {
	o := defaultServiceOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Service{
		store:    store,
		catalog:  catalog,
		backend:  backend,
		exporter: o.exporter,
		stages:   o.stages,
		vatRate:  o.vatRate,
		clock:    o.clock,
		logger:   o.logger,
		audit:    o.audit,
		metrics:  o.metrics,
		tracer:   o.tracer,
	}
}

// NewInMemoryService creates a service over a fresh in-memory store. A nil
// engine installs the default rule set.
func NewInMemoryService(engine *RulesEngine, catalog domain.Catalog, backend domain.RecipeBackend, opts ...ServiceOption) *Service {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	return NewService(memory.NewStore(engine), catalog, backend, opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore {
	return s.store
}

// Logger returns the configured logger.
func (s *Service) Logger() Logger {
	return s.logger
}

var operationMetadata = map[string]struct {
	entity EntityType
	action Action
}{
	"add_line":                  {EntityRecipeLine, ActionCreate},
	"add_lines":                 {EntityRecipeLine, ActionCreate},
	"update_line":               {EntityRecipeLine, ActionUpdate},
	"remove_line":               {EntityRecipeLine, ActionDelete},
	"replace_stage_composition": {EntityStageComposition, ActionReplace},
	"reload":                    {EntityStageComposition, ActionReplace},
	"restore_snapshot":          {EntityStageComposition, ActionReplace},
	"set_capacity":              {EntityCustomCapacity, ActionUpdate},
}

// run wraps an operation with tracing, metrics, logging and auditing. fn
// returns the identifier of the affected record for the audit trail.
func (s *Service) run(ctx context.Context, op string, stage StageID, fn func(context.Context) (string, error)) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, op)
	entityID, err := fn(ctx)
	duration := time.Since(started)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)
	if err != nil {
		s.logger.Error("operation failed", "operation", op, "stage", int(stage), "error", err)
	} else {
		s.logger.Debug("operation completed", "operation", op, "stage", int(stage), "entity_id", entityID, "duration", duration)
	}
	s.recordAudit(ctx, op, stage, entityID, duration, err)
	return err
}

func (s *Service) recordAudit(ctx context.Context, op string, stage StageID, entityID string, duration time.Duration, err error) {
	meta, ok := operationMetadata[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		StageID:   stage,
		Status:    AuditStatusSuccess,
		Duration:  duration,
		Timestamp: s.clock.Now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// commit runs fn in a store transaction and logs non-blocking rule results.
func (s *Service) commit(ctx context.Context, fn func(Transaction) error) error {
	res, err := s.store.RunInTransaction(ctx, fn)
	for _, v := range res.Warnings() {
		s.logger.Warn("rule warning", "rule", v.Rule, "stage", int(v.StageID), "message", v.Message)
	}
	return err
}

// Stages returns the stage catalogue in display order.
func (s *Service) Stages() []Stage {
	return append([]Stage(nil), s.stages...)
}

// Stage looks up a stage by ID.
func (s *Service) Stage(id StageID) (Stage, bool) {
	for _, st := range s.stages {
		if st.ID == id {
			return st, true
		}
	}
	return Stage{}, false
}

// StageByName looks up a stage by its display name, ignoring case.
func (s *Service) StageByName(name string) (Stage, bool) {
	name = strings.TrimSpace(name)
	for _, st := range s.stages {
		if strings.EqualFold(st.Name, name) {
			return st, true
		}
	}
	return Stage{}, false
}

func (s *Service) requireStage(id StageID) (Stage, error) {
	st, ok := s.Stage(id)
	if !ok {
		return Stage{}, NotFoundError{Entity: EntityStage, ID: id}
	}
	return st, nil
}

// Lines returns the cached lines of stage; AllStages returns every line.
func (s *Service) Lines(stage StageID) []RecipeLine {
	return s.store.ListLines(stage)
}

// Totals returns the aggregates of stage as computed at the last commit.
func (s *Service) Totals(stage StageID) StageTotals {
	return s.store.Totals(stage)
}

// ActionsAllowed reports whether add, capacity and export actions are open for stage.
func (s *Service) ActionsAllowed(stage StageID) bool {
	return domain.ActionsAllowed(s.store.Totals(stage))
}

func (s *Service) requireActionsAllowed(stage StageID) error {
	totals := s.store.Totals(stage)
	if domain.ActionsAllowed(totals) {
		return nil
	}
	return ValidationError{
		Field:   "stage_id",
		Message: fmt.Sprintf("stage %d is at %s%%; actions are closed from %s%%", stage, totals.TotalPercentage.StringFixed(domain.PercentagePlaces), domain.ActionGateCeiling),
	}
}

func (s *Service) products(ctx context.Context) ([]Product, error) {
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, RemoteError{Op: "list_products", Err: err}
	}
	return products, nil
}

func (s *Service) product(ctx context.Context, id ProductID) (Product, error) {
	products, err := s.products(ctx)
	if err != nil {
		return Product{}, err
	}
	for _, p := range products {
		if p.ID == id {
			return p, nil
		}
	}
	return Product{}, NotFoundError{Entity: EntityProduct, ID: id}
}

// AvailableProducts lists active catalog products not yet used in stage, by name.
func (s *Service) AvailableProducts(ctx context.Context, stage StageID) ([]Product, error) {
	if _, err := s.requireStage(stage); err != nil {
		return nil, err
	}
	products, err := s.products(ctx)
	if err != nil {
		return nil, err
	}
	used := make(map[ProductID]struct{})
	for _, l := range s.store.ListLines(stage) {
		used[l.ProductID] = struct{}{}
	}
	out := make([]Product, 0, len(products))
	for _, p := range products {
		if _, taken := used[p.ID]; taken || !p.Active {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AddLine adds product to stage at pct percent of a tonne.
func (s *Service) AddLine(ctx context.Context, stage StageID, product ProductID, pct decimal.Decimal) (RecipeLine, error) {
	var created RecipeLine
	err := s.run(ctx, "add_line", stage, func(ctx context.Context) (string, error) {
		pct = domain.NormalizePercentage(pct)
		if err := s.checkAdd(ctx, stage, []LineInput{{ProductID: product, Percentage: pct}}); err != nil {
			return "", err
		}
		p, err := s.product(ctx, product)
		if err != nil {
			return "", err
		}
		created, err = s.addLine(ctx, stage, p, pct)
		return formatID(created.ID), err
	})
	return created, err
}

// AddLines adds several products to stage. The whole batch is validated before
// any remote call; a remote failure stops the batch and the lines already
// confirmed are returned with the error.
func (s *Service) AddLines(ctx context.Context, stage StageID, inputs []LineInput) ([]RecipeLine, error) {
	var added []RecipeLine
	err := s.run(ctx, "add_lines", stage, func(ctx context.Context) (string, error) {
		if len(inputs) == 0 {
			return "", ValidationError{Field: "lines", Message: "at least one line is required"}
		}
		normalized := make([]LineInput, len(inputs))
		for i, in := range inputs {
			normalized[i] = LineInput{ProductID: in.ProductID, Percentage: domain.NormalizePercentage(in.Percentage)}
		}
		if err := s.checkAdd(ctx, stage, normalized); err != nil {
			return "", err
		}
		products, err := s.products(ctx)
		if err != nil {
			return "", err
		}
		byID := make(map[ProductID]Product, len(products))
		for _, p := range products {
			byID[p.ID] = p
		}
		resolved := make([]Product, len(normalized))
		for i, in := range normalized {
			p, ok := byID[in.ProductID]
			if !ok {
				return "", NotFoundError{Entity: EntityProduct, ID: in.ProductID}
			}
			resolved[i] = p
		}
		for i, in := range normalized {
			line, err := s.addLine(ctx, stage, resolved[i], in.Percentage)
			if err != nil {
				return "", fmt.Errorf("added %d of %d lines: %w", len(added), len(normalized), err)
			}
			added = append(added, line)
		}
		return strconv.Itoa(len(added)), nil
	})
	return added, err
}

// checkAdd validates a batch of new lines against stage state without side effects.
func (s *Service) checkAdd(ctx context.Context, stage StageID, inputs []LineInput) error {
	if _, err := s.requireStage(stage); err != nil {
		return err
	}
	if err := s.requireActionsAllowed(stage); err != nil {
		return err
	}
	return s.store.View(ctx, func(view TransactionView) error {
		batch := decimal.Zero
		seen := make(map[ProductID]struct{}, len(inputs))
		for _, in := range inputs {
			if err := domain.ValidatePercentage(in.Percentage); err != nil {
				return err
			}
			if _, dup := seen[in.ProductID]; dup {
				return ValidationError{Field: "product_id", Message: fmt.Sprintf("product %d listed more than once", in.ProductID)}
			}
			seen[in.ProductID] = struct{}{}
			if existing, ok := view.FindLineByProduct(stage, in.ProductID); ok {
				return ValidationError{Field: "product_id", Message: fmt.Sprintf("%s is already in stage %d", existing.ProductName, stage)}
			}
			batch = batch.Add(in.Percentage)
		}
		total := view.Totals(stage).TotalPercentage
		if domain.ExceedsLineCeiling(total.Add(batch)) {
			return ValidationError{
				Field:   "percentage",
				Message: fmt.Sprintf("stage total would be %s%%, above %s%%", total.Add(batch).StringFixed(domain.PercentagePlaces), domain.LineTotalCeiling),
			}
		}
		return nil
	})
}

func (s *Service) addLine(ctx context.Context, stage StageID, product Product, pct decimal.Decimal) (RecipeLine, error) {
	remote, err := s.backend.CreateLine(ctx, domain.LineDraft{StageID: stage, ProductID: product.ID, Percentage: pct})
	if err != nil {
		return RecipeLine{}, RemoteError{Op: "create_line", Err: err}
	}
	line := remote
	line.StageID = stage
	line.ProductID = product.ID
	if line.ProductName == "" {
		line.ProductName = product.Name
	}
	if line.Percentage.IsZero() {
		line.Percentage = pct
	}
	line.Percentage = domain.NormalizePercentage(line.Percentage)
	if line.CostWithoutTax.IsZero() && line.CostWithTax.IsZero() {
		line.CostWithoutTax, line.CostWithTax = domain.LineCosts(line.Percentage, product.PricePerKilo, s.vatRate)
	}
	var created RecipeLine
	err = s.commit(ctx, func(tx Transaction) error {
		var err error
		created, err = tx.CreateLine(line)
		return err
	})
	if err == nil {
		return created, nil
	}
	// The remote holds the line, so the cache is the side that is wrong.
	s.logger.Warn("remote line created but local insert failed; reloading", "line_id", int64(remote.ID), "stage", int(stage), "error", err)
	if _, rerr := s.reload(ctx); rerr != nil {
		s.logger.Error("reload after failed insert", "line_id", int64(remote.ID), "error", rerr)
		return RecipeLine{}, fmt.Errorf("remote line %d created but not cached: %w", remote.ID, errors.Join(err, rerr))
	}
	if cached, ok := s.store.GetLine(remote.ID); ok {
		return cached, nil
	}
	return RecipeLine{}, err
}

// remoteLine returns the cached line for id in a form that can be sent to the
// remote. A line carrying a cache ID is resolved by reloading and matching
// its stage and product.
func (s *Service) remoteLine(ctx context.Context, id LineID) (RecipeLine, error) {
	current, ok := s.store.GetLine(id)
	if !ok {
		return RecipeLine{}, NotFoundError{Entity: EntityRecipeLine, ID: id}
	}
	if !id.Local() {
		return current, nil
	}
	s.logger.Info("line has no remote id; reloading", "line_id", int64(id), "stage", int(current.StageID))
	if _, err := s.reload(ctx); err != nil {
		return RecipeLine{}, err
	}
	var found RecipeLine
	err := s.store.View(ctx, func(view TransactionView) error {
		l, ok := view.FindLineByProduct(current.StageID, current.ProductID)
		if !ok || l.ID.Local() {
			return NotFoundError{Entity: EntityRecipeLine, ID: id}
		}
		found = l
		return nil
	})
	return found, err
}

// UpdateLine changes the percentage of an existing line.
func (s *Service) UpdateLine(ctx context.Context, id LineID, pct decimal.Decimal) (RecipeLine, error) {
	var updated RecipeLine
	var stage StageID
	if current, ok := s.store.GetLine(id); ok {
		stage = current.StageID
	}
	err := s.run(ctx, "update_line", stage, func(ctx context.Context) (string, error) {
		pct = domain.NormalizePercentage(pct)
		if err := domain.ValidatePercentage(pct); err != nil {
			return "", err
		}
		current, err := s.remoteLine(ctx, id)
		if err != nil {
			return "", err
		}
		id := current.ID
		total := s.store.Totals(current.StageID).TotalPercentage
		next := total.Sub(current.Percentage).Add(pct)
		if domain.ExceedsLineCeiling(next) {
			return "", ValidationError{
				Field:   "percentage",
				Message: fmt.Sprintf("stage total would be %s%%, above %s%%", next.StringFixed(domain.PercentagePlaces), domain.LineTotalCeiling),
			}
		}
		remote, err := s.backend.PatchLine(ctx, id, domain.LinePatch{Percentage: pct})
		if err != nil {
			return "", RemoteError{Op: "patch_line", Err: err}
		}
		without, with := remote.CostWithoutTax, remote.CostWithTax
		if without.IsZero() && with.IsZero() {
			without, with = scaleCosts(current, pct)
		}
		err = s.commit(ctx, func(tx Transaction) error {
			var err error
			updated, err = tx.UpdateLine(id, func(l *RecipeLine) error {
				l.Percentage = pct
				l.CostWithoutTax = without
				l.CostWithTax = with
				if remote.CustomKilograms != nil {
					kg := *remote.CustomKilograms
					l.CustomKilograms = &kg
				}
				return nil
			})
			return err
		})
		return formatID(id), err
	})
	return updated, err
}

// scaleCosts reprices a line for a new percentage using its current price per point.
func scaleCosts(current RecipeLine, pct decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if current.Percentage.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	factor := pct.Div(current.Percentage)
	return current.CostWithoutTax.Mul(factor).Round(2), current.CostWithTax.Mul(factor).Round(2)
}

// RemoveLine deletes a line remotely and then from the local cache.
func (s *Service) RemoveLine(ctx context.Context, id LineID) error {
	var stage StageID
	if current, ok := s.store.GetLine(id); ok {
		stage = current.StageID
	}
	return s.run(ctx, "remove_line", stage, func(ctx context.Context) (string, error) {
		current, err := s.remoteLine(ctx, id)
		if err != nil {
			return "", err
		}
		id := current.ID
		if err := s.backend.DeleteLine(ctx, id); err != nil {
			return "", RemoteError{Op: "delete_line", Err: err}
		}
		return formatID(id), s.commit(ctx, func(tx Transaction) error {
			return tx.DeleteLine(id)
		})
	})
}

// ReplaceStageComposition atomically swaps every line of stage for lines. The
// 100% ceiling does not apply; product uniqueness does. The swap is local:
// installed lines get cache IDs until the next Reload, and line edits on them
// reload first.
func (s *Service) ReplaceStageComposition(ctx context.Context, stage StageID, lines []RecipeLine) ([]RecipeLine, error) {
	var installed []RecipeLine
	err := s.run(ctx, "replace_stage_composition", stage, func(ctx context.Context) (string, error) {
		var err error
		installed, err = s.replaceStage(ctx, stage, lines)
		return strconv.Itoa(int(stage)), err
	})
	return installed, err
}

func (s *Service) replaceStage(ctx context.Context, stage StageID, lines []RecipeLine) ([]RecipeLine, error) {
	if _, err := s.requireStage(stage); err != nil {
		return nil, err
	}
	normalized := make([]RecipeLine, len(lines))
	for i, l := range lines {
		l.StageID = stage
		l.Percentage = domain.NormalizePercentage(l.Percentage)
		normalized[i] = l
	}
	var installed []RecipeLine
	err := s.commit(ctx, func(tx Transaction) error {
		var err error
		installed, err = tx.ReplaceStageLines(stage, normalized)
		return err
	})
	return installed, err
}

// Reload refetches every remote line and replaces the local cache in one
// transaction. Lines naming a product only by name are resolved against the
// catalog; lines whose product cannot be resolved are skipped.
func (s *Service) Reload(ctx context.Context) error {
	return s.run(ctx, "reload", AllStages, func(ctx context.Context) (string, error) {
		n, err := s.reload(ctx)
		return strconv.Itoa(n), err
	})
}

func (s *Service) reload(ctx context.Context) (int, error) {
	var (
		products []Product
		remote   []RecipeLine
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		products, err = s.products(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		remote, err = s.backend.ListLines(gctx, AllStages)
		if err != nil {
			return RemoteError{Op: "list_lines", Err: err}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return 0, err
	}
	lines := s.resolveLines(remote, products)
	if err := s.commit(ctx, func(tx Transaction) error {
		return tx.ReplaceAllLines(lines)
	}); err != nil {
		return 0, err
	}
	return len(lines), nil
}

func (s *Service) resolveLines(remote []RecipeLine, products []Product) []RecipeLine {
	byID := make(map[ProductID]Product, len(products))
	byName := make(map[string]Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
		byName[strings.ToLower(strings.TrimSpace(p.Name))] = p
	}
	out := make([]RecipeLine, 0, len(remote))
	for _, l := range remote {
		if l.ProductID == 0 {
			p, ok := byName[strings.ToLower(strings.TrimSpace(l.ProductName))]
			if !ok {
				s.logger.Warn("skipping line with unknown product", "line_id", int64(l.ID), "product", l.ProductName)
				continue
			}
			l.ProductID = p.ID
		}
		if l.ProductName == "" {
			if p, ok := byID[l.ProductID]; ok {
				l.ProductName = p.Name
			}
		}
		l.Percentage = domain.NormalizePercentage(l.Percentage)
		out = append(out, l)
	}
	return out
}

func formatID[T ~int | ~int64](id T) string {
	return strconv.FormatInt(int64(id), 10)
}

// IsValidation reports whether err rejected a mutation.
func IsValidation(err error) bool { return errors.Is(err, domain.ErrValidation) }

// IsNotFound reports whether err references a missing record.
func IsNotFound(err error) bool { return errors.Is(err, domain.ErrNotFound) }

// IsRemote reports whether err came from a remote collaborator.
func IsRemote(err error) bool { return errors.Is(err, domain.ErrRemote) }
