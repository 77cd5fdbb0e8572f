package memory

import (
	"context"
	"errors"
	"feedformula/pkg/domain"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func line(stage domain.StageID, product domain.ProductID, name, pct string) domain.RecipeLine {
	return domain.RecipeLine{StageID: stage, ProductID: product, ProductName: name, Percentage: dec(pct)}
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.Snapshot().FindLine(99); ok {
			t.Fatalf("expected missing line lookup")
		}
		created, err := tx.CreateLine(line(1, 10, "Maiz", "60"))
		if err != nil {
			return err
		}
		if created.ID == 0 {
			t.Fatalf("expected generated ID")
		}
		if len(tx.Snapshot().ListLines(1)) != 1 {
			t.Fatalf("snapshot mismatch")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	if len(store.ListLines(domain.AllStages)) != 1 {
		t.Fatalf("expected persisted line")
	}
	if got := store.Totals(1).TotalKilograms; !got.Equal(dec("600")) {
		t.Fatalf("expected 600 kg, got %s", got)
	}

	snapshot := store.ExportState()
	store.ImportState(Snapshot{})
	if len(store.ListLines(domain.AllStages)) != 0 {
		t.Fatalf("expected cleared state")
	}
	if !store.Totals(1).IsZero() {
		t.Fatalf("expected zero totals after clear")
	}
	store.ImportState(snapshot)
	if len(store.ListLines(domain.AllStages)) != 1 {
		t.Fatalf("expected restored state")
	}
	if !store.Totals(1).TotalPercentage.Equal(dec("60")) {
		t.Fatalf("expected totals rebuilt on import")
	}
	if store.RulesEngine() == nil {
		t.Fatalf("expected rules engine")
	}
}

func TestStoreRuleViolationLeavesStateUntouched(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateLine(line(1, 10, "Maiz", "10"))
		return e
	})
	if err == nil {
		t.Fatalf("expected rule violation error")
	}
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation kind, got %v", err)
	}
	if len(store.ListLines(domain.AllStages)) != 0 {
		t.Fatalf("blocked transaction must not commit")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(context.Context, domain.RuleView, []domain.Change) (domain.Result, error) {
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

func TestCreateLineRejectsDuplicateProductInStage(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateLine(line(1, 10, "Maiz", "10"))
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateLine(line(1, 10, "Maiz", "5"))
		return err
	})
	var verr domain.ValidationError
	if !errors.As(err, &verr) || verr.Field != "product_id" {
		t.Fatalf("expected product uniqueness error, got %v", err)
	}
	// same product in another stage is fine
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateLine(line(2, 10, "Maiz", "5"))
		return err
	}); err != nil {
		t.Fatalf("second stage: %v", err)
	}
}

func TestUpdateAndDeleteLineErrors(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpdateLine(7, func(*domain.RecipeLine) error { return nil }); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found on update, got %v", err)
		}
		if err := tx.DeleteLine(7); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected not found on delete, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	var id domain.LineID
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		created, err := tx.CreateLine(line(1, 10, "Maiz", "10"))
		id = created.ID
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mutErr := errors.New("mutator failed")
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateLine(id, func(l *domain.RecipeLine) error {
			l.Percentage = dec("90")
			return mutErr
		})
		return err
	})
	if !errors.Is(err, mutErr) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	if got, _ := store.GetLine(id); !got.Percentage.Equal(dec("10")) {
		t.Fatalf("failed mutation leaked: %s", got.Percentage)
	}

	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		updated, err := tx.UpdateLine(id, func(l *domain.RecipeLine) error {
			l.Percentage = dec("20")
			l.StageID = 4
			return nil
		})
		if err == nil && updated.StageID != 1 {
			t.Fatalf("stage must be immutable, got %d", updated.StageID)
		}
		return err
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if !store.Totals(1).TotalPercentage.Equal(dec("20")) {
		t.Fatalf("expected totals recomputed after update")
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.DeleteLine(id)
	}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !store.Totals(1).IsZero() {
		t.Fatalf("expected zero totals after delete, got %+v", store.Totals(1))
	}
}

func TestReplaceStageLinesIsIdempotent(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.CreateLine(line(1, 10, "Maiz", "50")); err != nil {
			return err
		}
		_, err := tx.CreateLine(line(2, 11, "Soya", "30"))
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	composition := []domain.RecipeLine{
		line(1, 11, "Soya", "70"),
		line(1, 12, "Afrecho", "45"),
	}
	replace := func() {
		t.Helper()
		if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			_, err := tx.ReplaceStageLines(1, composition)
			return err
		}); err != nil {
			t.Fatalf("replace: %v", err)
		}
	}
	replace()
	first := store.Totals(1)
	replace()
	second := store.Totals(1)
	if !first.Equal(second) {
		t.Fatalf("replace not idempotent: %+v vs %+v", first, second)
	}
	if !second.TotalPercentage.Equal(dec("115")) {
		t.Fatalf("replace must bypass the line ceiling, got %s", second.TotalPercentage)
	}
	if got := store.ListLines(1); len(got) != 2 {
		t.Fatalf("expected two lines in stage 1, got %d", len(got))
	}
	if got := store.ListLines(2); len(got) != 1 {
		t.Fatalf("other stage must be untouched, got %d", len(got))
	}
}

func TestReplaceStageLinesMintsCacheIDs(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.ReplaceAllLines([]domain.RecipeLine{
			{ID: 1, StageID: 1, ProductID: 10, ProductName: "Maiz", Percentage: dec("40")},
			{ID: 2, StageID: 2, ProductID: 11, ProductName: "Soya", Percentage: dec("30")},
		})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var installed []domain.RecipeLine
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		// remote IDs on incoming lines are not trusted
		installed, err = tx.ReplaceStageLines(1, []domain.RecipeLine{
			{ID: 2, StageID: 1, ProductID: 11, ProductName: "Soya", Percentage: dec("20")},
			line(1, 12, "Afrecho", "10"),
		})
		return err
	}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(installed) != 2 || installed[0].ID != -1 || installed[1].ID != -2 {
		t.Fatalf("expected cache IDs -1 and -2, got %+v", installed)
	}
	if l, ok := store.GetLine(2); !ok || l.StageID != 2 {
		t.Fatalf("remote line 2 of stage 2 must be untouched, got %+v", l)
	}

	restored := NewStore(nil)
	restored.ImportState(store.ExportState())
	var created domain.RecipeLine
	if _, err := restored.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateLine(line(3, 10, "Maiz", "5"))
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != -3 {
		t.Fatalf("expected the cache ID sequence to survive export, got %d", created.ID)
	}
}

func TestReplaceStageLinesRejectsDuplicatesAtomically(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateLine(line(1, 10, "Maiz", "50"))
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.ReplaceStageLines(1, []domain.RecipeLine{
			line(1, 11, "Soya", "10"),
			line(1, 11, "Soya", "20"),
		})
		return err
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	lines := store.ListLines(1)
	if len(lines) != 1 || lines[0].ProductID != 10 {
		t.Fatalf("expected original composition intact, got %+v", lines)
	}
}

func TestReplaceAllLinesKeepsCapacities(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.SetCapacity(3, dec("850"))
	}); err != nil {
		t.Fatalf("capacity: %v", err)
	}
	incoming := []domain.RecipeLine{
		{ID: 40, StageID: 3, ProductID: 10, ProductName: "Maiz", Percentage: dec("55")},
		{ID: 41, StageID: 4, ProductID: 10, ProductName: "Maiz", Percentage: dec("60")},
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.ReplaceAllLines(incoming)
	}); err != nil {
		t.Fatalf("replace all: %v", err)
	}
	if _, ok := store.GetLine(40); !ok {
		t.Fatalf("expected remote IDs preserved")
	}
	totals := store.Totals(3)
	if !totals.CapacityKilograms.Equal(dec("850")) {
		t.Fatalf("expected capacity annotation, got %s", totals.CapacityKilograms)
	}
	if !store.Totals(domain.AllStages).TotalPercentage.Equal(dec("115")) {
		t.Fatalf("expected unfiltered total of 115")
	}

	var created domain.RecipeLine
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		created, err = tx.CreateLine(line(5, 12, "Soya", "5"))
		return err
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created.ID.Local() {
		t.Fatalf("expected a cache ID outside the remote range, got %d", created.ID)
	}

	err := func() error {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			return tx.ReplaceAllLines([]domain.RecipeLine{{ID: 1, ProductID: 10}})
		})
		return err
	}()
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected stage validation error, got %v", err)
	}
}

func TestSetCapacityValidation(t *testing.T) {
	store := NewStore(nil)
	ctx := context.Background()
	cases := []struct {
		name  string
		stage domain.StageID
		kg    string
	}{
		{"zero", 1, "0"},
		{"negative", 1, "-4"},
		{"no stage", domain.AllStages, "100"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				return tx.SetCapacity(tc.stage, dec(tc.kg))
			})
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.SetCapacity(1, dec("1200"))
	}); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	kg, ok := store.Capacity(1)
	if !ok || !kg.Equal(dec("1200")) {
		t.Fatalf("expected stored capacity, got %s %v", kg, ok)
	}
	if !store.Totals(1).CapacityKilograms.Equal(dec("1200")) {
		t.Fatalf("expected totals annotated after capacity change")
	}
}

func TestViewIsolatedFromLaterCommits(t *testing.T) {
	store := NewStore(nil)
	fixed := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })
	ctx := context.Background()
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.CreateLine(line(1, 10, "Maiz", "10"))
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := store.View(ctx, func(view domain.TransactionView) error {
		if len(view.Stages()) != 1 {
			t.Fatalf("expected one stage, got %v", view.Stages())
		}
		lines := view.ListLines(1)
		if !lines[0].CreatedAt.Equal(fixed) {
			t.Fatalf("expected stamped creation time")
		}
		if !view.Totals(1).TotalPercentage.Equal(dec("10")) {
			t.Fatalf("unexpected view totals")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSnapshotBucketsCoverEveryName(t *testing.T) {
	var snap Snapshot
	buckets := snap.Buckets()
	for _, name := range BucketNames {
		if _, ok := buckets[name]; !ok {
			t.Fatalf("bucket %s has no target", name)
		}
	}
	if len(buckets) != len(BucketNames) {
		t.Fatalf("bucket names out of sync: %d vs %d", len(buckets), len(BucketNames))
	}
}
