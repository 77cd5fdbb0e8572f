package core

import (
	"context"
	"errors"
	"feedformula/internal/adapters/localapi"
	"feedformula/pkg/domain"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func fixtureProducts() []Product {
	return []Product{
		{ID: 1, Name: "Maiz", PricePerKilo: dec("0.85"), Active: true},
		{ID: 2, Name: "Soya", PricePerKilo: dec("1.20"), Active: true},
		{ID: 3, Name: "Afrecho", PricePerKilo: dec("0.40"), Active: true},
		{ID: 4, Name: "Carbonato", PricePerKilo: dec("0.15"), Active: true},
		{ID: 5, Name: "Harina de pescado", PricePerKilo: dec("2.10"), Active: false},
	}
}

type captureLogger struct {
	mu    sync.Mutex
	calls []string
}

func (c *captureLogger) record(prefix, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, prefix+msg)
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.record("d:", msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.record("i:", msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.record("w:", msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.record("e:", msg) }

func (c *captureLogger) has(entry string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call == entry {
			return true
		}
	}
	return false
}

type fixture struct {
	svc     *Service
	remote  *localapi.Backend
	history *History
	restore *RestoreWorkflow
	log     *captureLogger
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	clk := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clk = clk.Add(time.Minute)
		return clk
	}
	remote := localapi.New(fixtureProducts(), nil, localapi.WithClock(tick))
	log := &captureLogger{}
	all := append([]ServiceOption{WithLogger(log), WithClock(ClockFunc(tick))}, opts...)
	svc := NewInMemoryService(nil, remote, remote, all...)
	history := NewHistory(svc, remote)
	return fixture{
		svc:     svc,
		remote:  remote,
		history: history,
		restore: NewRestoreWorkflow(svc, history),
		log:     log,
	}
}

func mustAdd(t *testing.T, svc *Service, stage StageID, product ProductID, pct string) RecipeLine {
	t.Helper()
	line, err := svc.AddLine(context.Background(), stage, product, dec(pct))
	if err != nil {
		t.Fatalf("add product %d at %s%%: %v", product, pct, err)
	}
	return line
}

var errBackendDown = errors.New("backend down")

// failingBackend fails every mutation while delegating reads.
type failingBackend struct {
	domain.RecipeBackend
}

func (failingBackend) CreateLine(context.Context, domain.LineDraft) (RecipeLine, error) {
	return RecipeLine{}, errBackendDown
}

func (failingBackend) PatchLine(context.Context, LineID, domain.LinePatch) (RecipeLine, error) {
	return RecipeLine{}, errBackendDown
}

func (failingBackend) DeleteLine(context.Context, LineID) error { return errBackendDown }

// flakyLister fails ListLines while failLists is set and delegates everything else.
type flakyLister struct {
	*localapi.Backend
	failLists atomic.Bool
}

func (f *flakyLister) ListLines(ctx context.Context, stage StageID) ([]RecipeLine, error) {
	if f.failLists.Load() {
		return nil, errBackendDown
	}
	return f.Backend.ListLines(ctx, stage)
}

// sameComposition compares two line sets by product and percentage.
func sameComposition(a, b []RecipeLine) bool {
	if len(a) != len(b) {
		return false
	}
	want := make(map[ProductID]decimal.Decimal, len(a))
	for _, l := range a {
		want[l.ProductID] = l.Percentage
	}
	for _, l := range b {
		pct, ok := want[l.ProductID]
		if !ok || !pct.Equal(l.Percentage) {
			return false
		}
	}
	return true
}

type staticCatalog []Product

func (c staticCatalog) ListProducts(context.Context) ([]Product, error) { return c, nil }

// scriptedHistory returns canned history responses.
type scriptedHistory struct {
	records   []ChangeRecord
	snapshots map[SnapshotID]HistoricalSnapshot
	restoreFn func(context.Context, SnapshotID) error
	from, to  time.Time
}

func (h *scriptedHistory) QuerySnapshots(_ context.Context, _ StageID, from, to time.Time) ([]ChangeRecord, error) {
	h.from, h.to = from, to
	return h.records, nil
}

func (h *scriptedHistory) FetchSnapshotDetail(_ context.Context, id SnapshotID) (HistoricalSnapshot, error) {
	snap, ok := h.snapshots[id]
	if !ok {
		return HistoricalSnapshot{}, NotFoundError{Entity: EntitySnapshot, ID: id}
	}
	return snap, nil
}

func (h *scriptedHistory) RestoreSnapshot(ctx context.Context, id SnapshotID) error {
	if h.restoreFn != nil {
		return h.restoreFn(ctx, id)
	}
	return nil
}
