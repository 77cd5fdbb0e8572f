package core

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestStorageOptionsFromEnv(t *testing.T) {
	t.Setenv("FEEDFORMULA_STORAGE_DRIVER", " Postgres ")
	t.Setenv("FEEDFORMULA_SQLITE_PATH", "/tmp/ignored.db")
	t.Setenv("FEEDFORMULA_POSTGRES_DSN", "postgres://feed@db/feedformula")
	opts := StorageOptionsFromEnv()
	if opts.Driver != StoragePostgres {
		t.Fatalf("expected postgres driver, got %q", opts.Driver)
	}
	if opts.PostgresDSN != "postgres://feed@db/feedformula" || opts.SQLitePath != "/tmp/ignored.db" {
		t.Fatalf("unexpected options %+v", opts)
	}

	t.Setenv("FEEDFORMULA_STORAGE_DRIVER", "")
	if got := StorageOptionsFromEnv().Driver; got != StorageSQLite {
		t.Fatalf("expected sqlite default, got %q", got)
	}
}

func TestOpenPersistentStore(t *testing.T) {
	ctx := context.Background()
	mem, err := OpenPersistentStore(ctx, StorageOptions{Driver: StorageMemory}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	svc := NewService(mem, staticCatalog(fixtureProducts()), nil)
	if len(svc.Lines(AllStages)) != 0 {
		t.Fatalf("expected empty memory store")
	}

	path := filepath.Join(t.TempDir(), "cache", "feed.db")
	store, err := OpenPersistentStore(ctx, StorageOptions{Driver: StorageSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	if closer, ok := store.(io.Closer); ok {
		t.Cleanup(func() { _ = closer.Close() })
	} else {
		t.Fatalf("expected sqlite store to be closable")
	}

	if _, err := OpenPersistentStore(ctx, StorageOptions{Driver: "mongo"}, nil); err == nil || !strings.Contains(err.Error(), "unknown storage driver") {
		t.Fatalf("expected unknown driver error, got %v", err)
	}
}

func TestSQLiteBackedServiceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "feed.db")
	open := func() (PersistentStore, func()) {
		store, err := OpenPersistentStore(ctx, StorageOptions{Driver: StorageSQLite, SQLitePath: path}, nil)
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return store, func() { _ = store.(io.Closer).Close() }
	}

	store, closeFirst := open()
	f := newFixture(t)
	svc := NewService(store, f.remote, f.remote)
	mustAdd(t, svc, 2, 1, "45.5")
	if err := svc.SetCapacity(ctx, 2, dec("800")); err != nil {
		t.Fatalf("set capacity: %v", err)
	}
	closeFirst()

	reopened, closeSecond := open()
	defer closeSecond()
	lines := reopened.ListLines(2)
	if len(lines) != 1 || !lines[0].Percentage.Equal(dec("45.5")) {
		t.Fatalf("expected persisted line, got %+v", lines)
	}
	if kg, ok := reopened.Capacity(2); !ok || !kg.Equal(dec("800")) {
		t.Fatalf("expected persisted capacity, got %s %v", kg, ok)
	}
	if got := reopened.Totals(2).CapacityKilograms; !got.Equal(dec("800")) {
		t.Fatalf("expected totals annotated with capacity, got %s", got)
	}
}
