package config

import (
	"feedformula/internal/blob"
	"feedformula/internal/core"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(nil)})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "" || cfg.Storage.Driver != core.StorageSQLite || cfg.Blob.Driver != blob.DriverFilesystem {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.ExportSource != "csv" || !cfg.VATRate.Equal(core.DefaultVATRate) || len(cfg.Stages) != 5 || cfg.Products != nil {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadLayersDotenvUnderProcessEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", strings.Join([]string{
		"FEEDFORMULA_API_URL=http://dotenv.example/api",
		"FEEDFORMULA_API_TOKEN=from-dotenv",
		"FEEDFORMULA_STORAGE_DRIVER=memory",
		"FEEDFORMULA_VAT_RATE=0.12",
		"FEEDFORMULA_API_TIMEOUT=5s",
	}, "\n"))
	cfg, err := Load(Options{
		EnvFiles: []string{envFile, filepath.Join(dir, "missing.env")},
		Lookup: envMap(map[string]string{
			"FEEDFORMULA_API_URL":       "https://feed.example/api",
			"FEEDFORMULA_EXPORT_SOURCE": "Remote",
		}),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIURL != "https://feed.example/api" || cfg.APIToken != "from-dotenv" {
		t.Fatalf("process env should win over .env: %+v", cfg)
	}
	if cfg.Storage.Driver != core.StorageMemory || cfg.VATRate.String() != "0.12" || cfg.APITimeout != 5*time.Second || cfg.ExportSource != "remote" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"vat not a number":      {"FEEDFORMULA_VAT_RATE": "abc"},
		"vat out of range":      {"FEEDFORMULA_VAT_RATE": "1.5"},
		"timeout":               {"FEEDFORMULA_API_TIMEOUT": "soon"},
		"export source":         {"FEEDFORMULA_EXPORT_SOURCE": "pdf"},
		"remote export offline": {"FEEDFORMULA_EXPORT_SOURCE": "remote"},
		"s3 without bucket":     {"FEEDFORMULA_BLOB_DRIVER": "s3"},
		"missing catalogue":     {"FEEDFORMULA_CONFIG_FILE": "/nonexistent/feed.yaml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(env)}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadCatalogueFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "feed.yaml", `
stages:
  - {id: 1, name: Inicio, start_week: 1, end_week: 6}
  - {id: 2, name: Engorde}
products:
  - {id: 10, name: " Maiz ", price_per_kilo: "1.20", category: Cereales}
  - {id: 11, name: Soya, price_per_kilo: "1.80", active: false}
`)
	cfg, err := Load(Options{EnvFiles: []string{}, Lookup: envMap(map[string]string{"FEEDFORMULA_CONFIG_FILE": path})})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Stages) != 2 || cfg.Stages[0].Name != "Inicio" || cfg.Stages[0].EndWeek != 6 {
		t.Fatalf("unexpected stages %+v", cfg.Stages)
	}
	if len(cfg.Products) != 2 || cfg.Products[0].Name != "Maiz" || cfg.Products[0].PricePerKilo.String() != "1.2" || !cfg.Products[0].Active {
		t.Fatalf("unexpected products %+v", cfg.Products)
	}
	if cfg.Products[1].Active {
		t.Fatalf("active flag ignored: %+v", cfg.Products[1])
	}

	productsOnly := writeFile(t, dir, "products.yaml", "products:\n  - {id: 1, name: Maiz, price_per_kilo: \"1\"}\n")
	cfg, err = Load(Options{EnvFiles: []string{}, Lookup: envMap(nil), ConfigFile: productsOnly})
	if err != nil || len(cfg.Stages) != 5 || len(cfg.Products) != 1 {
		t.Fatalf("stages should fall back to defaults: %+v %v", cfg.Stages, err)
	}
}

func TestParseCatalogueValidation(t *testing.T) {
	cases := map[string]string{
		"stage id":        "stages: [{id: 0, name: X}]",
		"stage name":      "stages: [{id: 1, name: \" \"}]",
		"stage duplicate": "stages: [{id: 1, name: A}, {id: 1, name: B}]",
		"stage weeks":     "stages: [{id: 1, name: A, start_week: 9, end_week: 2}]",
		"product id":      "products: [{id: -1, name: A, price_per_kilo: \"1\"}]",
		"product price":   "products: [{id: 1, name: A, price_per_kilo: cheap}]",
		"product dup":     "products: [{id: 1, name: A, price_per_kilo: \"1\"}, {id: 1, name: B, price_per_kilo: \"2\"}]",
		"unknown field":   "stages: [{id: 1, name: A, colour: red}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseCatalogue([]byte(doc)); err == nil {
				t.Fatalf("expected error for %s", doc)
			}
		})
	}
	if cat, err := ParseCatalogue(nil); err != nil || len(cat.Stages) != 0 {
		t.Fatalf("empty document should parse: %+v %v", cat, err)
	}
}
