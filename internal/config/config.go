// Package config assembles runtime settings for feedctl from a .env file,
// FEEDFORMULA_* environment variables and an optional YAML catalogue file.
// Process environment wins over .env values.
package config

import (
	"errors"
	"feedformula/internal/blob"
	"feedformula/internal/core"
	"feedformula/pkg/domain"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the resolved runtime configuration.
type Config struct {
	// APIURL selects the remote API. Empty runs against the in-process backend.
	APIURL     string
	APIToken   string
	APITimeout time.Duration

	Storage core.StorageOptions
	Blob    blob.Options
	// ExportSource is "csv" (render locally) or "remote" (archive the API's spreadsheet).
	ExportSource string

	VATRate decimal.Decimal

	LogMode  string
	LogLevel string
	LogFile  string

	MetricsAddr string
	TraceFile   string

	// Stages and Products come from the YAML file; Stages falls back to the
	// built-in catalogue.
	Stages   []domain.Stage
	Products []domain.Product
}

// Options controls where Load looks.
type Options struct {
	// EnvFiles are read in order; a missing file is skipped. Defaults to ".env".
	EnvFiles []string
	// ConfigFile overrides FEEDFORMULA_CONFIG_FILE.
	ConfigFile string
	// Lookup overrides os.LookupEnv.
	Lookup func(string) (string, bool)
}

// Load resolves the configuration.
func Load(opts Options) (Config, error) {
	lookup, err := newLookup(opts)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		APIURL:       strings.TrimSpace(lookup("FEEDFORMULA_API_URL")),
		APIToken:     strings.TrimSpace(lookup("FEEDFORMULA_API_TOKEN")),
		Storage:      core.StorageOptionsFrom(lookup),
		ExportSource: strings.ToLower(strings.TrimSpace(lookup("FEEDFORMULA_EXPORT_SOURCE"))),
		VATRate:      core.DefaultVATRate,
		LogMode:      strings.TrimSpace(lookup("FEEDFORMULA_LOG_MODE")),
		LogLevel:     strings.TrimSpace(lookup("FEEDFORMULA_LOG_LEVEL")),
		LogFile:      strings.TrimSpace(lookup("FEEDFORMULA_LOG_FILE")),
		MetricsAddr:  strings.TrimSpace(lookup("FEEDFORMULA_METRICS_ADDR")),
		TraceFile:    strings.TrimSpace(lookup("FEEDFORMULA_TRACE_FILE")),
		Stages:       domain.DefaultStages(),
	}
	if cfg.Blob, err = blob.OptionsFrom(lookup); err != nil {
		return Config{}, err
	}
	switch cfg.ExportSource {
	case "":
		cfg.ExportSource = "csv"
	case "csv", "remote":
	default:
		return Config{}, fmt.Errorf("FEEDFORMULA_EXPORT_SOURCE: unknown source %q", cfg.ExportSource)
	}
	if cfg.ExportSource == "remote" && cfg.APIURL == "" {
		return Config{}, errors.New("FEEDFORMULA_EXPORT_SOURCE=remote requires FEEDFORMULA_API_URL")
	}
	if raw := strings.TrimSpace(lookup("FEEDFORMULA_API_TIMEOUT")); raw != "" {
		if cfg.APITimeout, err = time.ParseDuration(raw); err != nil {
			return Config{}, fmt.Errorf("FEEDFORMULA_API_TIMEOUT: %w", err)
		}
	}
	if raw := strings.TrimSpace(lookup("FEEDFORMULA_VAT_RATE")); raw != "" {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("FEEDFORMULA_VAT_RATE: %w", err)
		}
		if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return Config{}, fmt.Errorf("FEEDFORMULA_VAT_RATE: %s is outside [0, 1)", raw)
		}
		cfg.VATRate = rate
	}

	path := opts.ConfigFile
	if path == "" {
		path = strings.TrimSpace(lookup("FEEDFORMULA_CONFIG_FILE"))
	}
	if path != "" {
		cat, err := LoadCatalogue(path)
		if err != nil {
			return Config{}, err
		}
		if len(cat.Stages) > 0 {
			cfg.Stages = cat.Stages
		}
		cfg.Products = cat.Products
	}
	return cfg, nil
}

func newLookup(opts Options) (func(string) string, error) {
	files := opts.EnvFiles
	if files == nil {
		files = []string{".env"}
	}
	dotenv := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			if _, seen := dotenv[k]; !seen {
				dotenv[k] = v
			}
		}
	}
	env := opts.Lookup
	if env == nil {
		env = os.LookupEnv
	}
	return func(key string) string {
		if v, ok := env(key); ok {
			return v
		}
		return dotenv[key]
	}, nil
}
