// Command feedctl is an interactive feed formulation session. It edits stage
// recipes against the remote recipe API, or against an in-process backend when
// no API URL is configured.
package main

import (
	"context"
	"errors"
	"feedformula/internal/adapters/export"
	"feedformula/internal/adapters/httpapi"
	"feedformula/internal/adapters/localapi"
	"feedformula/internal/blob"
	"feedformula/internal/config"
	"feedformula/internal/core"
	"feedformula/internal/platform/logger"
	"feedformula/pkg/domain"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

// run parses flags, wires the session and executes either the command given
// on the command line or the interactive loop over stdin.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("feedctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	envFile := fs.String("env-file", ".env", "dotenv file to read (empty to skip)")
	configFile := fs.String("config", "", "YAML stage/product catalogue (overrides FEEDFORMULA_CONFIG_FILE)")
	stage := fs.Int("stage", 1, "stage selected at start")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	envFiles := []string{}
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := config.Load(config.Options{EnvFiles: envFiles, ConfigFile: *configFile})
	if err != nil {
		fmt.Fprintf(stderr, "feedctl: config: %v\n", err)
		return 1
	}
	sess, cleanup, err := newSession(ctx, cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "feedctl: %v\n", err)
		return 1
	}
	defer cleanup()
	if err := sess.selectStage(domain.StageID(*stage)); err != nil {
		fmt.Fprintf(stderr, "feedctl: %v\n", err)
		return 1
	}

	if fs.NArg() > 0 {
		if err := sess.exec(ctx, fs.Args()); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}
	sess.loop(ctx, stdin, stderr)
	return 0
}

// remote is everything the session needs from a recipe API.
type remote interface {
	domain.Catalog
	domain.RecipeBackend
	domain.HistoryService
}

func newSession(ctx context.Context, cfg config.Config, stdout io.Writer) (*session, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*session, func(), error) {
		cleanup()
		return nil, nil, err
	}

	logOut := cfg.LogFile
	if logOut == "" {
		logOut = "stderr"
	}
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	log, err := logger.New(cfg.LogMode, logger.Options{Level: level, OutputPath: logOut})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, log.Sync)

	var api remote
	var downloader export.Downloader
	if cfg.APIURL == "" {
		products := cfg.Products
		if len(products) == 0 {
			products = localapi.DemoProducts()
		}
		api = localapi.New(products, cfg.Stages, localapi.WithVATRate(cfg.VATRate))
		log.Info("using in-process backend", "products", len(products))
	} else {
		client, err := httpapi.New(httpapi.Config{BaseURL: cfg.APIURL, Token: cfg.APIToken, Timeout: cfg.APITimeout})
		if err != nil {
			return fail(err)
		}
		api, downloader = client, client
		log.Info("using remote api", "url", cfg.APIURL, "api_token", cfg.APIToken)
	}

	store, err := core.OpenPersistentStore(ctx, cfg.Storage, nil)
	if err != nil {
		return fail(fmt.Errorf("open storage: %w", err))
	}
	if c, ok := store.(io.Closer); ok {
		closers = append(closers, func() { _ = c.Close() })
	}

	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fail(fmt.Errorf("open blob store: %w", err))
	}
	var exporter domain.Exporter = export.NewCSVExporter(blobs)
	if cfg.ExportSource == "remote" {
		exporter = export.NewRemoteExporter(downloader, blobs)
	}

	opts := []core.ServiceOption{
		core.WithLogger(log),
		core.WithAuditRecorder(log),
		core.WithExporter(exporter),
		core.WithStages(cfg.Stages),
		core.WithVATRate(cfg.VATRate),
	}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		opts = append(opts, core.WithMetricsRecorder(core.NewPrometheusMetricsRecorder(reg)))
		shutdown, err := serveMetrics(cfg.MetricsAddr, reg, log)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, shutdown)
	}
	if cfg.TraceFile != "" {
		f, err := os.OpenFile(cfg.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fail(fmt.Errorf("open trace file: %w", err))
		}
		closers = append(closers, func() { _ = f.Close() })
		opts = append(opts, core.WithTracer(core.NewJSONTracer(f)))
	}

	svc := core.NewService(store, api, api, opts...)
	if err := svc.Reload(ctx); err != nil {
		return fail(fmt.Errorf("initial load: %w", err))
	}
	history := core.NewHistory(svc, api)
	sess := &session{
		svc:     svc,
		history: history,
		restore: core.NewRestoreWorkflow(svc, history),
		out:     stdout,
		now:     time.Now,
	}
	if k, ok := api.(kilogramSetter); ok {
		sess.kilos = k
	}
	return sess, cleanup, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logger.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "error", err)
		}
	}()
	log.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
