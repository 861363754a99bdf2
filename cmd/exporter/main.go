package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/aluiziolira/catalog-export/cache"
	"github.com/aluiziolira/catalog-export/categories"
	"github.com/aluiziolira/catalog-export/config"
	"github.com/aluiziolira/catalog-export/enrich"
	"github.com/aluiziolira/catalog-export/inventory"
	"github.com/aluiziolira/catalog-export/metrics"
	"github.com/aluiziolira/catalog-export/models"
	"github.com/aluiziolira/catalog-export/pipeline"
	"github.com/aluiziolira/catalog-export/products"
	"github.com/aluiziolira/catalog-export/signer"
	"github.com/aluiziolira/catalog-export/transport"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	defaultCfg := config.DefaultConfig()
	pagesDefault := envIntOrExit("EXPORT_PAGES", defaultCfg.MaxPages)
	pageSizeDefault := envIntOrExit("EXPORT_PAGE_SIZE", defaultCfg.PageSize)
	parallelDefault := envIntOrExit("EXPORT_PARALLEL", defaultCfg.Parallelism)
	catalogDefault := defaultCfg.CatalogURL
	if value, ok := config.EnvString("MAGENTO_BASE_URL"); ok {
		catalogDefault = value
	}
	inventoryDefault := catalogDefault
	if value, ok := config.EnvString("INVENTORY_BASE_URL"); ok {
		inventoryDefault = value
	}
	outputDefault := defaultCfg.OutputFile
	if value, ok := config.EnvString("EXPORT_OUTPUT"); ok {
		outputDefault = value
	}
	metricsDefault := defaultCfg.MetricsAddr
	if value, ok := config.EnvString("EXPORT_METRICS_ADDR"); ok {
		metricsDefault = value
	}
	redisDefault := defaultCfg.RedisAddr
	if value, ok := config.EnvString("REDIS_ADDR"); ok {
		redisDefault = value
	}
	categoryTTLDefault := defaultCfg.CategoryTTL
	if value, ok, err := config.EnvDuration("EXPORT_CATEGORY_TTL"); err != nil {
		fmt.Fprintf(os.Stderr, "invalid EXPORT_CATEGORY_TTL: %v\n", err)
		os.Exit(1)
	} else if ok {
		categoryTTLDefault = value
	}

	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.CatalogURL, "catalog-url", catalogDefault, "Catalog REST base URL (products and categories)")
	flag.StringVar(&cfg.InventoryURL, "inventory-url", inventoryDefault, "Inventory REST base URL")
	flag.IntVar(&cfg.MaxPages, "pages", pagesDefault, "Maximum product pages to fetch")
	flag.IntVar(&cfg.PageSize, "page-size", pageSizeDefault, "Products per page")
	flag.IntVar(&cfg.Parallelism, "parallel", parallelDefault, "Concurrent category fallback and inventory requests")
	flag.DurationVar(&cfg.Timeout, "timeout", defaultCfg.Timeout, "Per-request timeout")
	flag.IntVar(&cfg.MaxRetries, "max-retries", defaultCfg.MaxRetries, "Maximum retry attempts per request")
	flag.DurationVar(&cfg.RetryBackoff, "retry-backoff", defaultCfg.RetryBackoff, "Initial retry backoff")
	flag.DurationVar(&cfg.RetryBackoffMax, "retry-backoff-max", defaultCfg.RetryBackoffMax, "Maximum retry backoff")
	flag.Float64Var(&cfg.RateLimit, "rate", defaultCfg.RateLimit, "Requests per second per upstream (0 disables)")
	flag.IntVar(&cfg.RateBurst, "rate-burst", defaultCfg.RateBurst, "Rate limiter burst")
	flag.IntVar(&cfg.BreakerMaxFailures, "breaker-failures", defaultCfg.BreakerMaxFailures, "Consecutive failures before an upstream breaker opens (0 disables)")
	flag.DurationVar(&cfg.BreakerTimeout, "breaker-timeout", defaultCfg.BreakerTimeout, "Time an open breaker waits before probing")
	flag.DurationVar(&cfg.CategoryTTL, "category-ttl", categoryTTLDefault, "Category cache ttl")
	flag.DurationVar(&cfg.TreeTTL, "tree-ttl", defaultCfg.TreeTTL, "Category tree cache ttl")
	flag.IntVar(&cfg.TreeRoot, "tree-root", defaultCfg.TreeRoot, "Preload the category tree under this root id (0 disables)")
	flag.StringVar(&cfg.CacheBackend, "cache", defaultCfg.CacheBackend, "Cache backend: memory or redis")
	flag.IntVar(&cfg.CacheSize, "cache-size", defaultCfg.CacheSize, "Maximum entries per in-memory cache")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", redisDefault, "Redis address for the redis cache backend")
	flag.StringVar(&cfg.RedisPrefix, "redis-prefix", defaultCfg.RedisPrefix, "Redis key prefix")
	flag.IntVar(&cfg.InventoryChunkSize, "inventory-chunk", defaultCfg.InventoryChunkSize, "SKUs per inventory request (max 100)")
	flag.IntVar(&cfg.BatchSize, "batch", defaultCfg.BatchSize, "Records per writer batch")
	flag.StringVar(&cfg.OutputFile, "output", outputDefault, "Output file path")
	outputFormat := flag.String("format", defaultCfg.OutputFormat, "Output format: csv, json, or dual")
	flag.BoolVar(&cfg.Verbose, "v", false, "Enable verbose logging")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", metricsDefault, "Prometheus metrics listen address (e.g. :9090)")

	flag.Parse()
	cfg.OutputFormat = strings.ToLower(*outputFormat)

	logger, level := newLogger(cfg.Verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting export",
		slog.String("catalog_url", cfg.CatalogURL),
		slog.String("inventory_url", cfg.InventoryURL),
		slog.Int("pages", cfg.MaxPages),
		slog.Int("page_size", cfg.PageSize),
		slog.String("cache", cfg.CacheBackend),
	)

	collectors := metrics.NewCollectors()
	stores, closeStores, err := buildStores(cfg)
	if err != nil {
		slog.Error("initialising cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStores()

	p := buildPipeline(cfg, collectors, stores)

	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile)
	if err != nil {
		slog.Error("creating writer", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, cancelling in-flight requests")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(collectors.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	startTime := time.Now()
	result, err := p.Export(ctx, cfg.PageSize, cfg.MaxPages, writer)
	closeErr := writer.Close()
	if err != nil {
		if signer.IsCredentialsMissing(err) {
			slog.Error("export failed: credentials missing, set the MAGENTO_* and "+config.EnvInventoryToken+" variables", slog.Any("error", err))
		} else {
			slog.Error("export failed", slog.Any("error", err))
		}
		os.Exit(1)
	}
	if closeErr != nil {
		slog.Error("close writer", slog.Any("error", closeErr))
		os.Exit(1)
	}

	if err := writer.Validate(len(result.Products)); err != nil {
		slog.Error("output validation failed", slog.Any("error", err))
		os.Exit(1)
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(result, time.Since(startTime), cfg.OutputFile)
}

func envIntOrExit(key string, fallback int) int {
	value, ok, err := config.EnvInt(key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s: %v\n", key, err)
		os.Exit(1)
	}
	if !ok {
		return fallback
	}
	return value
}

func buildStores(cfg *config.Config) (categories.Stores, func(), error) {
	if cfg.CacheBackend == config.CacheRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		stores := categories.Stores{
			Categories: cache.NewRedis[models.Category](client, cfg.RedisPrefix+"category:", cfg.CategoryTTL),
			Trees:      cache.NewRedis[models.CategoryTree](client, cfg.RedisPrefix+"tree:", cfg.TreeTTL),
		}
		return stores, func() {
			if err := client.Close(); err != nil {
				slog.Warn("close redis client", slog.Any("error", err))
			}
		}, nil
	}

	categoryStore, err := cache.NewMemory[models.Category](cfg.CacheSize)
	if err != nil {
		return categories.Stores{}, nil, err
	}
	treeStore, err := cache.NewMemory[models.CategoryTree](cfg.CacheSize)
	if err != nil {
		return categories.Stores{}, nil, err
	}
	categoryStore.StartJanitor(cfg.CacheJanitor, cfg.CategoryTTL)
	treeStore.StartJanitor(cfg.CacheJanitor, cfg.TreeTTL)

	stores := categories.Stores{Categories: categoryStore, Trees: treeStore}
	return stores, func() {
		categoryStore.Close()
		treeStore.Close()
	}, nil
}

func buildPipeline(cfg *config.Config, collectors *metrics.Collectors, stores categories.Stores) *pipeline.Pipeline {
	clientCfg := transport.Config{
		Timeout:            cfg.Timeout,
		MaxRetries:         cfg.MaxRetries,
		RetryBackoff:       cfg.RetryBackoff,
		RetryBackoffMax:    cfg.RetryBackoffMax,
		RateLimit:          cfg.RateLimit,
		RateBurst:          cfg.RateBurst,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerTimeout:     cfg.BreakerTimeout,
		UserAgent:          cfg.UserAgent,
	}
	creds := config.LoadCredentials()
	catalogSigner := signer.NewOAuth1(creds.Catalog)
	inventorySigner := signer.NewBearer(creds.InventoryToken)

	fetcher := products.NewFetcher(
		transport.NewClient(string(metrics.SourceProducts), clientCfg, collectors),
		catalogSigner, cfg.CatalogURL, nil,
	)
	cats := categories.NewResolver(
		transport.NewClient(string(metrics.SourceCategories), clientCfg, collectors),
		catalogSigner, cfg.CatalogURL, stores,
		categories.Config{CategoryTTL: cfg.CategoryTTL, TreeTTL: cfg.TreeTTL, Parallelism: cfg.Parallelism},
	)
	inv := inventory.NewResolver(
		transport.NewClient(string(metrics.SourceInventory), clientCfg, collectors),
		inventorySigner, cfg.InventoryURL,
		inventory.Config{ChunkSize: cfg.InventoryChunkSize, Parallelism: cfg.Parallelism},
	)

	return pipeline.New(fetcher, cats, inv, collectors, pipeline.Options{
		BatchSize: cfg.BatchSize,
		TreeRoot:  cfg.TreeRoot,
	})
}

func createWriter(format, filename string) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename)
	case "csv":
		return pipeline.NewCSVWriter(filename)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".jsonl"
		return pipeline.NewDualWriter(filename, jsonFilename)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func printSummary(result *models.ExportResult, duration time.Duration, outputFile string) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Export complete")

	perf := result.Performance
	fmt.Printf("  Run:           %s\n", result.RunID)
	fmt.Printf("  Products:      %d\n", len(result.Products))
	if result.Invalid > 0 {
		fmt.Printf("  Skipped:       %d invalid\n", result.Invalid)
	}
	fmt.Printf("  Pages:         %d/%d\n", result.Fetch.PagesFetched, result.Fetch.ExpectedPages)
	if result.Fetch.Truncated {
		fmt.Printf("  Truncated:     %s\n", result.Fetch.Cause)
	}

	statuses := enrich.Summary(result.Products)
	fmt.Printf("  Merge status:  complete=%d partial=%d base_only=%d\n",
		statuses[models.MergeComplete], statuses[models.MergePartial], statuses[models.MergeBaseOnly])
	fmt.Printf("  Degraded SKUs: %d\n", perf.DegradedSKUs)

	fmt.Printf("  API calls:     %d (naive %d, saved %d)\n", perf.ActualCalls, perf.NaiveCalls, perf.CallReduction)
	sources := make([]string, 0, len(perf.CallsBySource))
	for source := range perf.CallsBySource {
		sources = append(sources, source)
	}
	sort.Strings(sources)
	for _, source := range sources {
		fmt.Printf("    %-12s %d\n", source+":", perf.CallsBySource[source])
	}
	fmt.Printf("  Cache hits:    %.2f%% (%d/%d)\n", perf.CacheHitRatio*100, perf.CacheHits, perf.CacheHits+perf.CacheMisses)
	for _, hint := range perf.Hints {
		fmt.Printf("  Hint:          %s\n", hint)
	}

	itemsPerSec := 0.0
	if duration.Seconds() > 0 {
		itemsPerSec = float64(len(result.Products)) / duration.Seconds()
	}
	fmt.Printf("  Duration:      %v\n", duration)
	fmt.Printf("  Items/sec:     %.2f\n", itemsPerSec)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
