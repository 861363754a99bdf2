// Package config holds exporter configuration, environment overrides and
// upstream credentials.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/aluiziolira/catalog-export/signer"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

var (
	ErrMissingCatalogURL   = errors.New("catalog URL cannot be empty")
	ErrMissingInventoryURL = errors.New("inventory URL cannot be empty")
)

// Config holds exporter configuration.
type Config struct {
	CatalogURL   string
	InventoryURL string

	PageSize    int
	MaxPages    int
	Parallelism int

	Timeout            time.Duration
	MaxRetries         int
	RetryBackoff       time.Duration
	RetryBackoffMax    time.Duration
	RateLimit          float64
	RateBurst          int
	BreakerMaxFailures int
	BreakerTimeout     time.Duration

	CategoryTTL        time.Duration
	TreeTTL            time.Duration
	TreeRoot           int
	CacheBackend       string // memory or redis
	CacheSize          int
	CacheJanitor       time.Duration
	RedisAddr          string
	RedisPrefix        string
	InventoryChunkSize int

	BatchSize    int
	OutputFile   string
	OutputFormat string // csv, json, or dual
	UserAgent    string
	Verbose      bool
	MetricsAddr  string
}

// DefaultConfig returns defaults suited to a local catalog.
func DefaultConfig() *Config {
	return &Config{
		CatalogURL:         "http://localhost/rest/default",
		InventoryURL:       "http://localhost/rest/default",
		PageSize:           50,
		MaxPages:           20,
		Parallelism:        8,
		Timeout:            15 * time.Second,
		MaxRetries:         2,
		RetryBackoff:       200 * time.Millisecond,
		RetryBackoffMax:    2 * time.Second,
		RateLimit:          0,
		RateBurst:          1,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
		CategoryTTL:        5 * time.Minute,
		TreeTTL:            30 * time.Minute,
		CacheBackend:       CacheMemory,
		CacheSize:          10000,
		CacheJanitor:       time.Minute,
		RedisAddr:          "localhost:6379",
		RedisPrefix:        "catalog-export:",
		InventoryChunkSize: 50,
		BatchSize:          64,
		OutputFile:         "output/products.csv",
		OutputFormat:       "csv",
		UserAgent:          "catalog-export/1.0",
		Verbose:            false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.CatalogURL == "" {
		return ErrMissingCatalogURL
	}
	if err := validateURL("catalog", c.CatalogURL); err != nil {
		return err
	}
	if c.InventoryURL == "" {
		return ErrMissingInventoryURL
	}
	if err := validateURL("inventory", c.InventoryURL); err != nil {
		return err
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.BreakerMaxFailures < 0 {
		return fmt.Errorf("breaker max failures cannot be negative")
	}
	if c.CategoryTTL <= 0 {
		return fmt.Errorf("category ttl must be positive")
	}
	if c.TreeTTL <= 0 {
		return fmt.Errorf("tree ttl must be positive")
	}
	if c.CacheBackend != CacheMemory && c.CacheBackend != CacheRedis {
		return fmt.Errorf("cache backend must be %s or %s", CacheMemory, CacheRedis)
	}
	if c.CacheBackend == CacheRedis && c.RedisAddr == "" {
		return fmt.Errorf("redis address cannot be empty with the redis cache backend")
	}
	if c.InventoryChunkSize <= 0 || c.InventoryChunkSize > 100 {
		return fmt.Errorf("inventory chunk size must be between 1 and 100")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	if c.OutputFormat != "csv" && c.OutputFormat != "json" && c.OutputFormat != "dual" {
		return fmt.Errorf("output format must be csv, json, or dual")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}

func validateURL(name, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s URL: %w", name, err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%s URL must include a host", name)
	}
	return nil
}

// Credentials are the secrets for both upstreams.
type Credentials struct {
	Catalog        signer.OAuth1Credentials
	InventoryToken string
}

// Credential environment variables.
const (
	EnvConsumerKey       = "MAGENTO_CONSUMER_KEY"
	EnvConsumerSecret    = "MAGENTO_CONSUMER_SECRET"
	EnvAccessToken       = "MAGENTO_ACCESS_TOKEN"
	EnvAccessTokenSecret = "MAGENTO_ACCESS_TOKEN_SECRET"
	EnvInventoryToken    = "INVENTORY_ADMIN_TOKEN"
)

// LoadCredentials reads credentials from the environment. Missing values
// are left empty; the signers report them on first use.
func LoadCredentials() Credentials {
	get := func(key string) string {
		value, _ := EnvString(key)
		return value
	}
	return Credentials{
		Catalog: signer.OAuth1Credentials{
			ConsumerKey:       get(EnvConsumerKey),
			ConsumerSecret:    get(EnvConsumerSecret),
			AccessToken:       get(EnvAccessToken),
			AccessTokenSecret: get(EnvAccessTokenSecret),
		},
		InventoryToken: get(EnvInventoryToken),
	}
}

// LoadDotEnv loads variables from the given files (".env" when none) without
// overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

// EnvString returns the trimmed value of key and whether it was non-empty.
func EnvString(key string) (string, bool) {
	value := strings.TrimSpace(os.Getenv(key))
	return value, value != ""
}

// EnvInt parses key as an int. ok is false when the variable is unset.
func EnvInt(key string) (int, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}

// EnvDuration parses key as a time.Duration.
func EnvDuration(key string) (time.Duration, bool, error) {
	raw, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return value, true, nil
}
