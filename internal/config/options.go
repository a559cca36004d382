package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultHealthCacheTTLSeconds   = 30
	defaultResourceCacheTTLSeconds = 60
	defaultFailureThreshold        = 5
	defaultRecoveryTimeoutSeconds  = 30
	defaultMaxConcurrency          = 4
	defaultSafetyMarginHours       = 3
	defaultFullRefreshDays         = 7
	defaultMaxResultRows           = 10000
	defaultToolRateLimit           = 10
	defaultQueryTimeout            = 120 * time.Second
	defaultCatalogDir              = "./catalog"
	defaultLineageDir              = "./lineage"
	defaultLogLevel                = slog.LevelInfo

	// MaxQueryTimeout caps every per-call timeout, including user-supplied
	// timeout_seconds values.
	MaxQueryTimeout = 3600 * time.Second

	hoursPerDay = 24
)

var (
	// ErrInvalidFailureThreshold indicates the circuit failure threshold is below 1.
	ErrInvalidFailureThreshold = errors.New("circuit failure threshold must be at least 1")

	// ErrInvalidRecoveryTimeout indicates the circuit recovery timeout is zero or negative.
	ErrInvalidRecoveryTimeout = errors.New("circuit recovery timeout must be positive")

	// ErrInvalidMaxConcurrency indicates the worker cap is below 1.
	ErrInvalidMaxConcurrency = errors.New("max concurrency must be at least 1")

	// ErrInvalidCacheTTL indicates a cache TTL is zero or negative.
	ErrInvalidCacheTTL = errors.New("cache TTL must be positive")

	// ErrInvalidSafetyMargin indicates the ACCOUNT_USAGE safety margin is negative.
	ErrInvalidSafetyMargin = errors.New("account usage safety margin cannot be negative")

	// ErrInvalidFullRefreshThreshold indicates the full refresh threshold is zero or negative.
	ErrInvalidFullRefreshThreshold = errors.New("full refresh threshold must be positive")

	// ErrEmptyCatalogDir indicates the catalog directory is empty.
	ErrEmptyCatalogDir = errors.New("catalog directory cannot be empty")

	// ErrInvalidMaxResultRows indicates the result row cap is below 1.
	ErrInvalidMaxResultRows = errors.New("max result rows must be at least 1")

	// ErrInvalidToolRateLimit indicates the tool dispatch rate is below 1.
	ErrInvalidToolRateLimit = errors.New("tool rate limit must be at least 1")

	// ErrInvalidQueryTimeout indicates the default query timeout is outside 1s..1h.
	ErrInvalidQueryTimeout = errors.New("query timeout must be positive and at most 3600 seconds")
)

// Options holds the recognized server option set.
// Pure configuration only - no runtime dependencies.
type Options struct {
	Profile      string
	Warehouse    string
	Database     string
	Schema       string
	Role         string
	ProfilesPath string

	CatalogDir        string
	LineageDir        string
	ExcludedDatabases []string

	HealthCacheTTL   time.Duration
	ResourceCacheTTL time.Duration

	FailureThreshold int
	RecoveryTimeout  time.Duration

	MaxConcurrency       int
	SafetyMargin         time.Duration
	FullRefreshThreshold time.Duration

	LogLevel      slog.Level
	MaxResultRows int
	ToolRateLimit int
	CortexEnabled bool
	QueryTimeout  time.Duration
}

// Load reads the recognized option set from environment variables with
// sensible defaults. Durations declared in seconds/hours/days by the option
// contract (HEALTH_CACHE_TTL, ACCOUNT_USAGE_SAFETY_MARGIN, ...) are read as
// plain integers in those units.
func Load() *Options {
	return &Options{
		Profile:      GetEnvStr("SNOWFLAKE_PROFILE", ""),
		Warehouse:    GetEnvStr("SNOWFLAKE_WAREHOUSE", ""),
		Database:     GetEnvStr("SNOWFLAKE_DATABASE", ""),
		Schema:       GetEnvStr("SNOWFLAKE_SCHEMA", ""),
		Role:         GetEnvStr("SNOWFLAKE_ROLE", ""),
		ProfilesPath: GetEnvStr("SNOWFLAKE_CONFIG_PATH", defaultProfilesPath()),

		CatalogDir: GetEnvStr("CATALOG_DIR", defaultCatalogDir),
		LineageDir: GetEnvStr("LINEAGE_DIR", defaultLineageDir),
		ExcludedDatabases: ParseCommaSeparatedList(
			GetEnvStr("SNOWLENS_EXCLUDE_DATABASES", ""),
		),

		HealthCacheTTL: time.Duration(
			GetEnvInt("HEALTH_CACHE_TTL", defaultHealthCacheTTLSeconds),
		) * time.Second,
		ResourceCacheTTL: time.Duration(
			GetEnvInt("RESOURCE_CACHE_TTL", defaultResourceCacheTTLSeconds),
		) * time.Second,

		FailureThreshold: GetEnvInt("CIRCUIT_FAILURE_THRESHOLD", defaultFailureThreshold),
		RecoveryTimeout: time.Duration(
			GetEnvInt("CIRCUIT_RECOVERY_TIMEOUT", defaultRecoveryTimeoutSeconds),
		) * time.Second,

		MaxConcurrency: GetEnvInt("MAX_CONCURRENCY", defaultMaxConcurrency),
		SafetyMargin: time.Duration(
			GetEnvInt("ACCOUNT_USAGE_SAFETY_MARGIN", defaultSafetyMarginHours),
		) * time.Hour,
		FullRefreshThreshold: time.Duration(
			GetEnvInt("FULL_REFRESH_THRESHOLD", defaultFullRefreshDays),
		) * hoursPerDay * time.Hour,

		LogLevel:      GetEnvLogLevel("SNOWLENS_LOG_LEVEL", defaultLogLevel),
		MaxResultRows: GetEnvInt("SNOWLENS_MAX_RESULT_ROWS", defaultMaxResultRows),
		ToolRateLimit: GetEnvInt("SNOWLENS_TOOL_RATE_LIMIT", defaultToolRateLimit),
		CortexEnabled: GetEnvBool("SNOWLENS_CORTEX_ENABLED", false),
		QueryTimeout:  GetEnvDuration("SNOWLENS_QUERY_TIMEOUT", defaultQueryTimeout),
	}
}

// Validate validates the loaded option set.
func (o *Options) Validate() error {
	if o.FailureThreshold < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidFailureThreshold, o.FailureThreshold)
	}

	if o.RecoveryTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidRecoveryTimeout, o.RecoveryTimeout)
	}

	if o.MaxConcurrency < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxConcurrency, o.MaxConcurrency)
	}

	if o.HealthCacheTTL <= 0 {
		return fmt.Errorf("%w: health cache TTL %v", ErrInvalidCacheTTL, o.HealthCacheTTL)
	}

	if o.ResourceCacheTTL <= 0 {
		return fmt.Errorf("%w: resource cache TTL %v", ErrInvalidCacheTTL, o.ResourceCacheTTL)
	}

	if o.SafetyMargin < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidSafetyMargin, o.SafetyMargin)
	}

	if o.FullRefreshThreshold <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidFullRefreshThreshold, o.FullRefreshThreshold)
	}

	if o.CatalogDir == "" {
		return ErrEmptyCatalogDir
	}

	if o.MaxResultRows < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxResultRows, o.MaxResultRows)
	}

	if o.ToolRateLimit < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidToolRateLimit, o.ToolRateLimit)
	}

	if o.QueryTimeout <= 0 || o.QueryTimeout > MaxQueryTimeout {
		return fmt.Errorf("%w: got %v", ErrInvalidQueryTimeout, o.QueryTimeout)
	}

	return nil
}

// defaultProfilesPath locates the credentials store under the user's home
// directory, falling back to the working directory when home is unknown.
func defaultProfilesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./profiles.yaml"
	}

	return filepath.Join(home, ".snowflake", "profiles.yaml")
}
