// Package main provides the Snowlens MCP server.
//
// The binary speaks JSON-RPC 2.0 over stdio: stdout carries the protocol
// stream, so every log line goes to stderr. Tools cover ad-hoc SQL,
// catalog builds, lineage queries and operational diagnostics against a
// single Snowflake profile.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/snowlens-io/snowlens/internal/breaker"
	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/config"
	"github.com/snowlens-io/snowlens/internal/health"
	"github.com/snowlens-io/snowlens/internal/lineage"
	"github.com/snowlens-io/snowlens/internal/profile"
	"github.com/snowlens-io/snowlens/internal/query"
	"github.com/snowlens-io/snowlens/internal/resource"
	"github.com/snowlens-io/snowlens/internal/server"
	"github.com/snowlens-io/snowlens/internal/server/middleware"
	"github.com/snowlens-io/snowlens/internal/snowflake"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "snowlens"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	opts := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: opts.LogLevel,
	}))

	if err := opts.Validate(); err != nil {
		logger.Error("Invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Starting Snowlens MCP server",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded configuration",
		slog.String("profiles_path", opts.ProfilesPath),
		slog.String("catalog_dir", opts.CatalogDir),
		slog.String("lineage_dir", opts.LineageDir),
		slog.Int("circuit_failure_threshold", opts.FailureThreshold),
		slog.Duration("circuit_recovery_timeout", opts.RecoveryTimeout),
		slog.Duration("query_timeout", opts.QueryTimeout),
		slog.Int("tool_rate_limit", opts.ToolRateLimit),
		slog.Bool("cortex_enabled", opts.CortexEnabled),
		slog.String("log_level", opts.LogLevel.String()),
	)

	store := profile.NewStore(opts.ProfilesPath)
	validator := profile.NewValidator(store, profile.DefaultCacheTTL)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: opts.FailureThreshold,
		RecoveryTimeout:  opts.RecoveryTimeout,
		Logger:           logger,
	})

	exec, profileName := connect(opts, store, validator, logger)
	defer func() {
		_ = exec.Close() // Ensure the pool closes on normal shutdown
	}()

	circuit := breakers.For(profileName)

	queries := query.NewService(query.Config{
		Breaker:        circuit,
		Executor:       exec,
		Profile:        profileName,
		MaxResultRows:  opts.MaxResultRows,
		DefaultTimeout: opts.QueryTimeout,
		Logger:         logger,
	})

	builder := catalog.NewBuilder(catalog.Config{
		Executor:             exec,
		Circuit:              circuit,
		DefaultDir:           opts.CatalogDir,
		DefaultDatabase:      opts.Database,
		Excluded:             opts.ExcludedDatabases,
		MaxConcurrency:       opts.MaxConcurrency,
		SafetyMargin:         opts.SafetyMargin,
		FullRefreshThreshold: opts.FullRefreshThreshold,
		Logger:               logger,
	})

	engine := lineage.NewEngine(lineage.Config{
		DefaultDir: opts.CatalogDir,
		CacheDir:   opts.LineageDir,
		Logger:     logger,
	})

	supervisor := resource.NewSupervisor(resource.Config{
		Validator:     validator,
		Profile:       profileName,
		Circuit:       circuit,
		CatalogDir:    opts.CatalogDir,
		CortexEnabled: opts.CortexEnabled,
		CacheTTL:      opts.ResourceCacheTTL,
	})

	monitor := health.NewMonitor(health.Config{Logger: logger})
	monitor.Register(health.ComponentProfile, opts.HealthCacheTTL,
		health.ProfileCheck(validator, profileName))
	monitor.Register(health.ComponentConnection, opts.HealthCacheTTL,
		health.ConnectionCheck(circuit, exec))
	monitor.Register(health.ComponentResources, opts.HealthCacheTTL,
		health.ResourcesCheck(supervisor, watchedResources(opts.CortexEnabled)...))

	registry := server.NewRegistry(server.Deps{
		Query:      queries,
		Builder:    builder,
		Lineage:    engine,
		Supervisor: supervisor,
		Monitor:    monitor,
		Validator:  validator,
		Profile:    profileName,
		CatalogDir: opts.CatalogDir,
		Logger:     logger,
	},
		middleware.WithRecovery(logger),
		middleware.WithCallLogger(logger),
		middleware.WithRateLimit(middleware.NewToolLimiter(opts.ToolRateLimit), logger),
	)

	srv := server.NewServer(server.Config{
		Registry: registry,
		Logger:   logger,
		Name:     name,
		Version:  version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Listening on stdio",
		slog.Int("tools", len(registry.Names())),
		slog.String("profile", profileName),
	)

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Server stopped with error", slog.String("error", err.Error()))

		// Close explicitly: os.Exit skips deferred calls.
		_ = exec.Close()

		os.Exit(1)
	}

	logger.Info("Snowlens MCP server stopped")
}

// connect builds the live executor for the configured profile. A profile
// that does not validate still yields a working server: every tool call
// answers with the recorded diagnosis, check_profile_config explains what
// to fix, and the resource supervisor keeps dependent tools gated.
func connect(opts *config.Options, store *profile.Store, validator *profile.Validator, logger *slog.Logger) (snowflake.Executor, string) {
	diags := validator.Validate(opts.Profile)

	profileName := diags.Profile
	if profileName == "" {
		profileName = opts.Profile
	}

	if !diags.Valid {
		logger.Warn("Profile did not validate, starting without a Snowflake connection",
			slog.String("profile", profileName),
			slog.String("config_path", diags.ConfigPath),
			slog.Any("errors", diags.Errors),
		)

		return snowflake.NewDisconnected(profileError(profileName, diags)), profileName
	}

	p, err := store.Get(opts.Profile)
	if err != nil {
		logger.Warn("Profile load failed, starting without a Snowflake connection",
			slog.String("profile", profileName),
			slog.String("error", err.Error()),
		)

		return snowflake.NewDisconnected(taxonomy.Classify(err).WithProfile(profileName)), profileName
	}

	baseline := snowflake.Overrides{
		Warehouse: opts.Warehouse,
		Database:  opts.Database,
		Schema:    opts.Schema,
		Role:      opts.Role,
	}

	client, err := snowflake.Connect(p, baseline, logger)
	if err != nil {
		logger.Warn("Snowflake connection failed, starting without a Snowflake connection",
			slog.String("profile", profileName),
			slog.String("error", err.Error()),
		)

		return snowflake.NewDisconnected(err), profileName
	}

	logger.Info("Snowflake client ready",
		slog.String("profile", profileName),
		slog.String("auth_kind", string(diags.AuthKind)),
	)

	return client, profileName
}

// profileError renders invalid-profile diagnostics as the error every
// disconnected call returns.
func profileError(name string, diags profile.Diagnostics) error {
	message := fmt.Sprintf("profile %q is not usable", name)
	if len(diags.Errors) > 0 {
		message = diags.Errors[0]
	}

	return taxonomy.New(taxonomy.CategoryProfile, message).
		WithProfile(name).
		WithSuggestions(diags.Suggestions...).
		WithData("errors", diags.Errors)
}

// watchedResources is the health watch set: the core resources always,
// cortex_search only when the feature flag makes it attainable.
func watchedResources(cortexEnabled bool) []string {
	watched := []string{resource.Catalog, resource.Lineage, resource.DependencyGraph}
	if cortexEnabled {
		watched = append(watched, resource.CortexSearch)
	}

	return watched
}
