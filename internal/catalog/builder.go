package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snowlens-io/snowlens/internal/breaker"
	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/snowflake"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Builder tuning defaults, overridable via configuration.
const (
	DefaultMaxConcurrency       = 4
	DefaultSafetyMargin         = 3 * time.Hour
	DefaultFullRefreshThreshold = 7 * 24 * time.Hour
)

// Config wires a Builder.
type Config struct {
	Executor snowflake.Executor
	Circuit  *breaker.Breaker

	// DefaultDir is used when a build request names no output directory.
	DefaultDir string

	// DefaultDatabase scopes builds that name neither a database nor
	// account scope.
	DefaultDatabase string

	// Excluded names databases account-scope builds skip, on top of the
	// built-in system databases.
	Excluded []string

	MaxConcurrency       int
	SafetyMargin         time.Duration
	FullRefreshThreshold time.Duration

	Logger *slog.Logger

	// Now is the clock for build timestamps. Defaults to time.Now.
	Now func() time.Time
}

// Builder runs catalog builds. It is safe for concurrent use; the per
// directory lock file serializes builds that target the same catalog.
type Builder struct {
	exec                 snowflake.Executor
	circuit              *breaker.Breaker
	defaultDir           string
	defaultDatabase      string
	excluded             map[string]bool
	maxConcurrency       int
	safetyMargin         time.Duration
	fullRefreshThreshold time.Duration
	logger               *slog.Logger
	now                  func() time.Time
}

// NewBuilder constructs a Builder, applying defaults for zero values.
func NewBuilder(cfg Config) *Builder {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = DefaultSafetyMargin
	}

	if cfg.FullRefreshThreshold <= 0 {
		cfg.FullRefreshThreshold = DefaultFullRefreshThreshold
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	excluded := make(map[string]bool, len(cfg.Excluded))
	for _, name := range cfg.Excluded {
		excluded[object.Canonical(name)] = true
	}

	return &Builder{
		exec:                 cfg.Executor,
		circuit:              cfg.Circuit,
		defaultDir:           cfg.DefaultDir,
		defaultDatabase:      cfg.DefaultDatabase,
		excluded:             excluded,
		maxConcurrency:       cfg.MaxConcurrency,
		safetyMargin:         cfg.SafetyMargin,
		fullRefreshThreshold: cfg.FullRefreshThreshold,
		logger:               cfg.Logger,
		now:                  cfg.Now,
	}
}

// Request parameterizes one build.
type Request struct {
	OutputDir      string
	Database       string
	AccountScope   bool
	IncludeDDL     bool
	Format         Format
	MaxConcurrency int
	ForceFull      bool
}

// Build runs one catalog build against the request's output directory.
//
// The build is incremental when a healthy catalog exists there and neither
// force_full nor the full-refresh threshold applies. Cancellation lets
// in-flight file writes finish but skips the metadata sidecar, so the
// directory's committed state remains the previous snapshot.
func (b *Builder) Build(ctx context.Context, req Request) (*BuildResult, error) {
	start := time.Now()

	result, err := b.build(ctx, req)
	if err != nil {
		return nil, err
	}

	result.DurationMS = time.Since(start).Milliseconds()

	return result, nil
}

func (b *Builder) build(ctx context.Context, req Request) (*BuildResult, error) {
	format := req.Format
	if format == "" {
		format = FormatJSONL
	}

	if !format.Valid() {
		return nil, taxonomy.Newf(taxonomy.CategoryInvalidArguments,
			"format must be %q or %q", FormatJSONL, FormatJSON).
			WithData("path", "format")
	}

	dir := req.OutputDir
	if dir == "" {
		dir = b.defaultDir
	}

	if dir == "" {
		return nil, taxonomy.New(taxonomy.CategoryInvalidArguments,
			"no output directory: pass output_dir or set CATALOG_DIR").
			WithData("path", "output_dir")
	}

	store := NewStore(dir)

	release, err := store.Lock()
	if err != nil {
		return nil, err
	}
	defer release()

	h := &harvester{run: b.run, excluded: b.excluded, logger: b.logger}

	scope, err := b.resolveScope(ctx, h, req)
	if err != nil {
		return nil, err
	}

	meta, metaErr := store.ReadMetadata()

	reason := fullRefreshReason(req, meta, metaErr, b.fullRefreshThreshold, b.now())
	if reason != "" {
		b.logger.Info("Starting full catalog refresh",
			slog.String("dir", dir),
			slog.String("reason", reason),
			slog.Int("databases", len(scope)))

		return b.fullRefresh(ctx, store, h, scope, req, format, nil)
	}

	return b.incremental(ctx, store, h, scope, req, meta, format)
}

// fullRefreshReason decides whether a build must be a full refresh. An
// empty return means incremental.
func fullRefreshReason(req Request, meta Metadata, metaErr error, threshold time.Duration, now time.Time) string {
	switch {
	case req.ForceFull:
		return "forced"
	case metaErr != nil:
		return metaErr.Error()
	case now.Sub(meta.LastFullRefresh) > threshold:
		return fmt.Sprintf("last full refresh older than %s", threshold)
	default:
		return ""
	}
}

// resolveScope determines the databases a build covers.
func (b *Builder) resolveScope(ctx context.Context, h *harvester, req Request) ([]DatabaseRecord, error) {
	switch {
	case req.Database != "":
		return []DatabaseRecord{{Name: object.Canonical(req.Database)}}, nil
	case req.AccountScope:
		records, err := h.fetchDatabases(ctx)
		if err != nil {
			return nil, err
		}

		if len(records) == 0 {
			return nil, taxonomy.New(taxonomy.CategoryPermission,
				"no databases visible to the current role").
				WithSuggestions("check the role's USAGE grants, or pass database explicitly")
		}

		return records, nil
	case b.defaultDatabase != "":
		return []DatabaseRecord{{Name: object.Canonical(b.defaultDatabase)}}, nil
	default:
		return nil, taxonomy.New(taxonomy.CategoryInvalidArguments,
			"no build scope: pass database, set account_scope, or configure SNOWFLAKE_DATABASE").
			WithData("path", "database")
	}
}

// fullRefresh harvests every database in scope and replaces the snapshot.
func (b *Builder) fullRefresh(ctx context.Context, store *Store, h *harvester, scope []DatabaseRecord, req Request, format Format, warnings []string) (*BuildResult, error) {
	snap := &Snapshot{Databases: scope}

	var (
		mu       sync.Mutex
		progress atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency(req))

	for _, db := range scope {
		db := db
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			schemas, entries, dbWarnings := h.harvestDatabase(gctx, db.Name, nil)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			snap.Schemas = append(snap.Schemas, schemas...)
			snap.Entries = append(snap.Entries, entries...)
			warnings = append(warnings, dbWarnings...)
			mu.Unlock()

			b.logger.Debug("Harvested database",
				slog.String("database", db.Name),
				slog.Int("objects", len(entries)),
				slog.Int64("done", progress.Add(1)),
				slog.Int("total", len(scope)))

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, taxonomy.Classify(err).WithOperation("build_catalog")
	}

	if req.IncludeDDL {
		ddlWarnings, err := b.harvestDDL(ctx, h, snap.Entries, b.concurrency(req))
		if err != nil {
			return nil, taxonomy.Classify(err).WithOperation("build_catalog")
		}

		warnings = append(warnings, ddlWarnings...)
	}

	if err := ctx.Err(); err != nil {
		return nil, taxonomy.Classify(err).WithOperation("build_catalog")
	}

	changed := entryFQNs(snap.Entries)

	return b.commit(ctx, store, snap, format, req, commitInfo{
		status:          StatusFullRefresh,
		changed:         changed,
		warnings:        warnings,
		lastFullRefresh: time.Time{},
	})
}

// incremental detects changes since the last build and re-harvests only
// the affected schemas. A failing primary probe or an unreadable snapshot
// degrades to a full refresh.
func (b *Builder) incremental(ctx context.Context, store *Store, h *harvester, scope []DatabaseRecord, req Request, meta Metadata, format Format) (*BuildResult, error) {
	changes, warnings, err := b.detectChanges(ctx, h, scope, meta)
	if err != nil {
		if ctx.Err() != nil {
			return nil, taxonomy.Classify(err).WithOperation("build_catalog")
		}

		b.logger.Warn("Change detection failed, falling back to full refresh",
			slog.String("error", err.Error()))

		warnings = append(warnings, fmt.Sprintf("change detection failed (%v), ran full refresh", err))

		return b.fullRefresh(ctx, store, h, scope, req, format, warnings)
	}

	if changes.empty() {
		meta.LastBuild = b.now()
		if err := store.WriteMetadata(meta); err != nil {
			return nil, taxonomy.Classify(err).WithOperation("build_catalog")
		}

		b.logger.Info("Catalog up to date", slog.String("dir", store.Dir()))

		return &BuildResult{
			Status:         StatusUpToDate,
			LastBuild:      meta.LastBuild,
			Changes:        0,
			ChangedObjects: []string{},
			Metadata:       meta,
			Warnings:       warnings,
		}, nil
	}

	existing, err := store.LoadSnapshot()
	if err != nil {
		b.logger.Warn("Catalog records unreadable, falling back to full refresh",
			slog.String("error", err.Error()))

		warnings = append(warnings, fmt.Sprintf("catalog records unreadable (%v), ran full refresh", err))

		return b.fullRefresh(ctx, store, h, scope, req, format, warnings)
	}

	var (
		mu        sync.Mutex
		harvested []Entry
		schemas   []SchemaRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency(req))

	for db, only := range changes.schemas {
		db, only := db, only
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			dbSchemas, entries, dbWarnings := h.harvestDatabase(gctx, db, only)
			if gctx.Err() != nil {
				return gctx.Err()
			}

			mu.Lock()
			schemas = append(schemas, dbSchemas...)
			harvested = append(harvested, entries...)
			warnings = append(warnings, dbWarnings...)
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, taxonomy.Classify(err).WithOperation("build_catalog")
	}

	if req.IncludeDDL {
		ddlWarnings, err := b.harvestDDL(ctx, h, harvested, b.concurrency(req))
		if err != nil {
			return nil, taxonomy.Classify(err).WithOperation("build_catalog")
		}

		warnings = append(warnings, ddlWarnings...)
	}

	snap := mergeSnapshot(existing, scope, changes.schemas, schemas, harvested)

	if err := ctx.Err(); err != nil {
		return nil, taxonomy.Classify(err).WithOperation("build_catalog")
	}

	return b.commit(ctx, store, snap, format, req, commitInfo{
		status:          StatusIncremental,
		changed:         changes.sortedObjects(),
		warnings:        warnings,
		lastFullRefresh: meta.LastFullRefresh,
	})
}

// commitInfo carries the outcome fields commit stamps into the result.
type commitInfo struct {
	status          BuildStatus
	changed         []string
	warnings        []string
	lastFullRefresh time.Time
}

// commit writes the snapshot files, then the metadata sidecar, then shapes
// the result. The sidecar is skipped when ctx was canceled, leaving the
// directory committed at its previous state.
func (b *Builder) commit(ctx context.Context, store *Store, snap *Snapshot, format Format, req Request, info commitInfo) (*BuildResult, error) {
	if err := store.WriteSnapshot(snap, format); err != nil {
		return nil, taxonomy.Classify(err).WithOperation("build_catalog")
	}

	if req.IncludeDDL {
		for i := range snap.Entries {
			if snap.Entries[i].DDL == "" {
				continue
			}

			if err := store.WriteDDL(snap.Entries[i].Ref, snap.Entries[i].DDL); err != nil {
				info.warnings = append(info.warnings, err.Error())
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, taxonomy.Classify(err).WithOperation("build_catalog")
	}

	now := b.now()

	lastFull := info.lastFullRefresh
	if info.status == StatusFullRefresh {
		lastFull = now
	}

	total, tables := CountObjects(snap)

	meta := Metadata{
		LastBuild:       now,
		LastFullRefresh: lastFull,
		Databases:       databaseNames(snap.Databases),
		TotalObjects:    total,
		Version:         Version,
		SchemaCount:     len(snap.Schemas),
		TableCount:      tables,
	}

	if err := store.WriteMetadata(meta); err != nil {
		return nil, taxonomy.Classify(err).WithOperation("build_catalog")
	}

	b.logger.Info("Catalog build finished",
		slog.String("dir", store.Dir()),
		slog.String("status", string(info.status)),
		slog.Int("changes", len(info.changed)),
		slog.Int("total_objects", total),
		slog.Int("warnings", len(info.warnings)))

	return &BuildResult{
		Status:         info.status,
		LastBuild:      now,
		Changes:        len(info.changed),
		ChangedObjects: info.changed,
		Metadata:       meta,
		Warnings:       info.warnings,
	}, nil
}

// changeSet is the union of primary and safety detection: object FQNs that
// changed or vanished, and the schemas to re-harvest.
type changeSet struct {
	objects map[string]bool
	schemas map[string]map[string]bool
}

func newChangeSet() *changeSet {
	return &changeSet{
		objects: make(map[string]bool),
		schemas: make(map[string]map[string]bool),
	}
}

func (c *changeSet) addObject(db, schema, name string) {
	c.objects[db+"."+schema+"."+name] = true
	c.addSchema(db, schema)
}

func (c *changeSet) addSchema(db, schema string) {
	if c.schemas[db] == nil {
		c.schemas[db] = make(map[string]bool)
	}

	c.schemas[db][schema] = true
}

func (c *changeSet) empty() bool {
	return len(c.objects) == 0 && len(c.schemas) == 0
}

func (c *changeSet) sortedObjects() []string {
	objects := make([]string, 0, len(c.objects))
	for fqn := range c.objects {
		objects = append(objects, fqn)
	}

	sort.Strings(objects)

	return objects
}

// detectChanges probes for changes since meta.LastBuild. The per-database
// INFORMATION_SCHEMA probe is authoritative; an error there aborts
// detection so the caller can fall back to a full refresh. The
// ACCOUNT_USAGE probe widens the window backwards by the safety margin to
// catch late-visible changes and deletions, and degrades to a warning when
// unavailable.
func (b *Builder) detectChanges(ctx context.Context, h *harvester, scope []DatabaseRecord, meta Metadata) (*changeSet, []string, error) {
	changes := newChangeSet()

	var warnings []string

	since := sqlTimestamp(meta.LastBuild)

	for _, db := range scope {
		stmt := fmt.Sprintf(
			"SELECT TABLE_SCHEMA, TABLE_NAME FROM %s.INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA <> 'INFORMATION_SCHEMA' AND LAST_DDL > %s",
			object.Quote(db.Name), since)

		result, err := h.run(ctx, stmt)
		if err != nil {
			return nil, warnings, err
		}

		idx := columnIndex(result)
		for _, row := range result.Rows {
			changes.addObject(db.Name, stringAt(row, idx, "TABLE_SCHEMA"), stringAt(row, idx, "TABLE_NAME"))
		}

		stmt = fmt.Sprintf(
			"SELECT SCHEMA_NAME FROM %s.INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME <> 'INFORMATION_SCHEMA' AND LAST_ALTERED > %s",
			object.Quote(db.Name), since)

		result, err = h.run(ctx, stmt)
		if err != nil {
			return nil, warnings, err
		}

		idx = columnIndex(result)
		for _, row := range result.Rows {
			changes.addSchema(db.Name, stringAt(row, idx, "SCHEMA_NAME"))
		}
	}

	safetyWarning := b.detectLateChanges(ctx, h, scope, meta, changes)
	if safetyWarning != "" {
		if ctx.Err() != nil {
			return nil, warnings, ctx.Err()
		}

		warnings = append(warnings, safetyWarning)
	}

	return changes, warnings, nil
}

// detectLateChanges runs the ACCOUNT_USAGE safety probe. Returns a warning
// string when the probe is unavailable; primary detection stands alone
// then.
func (b *Builder) detectLateChanges(ctx context.Context, h *harvester, scope []DatabaseRecord, meta Metadata, changes *changeSet) string {
	lower := sqlTimestamp(meta.LastBuild.Add(-b.safetyMargin))
	upper := sqlTimestamp(meta.LastBuild)

	quoted := make([]string, len(scope))
	for i, db := range scope {
		quoted[i] = sqlString(db.Name)
	}

	stmt := fmt.Sprintf(
		"SELECT TABLE_CATALOG, TABLE_SCHEMA, TABLE_NAME, DELETED FROM SNOWFLAKE.ACCOUNT_USAGE.TABLES WHERE TABLE_CATALOG IN (%s) AND ((DELETED IS NULL AND LAST_ALTERED > %s AND LAST_ALTERED <= %s) OR (DELETED > %s))",
		strings.Join(quoted, ", "), lower, upper, lower)

	result, err := h.run(ctx, stmt)
	if err != nil {
		b.logger.Warn("ACCOUNT_USAGE probe unavailable, using primary detection only",
			slog.String("error", err.Error()))

		return fmt.Sprintf("ACCOUNT_USAGE unavailable (%v), deletions may go undetected until the next full refresh", err)
	}

	idx := columnIndex(result)
	for _, row := range result.Rows {
		changes.addObject(
			stringAt(row, idx, "TABLE_CATALOG"),
			stringAt(row, idx, "TABLE_SCHEMA"),
			stringAt(row, idx, "TABLE_NAME"))
	}

	return ""
}

// harvestDDL fans GET_DDL calls over the entries that still lack DDL text,
// bounded by the concurrency cap. Per-object failures become warnings.
func (b *Builder) harvestDDL(ctx context.Context, h *harvester, entries []Entry, limit int) ([]string, error) {
	var (
		mu       sync.Mutex
		warnings []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for i := range entries {
		if entries[i].DDL != "" || getDDLKind(entries[i].Kind) == "" {
			continue
		}

		entry := &entries[i]

		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}

			ddl, err := h.fetchDDL(gctx, entry.Ref)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}

				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("fetch DDL for %s: %v", entry.FQN(), err))
				mu.Unlock()

				return nil
			}

			entry.DDL = ddl

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return warnings, err
	}

	return warnings, nil
}

// mergeSnapshot folds re-harvested schemas into the existing snapshot. The
// harvest is authoritative for each re-harvested schema, so objects and
// schema records that vanished there drop out of the merge.
func mergeSnapshot(existing *Snapshot, scope []DatabaseRecord, affected map[string]map[string]bool, schemas []SchemaRecord, harvested []Entry) *Snapshot {
	snap := &Snapshot{}

	known := make(map[string]bool, len(existing.Databases))
	for _, db := range existing.Databases {
		known[db.Name] = true
		snap.Databases = append(snap.Databases, db)
	}

	for _, db := range scope {
		if !known[db.Name] {
			snap.Databases = append(snap.Databases, db)
		}
	}

	inAffected := func(db, schema string) bool {
		return affected[db] != nil && affected[db][schema]
	}

	for _, record := range existing.Schemas {
		if !inAffected(record.Database, record.Name) {
			snap.Schemas = append(snap.Schemas, record)
		}
	}

	snap.Schemas = append(snap.Schemas, schemas...)

	for _, entry := range existing.Entries {
		if !inAffected(entry.Database, entry.Schema) {
			snap.Entries = append(snap.Entries, entry)
		}
	}

	snap.Entries = append(snap.Entries, harvested...)

	return snap
}

// run executes one generated statement through the circuit breaker.
func (b *Builder) run(ctx context.Context, statement string) (*snowflake.Result, error) {
	if b.circuit == nil {
		return b.exec.Run(ctx, statement)
	}

	out, err := b.circuit.Do(func() (any, error) {
		return b.exec.Run(ctx, statement)
	})
	if err != nil {
		return nil, err
	}

	return out.(*snowflake.Result), nil
}

func (b *Builder) concurrency(req Request) int {
	if req.MaxConcurrency > 0 {
		return req.MaxConcurrency
	}

	return b.maxConcurrency
}

func entryFQNs(entries []Entry) []string {
	fqns := make([]string, 0, len(entries))
	for i := range entries {
		fqns = append(fqns, entries[i].FQN())
	}

	sort.Strings(fqns)

	return fqns
}

func databaseNames(records []DatabaseRecord) []string {
	names := make([]string, 0, len(records))
	for _, record := range records {
		names = append(names, record.Name)
	}

	sort.Strings(names)

	return names
}

