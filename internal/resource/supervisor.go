// Package resource gates tools on the dependencies they need.
//
// Each gated capability (resource) declares a static dependency list:
// catalog and dependency_graph need a valid profile and a reachable
// backend, lineage additionally needs a built catalog, cortex_search needs
// the cortex feature flag. The supervisor evaluates dependency health on
// demand, caches the evaluation for a short TTL, and answers two
// questions: the status listing for get_resource_status and
// check_resource_dependencies, and the pass/fail gate consulted by tool
// handlers before they do any work.
//
// Dependency evaluation never contacts Snowflake. Backend reachability is
// judged from the circuit breaker's state, so a gated handler fails fast
// without adding load to a backend that is already failing.
package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/snowlens-io/snowlens/internal/breaker"
	"github.com/snowlens-io/snowlens/internal/catalog"
	"github.com/snowlens-io/snowlens/internal/profile"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Status is a resource's availability classification.
type Status string

// Resource statuses.
const (
	StatusReady        Status = "ready"
	StatusInitializing Status = "initializing"
	StatusDegraded     Status = "degraded"
	StatusUnavailable  Status = "unavailable"
	StatusError        Status = "error"
)

// Gated resources.
const (
	Catalog         = "catalog"
	Lineage         = "lineage"
	DependencyGraph = "dependency_graph"
	CortexSearch    = "cortex_search"
)

// Dependency names.
const (
	depProfile    = "profile"
	depConnection = "connection"
	depCatalog    = "catalog"
	depCortex     = "cortex_enabled"
)

// dependencies is the static resource DAG. Order within a list is the
// order dependencies are reported in.
var dependencies = map[string][]string{
	Catalog:         {depProfile, depConnection},
	Lineage:         {depProfile, depConnection, depCatalog},
	DependencyGraph: {depProfile, depConnection},
	CortexSearch:    {depProfile, depConnection, depCortex},
}

// Names lists the known resources in sorted order.
func Names() []string {
	names := make([]string, 0, len(dependencies))
	for name := range dependencies {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// DefaultCacheTTL is how long one dependency evaluation stays fresh.
const DefaultCacheTTL = 60 * time.Second

// DependencyState is one evaluated dependency.
type DependencyState struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Issue   string `json:"issue,omitempty"`
}

// ResourceStatus is the per-resource answer shape.
type ResourceStatus struct {
	Name            string            `json:"name"`
	Available       bool              `json:"available"`
	Status          Status            `json:"status"`
	DependenciesMet bool              `json:"dependencies_met"`
	Dependencies    []DependencyState `json:"dependencies"`
	BlockingIssues  []string          `json:"blocking_issues"`
}

// depState is one dependency's evaluation outcome.
type depState struct {
	healthy  bool
	degraded bool
	building bool
	broken   bool
	issue    string
}

// Config wires a Supervisor.
type Config struct {
	// Validator checks the active profile; Profile names it.
	Validator *profile.Validator
	Profile   string

	// Circuit is the process-wide breaker for the active backend. A nil
	// circuit means no failure evidence, so the connection dependency
	// reads healthy.
	Circuit *breaker.Breaker

	// CatalogDir is where the catalog dependency looks for a built
	// catalog.
	CatalogDir string

	// CortexEnabled is the cortex_search feature flag.
	CortexEnabled bool

	// CacheTTL bounds how often dependencies are re-evaluated.
	CacheTTL time.Duration

	// Now is the clock; nil selects time.Now.
	Now func() time.Time
}

// Supervisor evaluates the resource DAG.
type Supervisor struct {
	validator     *profile.Validator
	profileName   string
	circuit       *breaker.Breaker
	catalogDir    string
	cortexEnabled bool
	ttl           time.Duration
	now           func() time.Time

	mu       sync.Mutex
	cached   map[string]depState
	cachedAt time.Time

	group singleflight.Group
}

// NewSupervisor creates a supervisor from cfg.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Supervisor{
		validator:     cfg.Validator,
		profileName:   cfg.Profile,
		circuit:       cfg.Circuit,
		catalogDir:    cfg.CatalogDir,
		cortexEnabled: cfg.CortexEnabled,
		ttl:           cfg.CacheTTL,
		now:           cfg.Now,
	}
}

// Statuses evaluates every resource, sorted by name.
func (s *Supervisor) Statuses(ctx context.Context) []ResourceStatus {
	deps := s.dependencies(ctx)

	out := make([]ResourceStatus, 0, len(dependencies))
	for _, name := range Names() {
		out = append(out, buildStatus(name, deps))
	}

	return out
}

// Status evaluates one named resource. Unknown names fail with not_found
// listing the known resources.
func (s *Supervisor) Status(ctx context.Context, name string) (*ResourceStatus, error) {
	if _, ok := dependencies[name]; !ok {
		return nil, taxonomy.Newf(taxonomy.CategoryNotFound, "unknown resource %q", name).
			WithData("candidates", Names()).
			WithSuggestions("pass one of: " + strings.Join(Names(), ", "))
	}

	deps := s.dependencies(ctx)
	status := buildStatus(name, deps)

	return &status, nil
}

// Gate fails when the named resource is not available, reporting the
// unmet dependencies. Handlers call it before doing any work.
func (s *Supervisor) Gate(ctx context.Context, name string) error {
	status, err := s.Status(ctx, name)
	if err != nil {
		return err
	}

	if status.Available {
		return nil
	}

	missing := make([]string, 0, len(status.Dependencies))

	for _, dep := range status.Dependencies {
		if !dep.Healthy {
			missing = append(missing, dep.Name)
		}
	}

	gateErr := taxonomy.Newf(taxonomy.CategoryResource, "resource %q is %s", name, status.Status).
		WithData("resource", name).
		WithData("missing_dependencies", missing).
		WithData("blocking_issues", status.BlockingIssues).
		WithSuggestions(suggestionsFor(missing)...)

	return gateErr
}

// Invalidate drops the cached evaluation so the next call re-checks
// dependencies. Called after a successful catalog build.
func (s *Supervisor) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
}

// dependencies returns the cached dependency snapshot, refreshing it when
// stale. Concurrent refreshes collapse into one evaluation.
func (s *Supervisor) dependencies(ctx context.Context) map[string]depState {
	s.mu.Lock()

	if s.cached != nil && s.now().Sub(s.cachedAt) < s.ttl {
		cached := s.cached
		s.mu.Unlock()

		return cached
	}

	s.mu.Unlock()

	fresh, _, _ := s.group.Do("deps", func() (any, error) {
		deps := s.evaluate(ctx)

		s.mu.Lock()
		s.cached = deps
		s.cachedAt = s.now()
		s.mu.Unlock()

		return deps, nil
	})

	return fresh.(map[string]depState)
}

func (s *Supervisor) evaluate(_ context.Context) map[string]depState {
	return map[string]depState{
		depProfile:    s.checkProfile(),
		depConnection: s.checkConnection(),
		depCatalog:    s.checkCatalog(),
		depCortex:     s.checkCortex(),
	}
}

func (s *Supervisor) checkProfile() depState {
	if s.validator == nil {
		return depState{broken: true, issue: "no profile validator configured"}
	}

	diags := s.validator.Validate(s.profileName)
	if diags.Valid {
		return depState{healthy: true}
	}

	issue := "profile is invalid"
	if len(diags.Errors) > 0 {
		issue = diags.Errors[0]
	}

	return depState{issue: issue}
}

func (s *Supervisor) checkConnection() depState {
	if s.circuit == nil {
		return depState{healthy: true}
	}

	switch s.circuit.State() {
	case breaker.StateOpen:
		return depState{issue: "circuit breaker is open; the backend is failing"}
	case breaker.StateHalfOpen:
		return depState{healthy: true, degraded: true, issue: "circuit breaker is probing recovery"}
	default:
		return depState{healthy: true}
	}
}

func (s *Supervisor) checkCatalog() depState {
	store := catalog.NewStore(s.catalogDir)

	_, err := store.ReadMetadata()

	switch {
	case err == nil:
		return depState{healthy: true}
	case errors.Is(err, catalog.ErrNoCatalog):
		if s.catalogBuilding() {
			return depState{building: true, issue: "catalog build in progress"}
		}

		return depState{issue: "catalog has not been built; run build_catalog"}
	case errors.Is(err, catalog.ErrMalformedMetadata):
		return depState{broken: true, issue: "catalog metadata is malformed; run build_catalog with force_full"}
	default:
		return depState{broken: true, issue: fmt.Sprintf("catalog unreadable: %v", err)}
	}
}

// catalogBuilding reports whether a builder currently holds the catalog
// lock. The probe takes a shared lock, which cannot block catalog readers
// and overlaps an exclusive acquisition only for the instant of the check.
func (s *Supervisor) catalogBuilding() bool {
	path := filepath.Join(s.catalogDir, catalog.LockFile)
	if _, err := os.Stat(path); err != nil {
		return false
	}

	lock := flock.New(path)

	free, err := lock.TryRLock()
	if err != nil {
		return false
	}

	if free {
		_ = lock.Unlock()

		return false
	}

	return true
}

func (s *Supervisor) checkCortex() depState {
	if s.cortexEnabled {
		return depState{healthy: true}
	}

	return depState{issue: "cortex features are disabled; set SNOWLENS_CORTEX_ENABLED=true"}
}

// buildStatus folds the dependency snapshot into one resource's answer.
func buildStatus(name string, deps map[string]depState) ResourceStatus {
	status := ResourceStatus{
		Name:           name,
		Dependencies:   []DependencyState{},
		BlockingIssues: []string{},
	}

	met := true
	degraded := false
	building := false
	broken := false

	for _, depName := range dependencies[name] {
		state := deps[depName]

		status.Dependencies = append(status.Dependencies, DependencyState{
			Name:    depName,
			Healthy: state.healthy,
			Issue:   state.issue,
		})

		if !state.healthy {
			met = false

			if state.issue != "" {
				status.BlockingIssues = append(status.BlockingIssues, state.issue)
			}
		}

		degraded = degraded || state.degraded
		building = building || state.building
		broken = broken || (!state.healthy && state.broken)
	}

	status.DependenciesMet = met

	switch {
	case met && !degraded:
		status.Status = StatusReady
		status.Available = true
	case met:
		status.Status = StatusDegraded
		status.Available = true
	case broken:
		status.Status = StatusError
	case building:
		status.Status = StatusInitializing
	default:
		status.Status = StatusUnavailable
	}

	return status
}

// suggestionsFor maps unmet dependencies to the tool that diagnoses them.
func suggestionsFor(missing []string) []string {
	var out []string

	for _, dep := range missing {
		switch dep {
		case depProfile:
			out = append(out, "run check_profile_config to see what the profile is missing")
		case depConnection:
			out = append(out, "run test_connection once the backend recovers")
		case depCatalog:
			out = append(out, "run build_catalog to create the catalog")
		case depCortex:
			out = append(out, "set SNOWLENS_CORTEX_ENABLED=true to enable cortex features")
		}
	}

	return out
}
