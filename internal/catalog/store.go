package catalog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/snowlens-io/snowlens/internal/object"
	"github.com/snowlens-io/snowlens/internal/taxonomy"
)

// Sentinel errors for catalog storage.
var (
	// ErrNoCatalog is returned when the directory has no metadata sidecar,
	// meaning no complete build has ever finished there.
	ErrNoCatalog = errors.New("no catalog metadata found")

	// ErrMalformedMetadata is returned when the sidecar exists but cannot be
	// decoded or violates its own invariants.
	ErrMalformedMetadata = errors.New("catalog metadata is malformed")
)

// Store reads and writes one catalog directory.
//
// Writes are staged: every file lands under a temporary name first and is
// renamed into place only when complete, with the metadata sidecar renamed
// last. A reader that gates on the sidecar therefore sees either the prior
// snapshot or the new one.
type Store struct {
	dir string
}

// NewStore returns a store for the given catalog directory. The directory
// is created on first write, not here.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the catalog directory path.
func (s *Store) Dir() string {
	return s.dir
}

// Lock acquires the single-writer build lock for the directory. The
// returned release function must be called when the build finishes. A held
// lock surfaces as a Resource error so concurrent build attempts fail fast.
func (s *Store) Lock() (release func(), err error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, taxonomy.New(taxonomy.CategoryConfiguration,
			"cannot create catalog directory").
			WithCause(err).
			WithData("catalog_dir", s.dir)
	}

	lock := flock.New(filepath.Join(s.dir, LockFile))

	locked, err := lock.TryLock()
	if err != nil {
		return nil, taxonomy.New(taxonomy.CategoryConfiguration,
			"cannot acquire catalog lock").
			WithCause(err).
			WithData("lock_path", lock.Path())
	}

	if !locked {
		return nil, taxonomy.New(taxonomy.CategoryResource,
			"catalog build already in progress").
			WithData("catalog_dir", s.dir).
			WithData("lock_path", lock.Path()).
			WithSuggestions(
				"wait for the running build to finish and retry",
				fmt.Sprintf("if no build is running, remove the stale lock file at %s", lock.Path()),
			)
	}

	return func() { _ = lock.Unlock() }, nil
}

// ReadMetadata loads and validates the metadata sidecar.
func (s *Store) ReadMetadata() (Metadata, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, MetadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, fmt.Errorf("%w in %s", ErrNoCatalog, s.dir)
		}

		return Metadata{}, fmt.Errorf("read catalog metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMalformedMetadata, err)
	}

	if meta.LastBuild.IsZero() || meta.LastFullRefresh.After(meta.LastBuild) {
		return Metadata{}, fmt.Errorf("%w: inconsistent build timestamps", ErrMalformedMetadata)
	}

	return meta, nil
}

// WriteMetadata persists the sidecar via temp-file rename. This is the
// commit point of a build and must be the last write.
func (s *Store) WriteMetadata(meta Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode catalog metadata: %w", err)
	}

	return s.writeAtomic(MetadataFile, append(raw, '\n'))
}

// ReadEntries loads the object records from one record-file stem
// ("tables", "views", ...), accepting either encoding.
func (s *Store) ReadEntries(stem string) ([]Entry, error) {
	return readRecords[Entry](s, stem)
}

// ReadSchemas loads the schema records.
func (s *Store) ReadSchemas() ([]SchemaRecord, error) {
	return readRecords[SchemaRecord](s, "schemas")
}

// ReadDatabases loads the database records.
func (s *Store) ReadDatabases() ([]DatabaseRecord, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, DatabasesFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read %s: %w", DatabasesFile, err)
	}

	var records []DatabaseRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", DatabasesFile, err)
	}

	return records, nil
}

// LoadSnapshot reads every record file in the directory into memory.
// Missing files read as empty; the caller decides whether that matters.
func (s *Store) LoadSnapshot() (*Snapshot, error) {
	snap := &Snapshot{}

	databases, err := s.ReadDatabases()
	if err != nil {
		return nil, err
	}

	snap.Databases = databases

	schemas, err := s.ReadSchemas()
	if err != nil {
		return nil, err
	}

	snap.Schemas = schemas

	for stem := range objectFiles {
		entries, err := s.ReadEntries(stem)
		if err != nil {
			return nil, err
		}

		snap.Entries = append(snap.Entries, entries...)
	}

	return snap, nil
}

// WriteSnapshot persists all record files of a snapshot in the given
// format. Records are sorted by canonical key so repeated builds of the
// same state produce byte-identical files. The metadata sidecar is NOT
// written here; the builder commits it separately once the snapshot is
// fully on disk.
func (s *Store) WriteSnapshot(snap *Snapshot, format Format) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create catalog directory: %w", err)
	}

	sortSnapshot(snap)

	raw, err := json.MarshalIndent(snap.Databases, "", "  ")
	if err != nil {
		return fmt.Errorf("encode databases: %w", err)
	}

	if err := s.writeAtomic(DatabasesFile, append(raw, '\n')); err != nil {
		return err
	}

	if err := writeRecords(s, "schemas", snap.Schemas, format); err != nil {
		return err
	}

	byStem := make(map[string][]Entry, len(objectFiles))
	for _, entry := range snap.Entries {
		stem := fileStemForKind(entry.Kind)
		if stem == "" {
			continue
		}

		byStem[stem] = append(byStem[stem], entry)
	}

	// Every object file is written even when empty so an incremental build
	// that removes the last record of a kind truncates the file.
	for stem := range objectFiles {
		if err := writeRecords(s, stem, byStem[stem], format); err != nil {
			return err
		}
	}

	return nil
}

// WriteDDL persists one object's DDL text under ddl/<db>/<schema>/<name>.sql.
func (s *Store) WriteDDL(ref object.Ref, ddl string) error {
	dir := filepath.Join(s.dir, ddlDir, safeName(ref.Database), safeName(ref.Schema))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ddl directory: %w", err)
	}

	path := filepath.Join(dir, safeName(ref.Name)+".sql")

	ddl = strings.TrimRight(ddl, "\n") + "\n"
	if err := os.WriteFile(path, []byte(ddl), 0o644); err != nil {
		return fmt.Errorf("write ddl for %s: %w", ref.FQN(), err)
	}

	return nil
}

// Summarize computes the catalog summary from the record files, gated on a
// readable metadata sidecar.
func (s *Store) Summarize() (*Summary, error) {
	meta, err := s.ReadMetadata()
	if err != nil {
		return nil, err
	}

	snap, err := s.LoadSnapshot()
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Databases:       len(snap.Databases),
		Schemas:         len(snap.Schemas),
		LastBuild:       meta.LastBuild,
		LastFullRefresh: meta.LastFullRefresh,
	}

	for _, entry := range snap.Entries {
		switch entry.Kind {
		case object.KindTable, object.KindExternalTable, object.KindDynamicTable:
			summary.Tables++
		case object.KindView, object.KindMaterializedView:
			summary.Views++
		}

		summary.Columns += len(entry.Columns)
	}

	summary.DDLFiles = s.countDDLFiles()

	return summary, nil
}

// countDDLFiles walks the ddl subtree counting persisted .sql files. A
// missing subtree means the last build ran without DDL and counts as zero.
func (s *Store) countDDLFiles() int {
	count := 0

	root := filepath.Join(s.dir, ddlDir)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}

		if strings.HasSuffix(d.Name(), ".sql") {
			count++
		}

		return nil
	})

	return count
}

// CountObjects returns the total record count across the object files plus
// the table-file count, for the metadata sidecar.
func CountObjects(snap *Snapshot) (total, tables int) {
	for _, entry := range snap.Entries {
		stem := fileStemForKind(entry.Kind)
		if stem == "" {
			continue
		}

		total++

		if stem == "tables" {
			tables++
		}
	}

	return total, tables
}

// readRecords loads one record file, preferring the JSONL encoding and
// falling back to the JSON-array encoding when only that exists.
func readRecords[T any](s *Store, stem string) ([]T, error) {
	path := filepath.Join(s.dir, stem+".jsonl")

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return readRecordArray[T](filepath.Join(s.dir, stem+".json"))
	}

	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var records []T

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		var record T
		if err := json.Unmarshal([]byte(text), &record); err != nil {
			return nil, fmt.Errorf("decode %s line %d: %w", filepath.Base(path), line, err)
		}

		records = append(records, record)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	return records, nil
}

func readRecordArray[T any](path string) ([]T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}

	var records []T
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}

	return records, nil
}

// writeRecords persists one record file in the requested format and removes
// the sibling file of the other encoding so readers never see both.
func writeRecords[T any](s *Store, stem string, records []T, format Format) error {
	var (
		raw []byte
		err error
	)

	name := stem + ".jsonl"
	sibling := stem + ".json"

	if format == FormatJSON {
		name, sibling = sibling, name

		if records == nil {
			records = []T{}
		}

		raw, err = json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}

		raw = append(raw, '\n')
	} else {
		var buf strings.Builder

		enc := json.NewEncoder(&buf)
		for i := range records {
			if err := enc.Encode(records[i]); err != nil {
				return fmt.Errorf("encode %s: %w", name, err)
			}
		}

		raw = []byte(buf.String())
	}

	if err := s.writeAtomic(name, raw); err != nil {
		return err
	}

	if err := os.Remove(filepath.Join(s.dir, sibling)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", sibling, err)
	}

	return nil
}

// writeAtomic writes data to a temporary file in the catalog directory and
// renames it into place.
func (s *Store) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", name, err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("stage %s: %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("stage %s: %w", name, err)
	}

	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("stage %s: %w", name, err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("commit %s: %w", name, err)
	}

	return nil
}

// sortSnapshot orders records deterministically so identical snapshots
// serialize byte-identically.
func sortSnapshot(snap *Snapshot) {
	sort.Slice(snap.Databases, func(i, j int) bool {
		return snap.Databases[i].Name < snap.Databases[j].Name
	})
	sort.Slice(snap.Schemas, func(i, j int) bool {
		if snap.Schemas[i].Database != snap.Schemas[j].Database {
			return snap.Schemas[i].Database < snap.Schemas[j].Database
		}

		return snap.Schemas[i].Name < snap.Schemas[j].Name
	})
	sort.Slice(snap.Entries, func(i, j int) bool {
		return snap.Entries[i].Key() < snap.Entries[j].Key()
	})
}

// safeName maps a canonical identifier to a filesystem-safe path segment.
func safeName(ident string) string {
	if ident == "" {
		return "_"
	}

	var b strings.Builder

	for _, r := range ident {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	return b.String()
}
