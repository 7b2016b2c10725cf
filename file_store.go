package chainlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// fileStore implements Store as a single JSON document on disk.
// Directory layout:
//
//	{dir}/log.json   the published Document (latest pointer + entries)
//	{dir}/log.lock   advisory lock shared by every process using dir
//
// Every commit re-reads the document under an exclusive flock, checks the
// tail, then replaces the file through write-temp, fsync, rename.
type fileStore struct {
	dir      string
	lockFile *os.File
	mu       sync.RWMutex
}

const (
	logFileName  = "log.json"
	lockFileName = "log.lock"
	schemaURL    = "https://chainlog.local/schema/log.schema.json"
)

// documentSchema is closed: only the chain fields plus the two passthrough
// metadata fields may appear in an entry.
const documentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["entries"],
  "properties": {
    "start_date_utc": {"type": "string"},
    "last_updated_utc": {"type": "string"},
    "latest": {"$ref": "#/$defs/entry"},
    "entries": {"type": "array", "items": {"$ref": "#/$defs/entry"}},
    "corrections": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["date", "replaced_hash", "corrected_at_utc"],
        "properties": {
          "date": {"type": "string"},
          "replaced_hash": {"type": "string"},
          "corrected_at_utc": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "entry": {
      "type": "object",
      "additionalProperties": false,
      "required": ["date", "timestamp_utc", "state", "status", "updated_at_utc", "prev_hash", "hash"],
      "properties": {
        "date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
        "timestamp_utc": {"type": "string"},
        "state": {"type": "string", "minLength": 1},
        "price_reference": {"type": ["number", "null"]},
        "status": {"type": "string", "minLength": 1},
        "logic_version": {"type": "string"},
        "confidence_score": {"type": ["number", "null"]},
        "updated_at_utc": {"type": "string"},
        "prev_hash": {"type": "string"},
        "hash": {"type": "string"}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func logSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
			schemaErr = fmt.Errorf("log schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateDocument checks raw against the closed log document schema.
func ValidateDocument(raw []byte) error {
	schema, err := logSchema()
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("decode log document: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("log document schema: %w", err)
	}
	return nil
}

// OpenFileStore creates or opens a file-backed store in dir.
func OpenFileStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return &fileStore{dir: dir, lockFile: lockFile}, nil
}

func (s *fileStore) path() string { return filepath.Join(s.dir, logFileName) }

func (s *fileStore) flock(how int) (func(), error) {
	fd := int(s.lockFile.Fd())
	if err := syscall.Flock(fd, how); err != nil {
		return nil, fmt.Errorf("lock log: %w", err)
	}
	return func() { _ = syscall.Flock(fd, syscall.LOCK_UN) }, nil
}

// Load reads and schema-checks the document. A missing file is an empty log.
func (s *fileStore) Load(context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unlock, err := s.flock(syscall.LOCK_SH)
	if err != nil {
		return Snapshot{}, err
	}
	defer unlock()
	return s.readLocked()
}

func (s *fileStore) readLocked() (Snapshot, error) {
	raw, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read log file: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return Snapshot{}, nil
	}
	if err := ValidateDocument(raw); err != nil {
		return Snapshot{}, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, fmt.Errorf("decode log file: %w", err)
	}
	return Snapshot{Entries: doc.Entries, Corrections: doc.Corrections}, nil
}

// Commit applies c to the on-disk document atomically.
func (s *fileStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.flock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	snap, err := s.readLocked()
	if err != nil {
		return err
	}
	if err := checkCommit(snap.Entries, c); err != nil {
		return err
	}
	if c.Correction != nil {
		snap.Entries[len(snap.Entries)-1] = c.Entry
		snap.Corrections = append(snap.Corrections, *c.Correction)
	} else {
		snap.Entries = append(snap.Entries, c.Entry)
	}
	return s.writeLocked(NewDocument(snap.Entries, snap.Corrections))
}

func (s *fileStore) writeLocked(doc Document) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode log file: %w", err)
	}
	raw = append(raw, '\n')
	return writeFileAtomic(s.path(), raw, 0o644)
}

// writeFileAtomic replaces path with data so that readers see either the old
// or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory: %w", err)
	}
	return nil
}

// Close releases the lock file.
func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lockFile.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

const journalFileName = "detector.json"

// journal is the on-disk form of the detector state.
type journal struct {
	Incidents      []Incident      `json:"incidents"`
	PublishRecords []PublishRecord `json:"publish_records"`
}

// fileDetectorStore keeps incidents and publish records in
// {dir}/detector.json, guarded by the same lock file as the log.
type fileDetectorStore struct {
	*fileStore
}

// OpenFileDetectorStore opens the detector journal in dir.
func OpenFileDetectorStore(dir string) (DetectorStore, error) {
	st, err := OpenFileStore(dir)
	if err != nil {
		return nil, err
	}
	return &fileDetectorStore{fileStore: st.(*fileStore)}, nil
}

func (s *fileDetectorStore) journalPath() string { return filepath.Join(s.dir, journalFileName) }

func (s *fileDetectorStore) readJournal() (journal, error) {
	var j journal
	raw, err := os.ReadFile(s.journalPath())
	if errors.Is(err, os.ErrNotExist) {
		return j, nil
	}
	if err != nil {
		return j, fmt.Errorf("read journal: %w", err)
	}
	if err := json.Unmarshal(raw, &j); err != nil {
		return j, fmt.Errorf("decode journal: %w", err)
	}
	return j, nil
}

func (s *fileDetectorStore) view(fn func(journal) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	unlock, err := s.flock(syscall.LOCK_SH)
	if err != nil {
		return err
	}
	defer unlock()
	j, err := s.readJournal()
	if err != nil {
		return err
	}
	return fn(j)
}

func (s *fileDetectorStore) update(fn func(*journal)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	unlock, err := s.flock(syscall.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()
	j, err := s.readJournal()
	if err != nil {
		return err
	}
	fn(&j)
	raw, err := encodeJSON(j)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.journalPath(), raw, 0o644)
}

func (s *fileDetectorStore) SaveIncident(_ context.Context, inc Incident) error {
	return s.update(func(j *journal) {
		for i := range j.Incidents {
			if j.Incidents[i].ID == inc.ID {
				j.Incidents[i] = inc
				return
			}
		}
		j.Incidents = append(j.Incidents, inc)
		sort.Slice(j.Incidents, func(a, b int) bool { return j.Incidents[a].ID < j.Incidents[b].ID })
	})
}

func (s *fileDetectorStore) Incident(_ context.Context, date string) (Incident, bool, error) {
	var (
		out   Incident
		found bool
	)
	err := s.view(func(j journal) error {
		for _, inc := range j.Incidents {
			if inc.ID == date {
				out, found = inc, true
			}
		}
		return nil
	})
	return out, found, err
}

func (s *fileDetectorStore) Incidents(context.Context) ([]Incident, error) {
	out := make([]Incident, 0)
	err := s.view(func(j journal) error {
		out = append(out, j.Incidents...)
		return nil
	})
	return out, err
}

func (s *fileDetectorStore) SavePublishRecord(_ context.Context, rec PublishRecord) error {
	return s.update(func(j *journal) {
		for i := range j.PublishRecords {
			if j.PublishRecords[i].Date == rec.Date {
				j.PublishRecords[i] = rec
				return
			}
		}
		j.PublishRecords = append(j.PublishRecords, rec)
		sort.Slice(j.PublishRecords, func(a, b int) bool { return j.PublishRecords[a].Date < j.PublishRecords[b].Date })
	})
}

func (s *fileDetectorStore) PublishRecords(_ context.Context, from, to string) ([]PublishRecord, error) {
	out := make([]PublishRecord, 0)
	err := s.view(func(j journal) error {
		for _, rec := range j.PublishRecords {
			if (from == "" || rec.Date >= from) && (to == "" || rec.Date <= to) {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}
