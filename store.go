package chainlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Snapshot is the committed state handed back by Store.Load.
type Snapshot struct {
	Entries     []Entry
	Corrections []Correction
}

// Commit is one atomic write. A nil Correction appends Entry at the tail; a
// non-nil Correction replaces the tail entry whose hash is
// Correction.ReplacedHash.
type Commit struct {
	Entry      Entry
	Correction *Correction
}

// Store abstracts persistence of the entry sequence. Implementations must
// apply a Commit atomically and reject one that does not extend (or replace)
// the tail they currently hold.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Commit(ctx context.Context, c Commit) error
	Close() error
}

// checkCommit validates c against the entries held by a backend, which are
// sorted by date. A date the backend already holds is a DuplicateDateError
// even when the writer's own view has not seen it yet.
func checkCommit(entries []Entry, c Commit) error {
	n := len(entries)
	if c.Correction == nil {
		if n == 0 {
			if c.Entry.PrevHash != "" {
				return fmt.Errorf("non-contiguous append: genesis entry %s has prev_hash: %w", c.Entry.Date, ErrStaleTail)
			}
			return nil
		}
		i := sort.Search(n, func(i int) bool { return entries[i].Date >= c.Entry.Date })
		if i < n && entries[i].Date == c.Entry.Date {
			return &DuplicateDateError{Date: c.Entry.Date}
		}
		tail := entries[n-1]
		if c.Entry.Date < tail.Date {
			return &OutOfOrderError{Date: c.Entry.Date, Latest: tail.Date}
		}
		if c.Entry.PrevHash != tail.Hash {
			return fmt.Errorf("non-contiguous append: %s does not link to tail %s: %w", c.Entry.Date, tail.Date, ErrStaleTail)
		}
		return nil
	}
	if n == 0 {
		return ErrEmptyLog
	}
	tail := entries[n-1]
	if tail.Date != c.Entry.Date || tail.Hash != c.Correction.ReplacedHash {
		return &ImmutableEntryError{Date: c.Entry.Date, Reason: "correction does not target the current tail"}
	}
	return nil
}

// staleCommit reports whether a Store rejected a commit because the writer's
// view of the sequence is behind the backend.
func staleCommit(err error) bool {
	return errors.Is(err, ErrDuplicateDate) ||
		errors.Is(err, ErrOutOfOrder) ||
		errors.Is(err, ErrStaleTail) ||
		errors.Is(err, ErrImmutableEntry) ||
		errors.Is(err, ErrEmptyLog)
}

// memStore keeps the sequence in process memory.
type memStore struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewMemoryStore returns a Store that lives only as long as the process.
func NewMemoryStore() Store {
	return &memStore{}
}

func (s *memStore) Load(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.snap), nil
}

func (s *memStore) Commit(_ context.Context, c Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkCommit(s.snap.Entries, c); err != nil {
		return err
	}
	if c.Correction != nil {
		s.snap.Entries[len(s.snap.Entries)-1] = c.Entry.Clone()
		s.snap.Corrections = append(s.snap.Corrections, *c.Correction)
		return nil
	}
	s.snap.Entries = append(s.snap.Entries, c.Entry.Clone())
	return nil
}

func (*memStore) Close() error { return nil }

func cloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{Entries: make([]Entry, 0, len(s.Entries))}
	for _, e := range s.Entries {
		out.Entries = append(out.Entries, e.Clone())
	}
	if len(s.Corrections) > 0 {
		out.Corrections = append([]Correction(nil), s.Corrections...)
	}
	return out
}
