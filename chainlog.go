package chainlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CommitHook is called after an entry becomes visible, either by Append or by
// CorrectLatest. prev is the entry's predecessor, nil for the genesis entry.
type CommitHook func(e Entry, prev *Entry)

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// WithMetrics sets the metric instruments.
func WithMetrics(m *Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// Log is the append-only store of daily entries. It owns the sequence:
// callers only ever see copies, and every write goes through Append or
// CorrectLatest under a single writer lock.
type Log struct {
	mu          sync.RWMutex
	store       Store
	entries     []Entry
	index       map[string]int
	corrections []Correction
	hooks       []CommitHook

	hash    func(Entry, string) (string, error)
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *Metrics
}

// Open loads the committed sequence from st and verifies it. A broken chain
// is reported, never repaired.
func Open(ctx context.Context, st Store, opts ...Option) (*Log, error) {
	l := &Log{
		store:  st,
		index:  make(map[string]int),
		hash:   ComputeHash,
		clock:  time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.reloadLocked(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// reloadLocked replaces the cached sequence with the store's, after
// verifying it. On error the cache is left as it was.
func (l *Log) reloadLocked(ctx context.Context) error {
	snap, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load log: %w", err)
	}
	if err := VerifyChain(snap.Entries); err != nil {
		return fmt.Errorf("load log: %w", err)
	}
	index := make(map[string]int, len(snap.Entries))
	for i, e := range snap.Entries {
		index[e.Date] = i
	}
	l.entries = snap.Entries
	l.index = index
	l.corrections = snap.Corrections
	return nil
}

// commitLocked writes c and, when the store says another writer got there
// first, refreshes the cache so the next call sees the current tail.
func (l *Log) commitLocked(ctx context.Context, c Commit) error {
	err := l.store.Commit(ctx, c)
	if err == nil || !staleCommit(err) {
		return err
	}
	if rerr := l.reloadLocked(ctx); rerr != nil {
		l.logger.Error().Err(rerr).Str("date", c.Entry.Date).Msg("reload after rejected commit failed")
	} else {
		l.logger.Warn().Err(err).Str("date", c.Entry.Date).Int("entries", len(l.entries)).
			Msg("store moved under this writer; cache reloaded")
	}
	return err
}

// Subscribe registers fn to run after every commit.
func (l *Log) Subscribe(fn CommitHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// prepare normalizes a caller-supplied entry and checks required fields.
func (l *Log) prepare(e Entry) (Entry, error) {
	e = e.normalized()
	e.PrevHash = ""
	e.Hash = ""
	if e.UpdatedAtUTC.IsZero() {
		e.UpdatedAtUTC = normalizeTime(l.clock())
	}
	if err := e.Validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Append chains e after the latest entry and commits it. On any error the
// visible sequence is unchanged.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	e, err := l.prepare(e)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	committed, prev, err := l.appendLocked(ctx, e)
	hooks := l.hooks
	l.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}

	l.metrics.appended(ctx)
	l.logger.Info().Str("date", committed.Date).Str("state", committed.State).
		Str("hash", committed.Hash).Msg("entry appended")
	notify(hooks, committed, prev)
	return committed.Clone(), nil
}

func (l *Log) appendLocked(ctx context.Context, e Entry) (Entry, *Entry, error) {
	if _, exists := l.index[e.Date]; exists {
		return Entry{}, nil, &DuplicateDateError{Date: e.Date}
	}
	var prev *Entry
	if n := len(l.entries); n > 0 {
		latest := l.entries[n-1]
		if e.Date <= latest.Date {
			return Entry{}, nil, &OutOfOrderError{Date: e.Date, Latest: latest.Date}
		}
		e.PrevHash = latest.Hash
		p := latest.Clone()
		prev = &p
	}

	h, err := l.hash(e, e.PrevHash)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("compute hash for %s: %w", e.Date, err)
	}
	e.Hash = h

	if err := l.commitLocked(ctx, Commit{Entry: e}); err != nil {
		return Entry{}, nil, fmt.Errorf("commit %s: %w", e.Date, err)
	}
	l.entries = append(l.entries, e)
	l.index[e.Date] = len(l.entries) - 1
	return e, prev, nil
}

// CorrectLatest replaces the latest entry once, on the same UTC day as its
// date. The replacement is re-chained against the unchanged predecessor.
// Repeating an identical correction is a no-op; any other change after the
// first correction fails with ImmutableEntryError.
func (l *Log) CorrectLatest(ctx context.Context, e Entry) (Entry, error) {
	e, err := l.prepare(e)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	committed, prev, changed, err := l.correctLocked(ctx, e)
	hooks := l.hooks
	l.mu.Unlock()
	if err != nil {
		return Entry{}, err
	}
	if changed {
		l.metrics.corrected(ctx)
		l.logger.Warn().Str("date", committed.Date).Str("state", committed.State).
			Str("hash", committed.Hash).Msg("latest entry corrected")
		notify(hooks, committed, prev)
	}
	return committed.Clone(), nil
}

func (l *Log) correctLocked(ctx context.Context, e Entry) (Entry, *Entry, bool, error) {
	n := len(l.entries)
	if n == 0 {
		return Entry{}, nil, false, fmt.Errorf("correct %s: %w", e.Date, ErrEmptyLog)
	}
	idx, ok := l.index[e.Date]
	if !ok {
		return Entry{}, nil, false, fmt.Errorf("correct %s: %w", e.Date, ErrEntryNotFound)
	}
	if idx != n-1 {
		return Entry{}, nil, false, &ImmutableEntryError{Date: e.Date, Reason: "only the latest entry may be corrected"}
	}
	if today := l.clock().UTC().Format(DateLayout); today != e.Date {
		return Entry{}, nil, false, &ImmutableEntryError{Date: e.Date, Reason: "same-day correction window closed on " + today}
	}

	current := l.entries[idx]
	var prev *Entry
	if idx > 0 {
		p := l.entries[idx-1].Clone()
		prev = &p
	}
	e.PrevHash = current.PrevHash

	// updated_at_utc is stamped per call, so a re-run of the same correction
	// is recognized by its content alone.
	same := e
	same.UpdatedAtUTC = current.UpdatedAtUTC
	if h, err := l.hash(same, same.PrevHash); err == nil && h == current.Hash {
		return current, prev, false, nil
	}

	h, err := l.hash(e, e.PrevHash)
	if err != nil {
		return Entry{}, nil, false, fmt.Errorf("compute hash for %s: %w", e.Date, err)
	}
	e.Hash = h
	if l.correctedLocked(e.Date) {
		return Entry{}, nil, false, &ImmutableEntryError{Date: e.Date, Reason: "already corrected once"}
	}

	corr := Correction{Date: e.Date, ReplacedHash: current.Hash, CorrectedAtUTC: normalizeTime(l.clock())}
	if err := l.commitLocked(ctx, Commit{Entry: e, Correction: &corr}); err != nil {
		return Entry{}, nil, false, fmt.Errorf("commit correction %s: %w", e.Date, err)
	}
	l.entries[idx] = e
	l.corrections = append(l.corrections, corr)
	return e, prev, true, nil
}

func (l *Log) correctedLocked(date string) bool {
	for _, c := range l.corrections {
		if c.Date == date {
			return true
		}
	}
	return false
}

func notify(hooks []CommitHook, e Entry, prev *Entry) {
	for _, h := range hooks {
		h(e.Clone(), prev)
	}
}

// Latest returns a copy of the most recent entry.
func (l *Log) Latest() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return Entry{}, false
	}
	return l.entries[len(l.entries)-1].Clone(), true
}

// Get returns a copy of the entry for date.
func (l *Log) Get(date string) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[date]
	if !ok {
		return Entry{}, false
	}
	return l.entries[i].Clone(), true
}

// Range returns copies of the entries with from <= date <= to. An empty bound
// is open.
func (l *Log) Range(from, to string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Entry, 0)
	for _, e := range l.entries {
		if from != "" && e.Date < from {
			continue
		}
		if to != "" && e.Date > to {
			break
		}
		out = append(out, e.Clone())
	}
	return out
}

// Entries returns a copy of the whole sequence.
func (l *Log) Entries() []Entry {
	return l.Range("", "")
}

// Len returns the number of committed entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Corrections returns the same-day corrections applied so far.
func (l *Log) Corrections() []Correction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Correction(nil), l.corrections...)
}

// Document returns the publishable form of the log.
func (l *Log) Document() Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return NewDocument(l.entries, l.corrections)
}

// Verify re-checks the committed sequence.
func (l *Log) Verify() ChainReport {
	return CheckChain(l.Entries())
}

// Close closes the backing store.
func (l *Log) Close() error {
	return l.store.Close()
}
