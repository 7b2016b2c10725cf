package chainlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingStore wraps a Store and fails every Commit once armed.
type failingStore struct {
	Store
	fail bool
}

func (s *failingStore) Commit(ctx context.Context, c Commit) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.Commit(ctx, c)
}

func openTestLog(t *testing.T, clock *fixedClock) *Log {
	t.Helper()
	l, err := Open(context.Background(), NewMemoryStore(), WithClock(clock.now))
	require.NoError(t, err)
	return l
}

func TestLog_AppendLinks(t *testing.T) {
	clock := &fixedClock{t: day("2026-01-01").Add(time.Hour)}
	l := openTestLog(t, clock)
	ctx := context.Background()

	e1, err := l.Append(ctx, testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)
	assert.Empty(t, e1.PrevHash)
	assert.True(t, VerifyLink(e1, nil))

	e2, err := l.Append(ctx, testEntry("2026-01-02", StateCash))
	require.NoError(t, err)
	assert.Equal(t, e1.Hash, e2.PrevHash)
	assert.True(t, VerifyLink(e2, &e1))

	latest, ok := l.Latest()
	require.True(t, ok)
	assert.Equal(t, e2, latest)
	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Verify().Valid)
}

func TestLog_AppendIgnoresCallerHashes(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-01")})
	e := testEntry("2026-01-01", StateBTC)
	e.PrevHash = "forged"
	e.Hash = "forged"

	got, err := l.Append(context.Background(), e)
	require.NoError(t, err)
	assert.Empty(t, got.PrevHash)
	assert.NotEqual(t, "forged", got.Hash)
}

func TestLog_AppendDefaultsUpdatedAt(t *testing.T) {
	clock := &fixedClock{t: time.Date(2026, 1, 1, 0, 5, 7, 999, time.UTC)}
	l := openTestLog(t, clock)
	e := testEntry("2026-01-01", StateBTC)
	e.UpdatedAtUTC = time.Time{}

	got, err := l.Append(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 5, 7, 0, time.UTC), got.UpdatedAtUTC)
}

func TestLog_AppendRejections(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-05")})
	ctx := context.Background()
	_, err := l.Append(ctx, testEntry("2026-01-03", StateBTC))
	require.NoError(t, err)

	_, err = l.Append(ctx, testEntry("2026-01-03", StateCash))
	assert.ErrorIs(t, err, ErrDuplicateDate)

	_, err = l.Append(ctx, testEntry("2026-01-02", StateCash))
	assert.ErrorIs(t, err, ErrOutOfOrder)
	var oerr *OutOfOrderError
	require.ErrorAs(t, err, &oerr)
	assert.Equal(t, "2026-01-03", oerr.Latest)

	missing := testEntry("2026-01-04", StateBTC)
	missing.State = ""
	missing.Status = ""
	_, err = l.Append(ctx, missing)
	require.ErrorIs(t, err, ErrMissingInput)
	var merr *MissingInputError
	require.ErrorAs(t, err, &merr)
	assert.ElementsMatch(t, []string{"state", "status"}, merr.Fields)

	assert.Equal(t, 1, l.Len())
}

func TestLog_AppendAtomicOnHashFailure(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-02")})
	ctx := context.Background()
	_, err := l.Append(ctx, testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)
	before := l.Entries()

	l.hash = func(Entry, string) (string, error) { return "", errors.New("boom") }
	_, err = l.Append(ctx, testEntry("2026-01-02", StateCash))
	require.Error(t, err)

	assert.Equal(t, before, l.Entries())
	_, ok := l.Get("2026-01-02")
	assert.False(t, ok)
}

func TestLog_AppendAtomicOnStoreFailure(t *testing.T) {
	st := &failingStore{Store: NewMemoryStore()}
	l, err := Open(context.Background(), st)
	require.NoError(t, err)
	ctx := context.Background()
	_, err = l.Append(ctx, testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)

	st.fail = true
	_, err = l.Append(ctx, testEntry("2026-01-02", StateCash))
	require.Error(t, err)
	assert.Equal(t, 1, l.Len())

	st.fail = false
	e, err := l.Append(ctx, testEntry("2026-01-02", StateCash))
	require.NoError(t, err)
	assert.NoError(t, VerifyChain(l.Entries()))
	assert.Equal(t, "2026-01-02", e.Date)
}

func TestLog_ConcurrentAppendSameDate(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-01")})
	ctx := context.Background()

	const writers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, testEntry("2026-01-01", StateBTC))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateDate):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, writers-1, dupes)
	assert.Equal(t, 1, l.Len())
}

func TestLog_ReopenVerifies(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	l, err := Open(ctx, st)
	require.NoError(t, err)
	for _, d := range []string{"2026-01-01", "2026-01-02"} {
		_, err := l.Append(ctx, testEntry(d, StateBTC))
		require.NoError(t, err)
	}

	again, err := Open(ctx, st)
	require.NoError(t, err)
	assert.Equal(t, l.Entries(), again.Entries())

	ms := st.(*memStore)
	ms.snap.Entries[0].State = "HOLD"
	_, err = Open(ctx, st)
	assert.ErrorIs(t, err, ErrChainVerification)
}

func TestLog_Range(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-10")})
	ctx := context.Background()
	for _, d := range []string{"2026-01-01", "2026-01-03", "2026-01-05", "2026-01-07"} {
		_, err := l.Append(ctx, testEntry(d, StateBTC))
		require.NoError(t, err)
	}

	got := l.Range("2026-01-02", "2026-01-05")
	require.Len(t, got, 2)
	assert.Equal(t, "2026-01-03", got[0].Date)
	assert.Equal(t, "2026-01-05", got[1].Date)
	assert.Len(t, l.Range("", "2026-01-01"), 1)
	assert.Len(t, l.Range("2026-01-06", ""), 1)
	assert.Empty(t, l.Range("2026-02-01", ""))
}

func TestLog_ReturnsCopies(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-01")})
	e, err := l.Append(context.Background(), testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)

	*e.PriceReference = 1
	e.State = "HOLD"
	got, _ := l.Get("2026-01-01")
	assert.Equal(t, StateBTC, got.State)
	assert.Equal(t, 64250.5, *got.PriceReference)
	assert.True(t, l.Verify().Valid)
}

func TestLog_HooksSeeCommittedEntry(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-02")})
	var seen []string
	var prevs []*Entry
	l.Subscribe(func(e Entry, prev *Entry) {
		seen = append(seen, e.Date)
		prevs = append(prevs, prev)
		assert.True(t, VerifyLink(e, prev))
	})
	ctx := context.Background()
	_, err := l.Append(ctx, testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)
	_, err = l.Append(ctx, testEntry("2026-01-02", StateCash))
	require.NoError(t, err)
	_, err = l.Append(ctx, testEntry("2026-01-02", StateCash))
	require.Error(t, err)

	assert.Equal(t, []string{"2026-01-01", "2026-01-02"}, seen)
	assert.Nil(t, prevs[0])
	require.NotNil(t, prevs[1])
	assert.Equal(t, "2026-01-01", prevs[1].Date)
}

func TestLog_CorrectLatest(t *testing.T) {
	clock := &fixedClock{t: day("2026-01-02").Add(2 * time.Hour)}
	l := openTestLog(t, clock)
	ctx := context.Background()
	e1, err := l.Append(ctx, testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)
	orig, err := l.Append(ctx, testEntry("2026-01-02", StateBTC))
	require.NoError(t, err)

	fixed := testEntry("2026-01-02", StateCash)
	got, err := l.CorrectLatest(ctx, fixed)
	require.NoError(t, err)
	assert.Equal(t, StateCash, got.State)
	assert.Equal(t, e1.Hash, got.PrevHash)
	assert.NotEqual(t, orig.Hash, got.Hash)
	assert.True(t, l.Verify().Valid)

	corr := l.Corrections()
	require.Len(t, corr, 1)
	assert.Equal(t, orig.Hash, corr[0].ReplacedHash)
	assert.Equal(t, "2026-01-02", corr[0].Date)

	// Identical re-run is a no-op.
	again, err := l.CorrectLatest(ctx, fixed)
	require.NoError(t, err)
	assert.Equal(t, got.Hash, again.Hash)
	assert.Len(t, l.Corrections(), 1)

	// Same content stamped later is still the same correction.
	later := fixed
	later.UpdatedAtUTC = fixed.UpdatedAtUTC.Add(time.Second)
	again, err = l.CorrectLatest(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, got.Hash, again.Hash)
	assert.Equal(t, got.UpdatedAtUTC, again.UpdatedAtUTC)
	assert.Len(t, l.Corrections(), 1)

	// A second, different correction is refused.
	_, err = l.CorrectLatest(ctx, testEntry("2026-01-02", "HOLD"))
	var ierr *ImmutableEntryError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Reason, "already corrected")
}

func TestLog_CorrectLatestRules(t *testing.T) {
	clock := &fixedClock{t: day("2026-01-02").Add(time.Hour)}
	l := openTestLog(t, clock)
	ctx := context.Background()

	_, err := l.CorrectLatest(ctx, testEntry("2026-01-02", StateCash))
	assert.ErrorIs(t, err, ErrEmptyLog)

	_, err = l.Append(ctx, testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)
	_, err = l.Append(ctx, testEntry("2026-01-02", StateBTC))
	require.NoError(t, err)

	_, err = l.CorrectLatest(ctx, testEntry("2026-01-01", StateCash))
	assert.ErrorIs(t, err, ErrImmutableEntry, "non-latest entry")

	_, err = l.CorrectLatest(ctx, testEntry("2026-01-09", StateCash))
	assert.ErrorIs(t, err, ErrEntryNotFound)

	clock.add(24 * time.Hour)
	_, err = l.CorrectLatest(ctx, testEntry("2026-01-02", StateCash))
	var ierr *ImmutableEntryError
	require.ErrorAs(t, err, &ierr)
	assert.Contains(t, ierr.Reason, "window closed")

	got, _ := l.Get("2026-01-02")
	assert.Equal(t, StateBTC, got.State)
}

func TestLog_Document(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-02")})
	doc := l.Document()
	assert.Empty(t, doc.Entries)
	assert.Nil(t, doc.Latest)

	ctx := context.Background()
	_, err := l.Append(ctx, testEntry("2026-01-01", StateBTC))
	require.NoError(t, err)
	last, err := l.Append(ctx, testEntry("2026-01-02", StateCash))
	require.NoError(t, err)

	doc = l.Document()
	assert.Equal(t, "2026-01-01", doc.StartDateUTC)
	require.NotNil(t, doc.Latest)
	assert.Equal(t, last.Hash, doc.Latest.Hash)
	assert.Equal(t, last.UpdatedAtUTC, *doc.LastUpdatedUTC)
	assert.Len(t, doc.Entries, 2)
}
