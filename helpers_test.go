package chainlog

import (
	"context"
	"testing"
	"time"
)

//revive:disable:cyclomatic High complexity acceptable in tests
//revive:disable:cognitive-complexity High complexity acceptable in tests
//revive:disable:function-length Long test functions are acceptable

func ptr[T any](v T) *T { return &v }

// fixedClock returns a clock pinned to t, advanced with set.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time      { return c.t }
func (c *fixedClock) set(t time.Time)     { c.t = t }
func (c *fixedClock) add(d time.Duration) { c.t = c.t.Add(d) }

func day(date string) time.Time {
	t, err := time.Parse(DateLayout, date)
	if err != nil {
		panic(err)
	}
	return t
}

func testInput(date, state string) Input {
	return Input{
		Date:           date,
		State:          state,
		TimestampUTC:   day(date).Add(0*time.Hour + 1*time.Minute),
		Status:         StatusOK,
		PriceReference: ptr(64250.5),
		LogicVersion:   "v1",
	}
}

func testEntry(date, state string) Entry {
	return testInput(date, state).Entry(day(date).Add(5 * time.Minute))
}

// chainOf builds a verified chain through a memory-backed Log.
func chainOf(t *testing.T, dates ...string) []Entry {
	t.Helper()
	l, err := Open(context.Background(), NewMemoryStore())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i, d := range dates {
		state := StateBTC
		if i%2 == 1 {
			state = StateCash
		}
		if _, err := l.Append(context.Background(), testEntry(d, state)); err != nil {
			t.Fatalf("Append %s: %v", d, err)
		}
	}
	return l.Entries()
}
