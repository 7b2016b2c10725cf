package chainlog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapReader map[string]Entry

func (m mapReader) Get(date string) (Entry, bool) {
	e, ok := m[date]
	return e, ok
}

func TestCompare(t *testing.T) {
	entries := mapReader{
		"2026-01-01": {Date: "2026-01-01", State: StateBTC},
		"2026-01-02": {Date: "2026-01-02", State: StateCash},
		"2026-01-03": {Date: "2026-01-03", State: StateBTC},
		"2026-01-04": {Date: "2026-01-04", State: StateBTC},
	}
	ref := []ReferencePoint{
		{Date: "2026-01-01", State: StateBTC},
		{Date: "2026-01-02", State: StateCash},
		{Date: "2026-01-03", State: StateCash},
		{Date: "2026-01-04", State: StateBTC},
		{Date: "2026-01-05", State: StateBTC},
	}

	rep := Compare(ref, entries)
	assert.Equal(t, 5, rep.Compared)
	assert.Equal(t, 3, rep.Matches)
	assert.Equal(t, 2, rep.Mismatches)
	assert.Equal(t, "2026-01-03", rep.FirstMismatchDate)
	assert.False(t, rep.OK())
	assert.Equal(t, "FAIL", rep.Result())

	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	assert.Equal(t, "compare_dates=5\nmatches=3\nmismatches=2\nfirst_mismatch_date=2026-01-03\nresult=FAIL\n", buf.String())
}

func TestCompare_AllMatch(t *testing.T) {
	l := openTestLog(t, &fixedClock{t: day("2026-01-03")})
	for _, d := range []string{"2026-01-01", "2026-01-02"} {
		_, err := l.Append(t.Context(), testEntry(d, StateCash))
		require.NoError(t, err)
	}

	rep := Compare([]ReferencePoint{{Date: "2026-01-01", State: StateCash}, {Date: "2026-01-02", State: StateCash}}, l)
	assert.True(t, rep.OK())

	var buf bytes.Buffer
	require.NoError(t, rep.WriteText(&buf))
	assert.Contains(t, buf.String(), "first_mismatch_date=none\n")
	assert.Contains(t, buf.String(), "result=PASS\n")

	empty := Compare(nil, l)
	assert.True(t, empty.OK())
	assert.Zero(t, empty.Compared)
}

func TestPublicState(t *testing.T) {
	assert.Equal(t, StateBTC, PublicState("HOLD"))
	assert.Equal(t, StateBTC, PublicState(" hold "))
	assert.Equal(t, StateCash, PublicState("FLAT"))
	assert.Equal(t, StateCash, PublicState(""))
}

func TestLoadReference(t *testing.T) {
	doc := `{"entries":[
		{"date":"2026-01-01T00:00:00Z","state":"HOLD","reason":"data_warmup_seed"},
		{"date":"2026-01-02T00:00:00Z","state":"HOLD"},
		{"date":"2026-01-03","state":"FLAT","reason":"signal"},
		{"date":"","state":"HOLD"},
		{"date":"2026-01-04","state":"HOLD","reason":"seed_source=csv;x"}
	]}`

	ref, err := LoadReference(strings.NewReader(doc), PublicState)
	require.NoError(t, err)
	require.Len(t, ref, 2)
	assert.Equal(t, ReferencePoint{Date: "2026-01-02", State: StateBTC}, ref[0])
	assert.Equal(t, "2026-01-03", ref[1].Date)
	assert.Equal(t, StateCash, ref[1].State)

	bare, err := LoadReference(strings.NewReader(`[{"date":"2026-01-05","state":"CASH"}]`), nil)
	require.NoError(t, err)
	require.Len(t, bare, 1)
	assert.Equal(t, StateCash, bare[0].State)

	_, err = LoadReference(strings.NewReader(`{"entries":`), nil)
	assert.Error(t, err)
}
