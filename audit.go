package chainlog

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// ReferencePoint is one (date, state) pair from an independently operated
// system.
type ReferencePoint struct {
	Date   string `json:"date"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// AuditReport is the outcome of comparing a reference sequence to the log.
type AuditReport struct {
	Compared          int    `json:"compared"`
	Matches           int    `json:"matches"`
	Mismatches        int    `json:"mismatches"`
	FirstMismatchDate string `json:"first_mismatch_date,omitempty"`
}

// OK reports whether every compared date matched.
func (r AuditReport) OK() bool { return r.Mismatches == 0 }

// Result is "PASS" or "FAIL".
func (r AuditReport) Result() string {
	if r.OK() {
		return "PASS"
	}
	return "FAIL"
}

// Compare looks up every reference date in entries and counts a mismatch when
// the entry is absent or its state differs. entries is only read.
func Compare(reference []ReferencePoint, entries EntryReader) AuditReport {
	var rep AuditReport
	for _, ref := range reference {
		rep.Compared++
		e, ok := entries.Get(ref.Date)
		if ok && e.State == ref.State {
			rep.Matches++
			continue
		}
		rep.Mismatches++
		if rep.FirstMismatchDate == "" {
			rep.FirstMismatchDate = ref.Date
		}
	}
	return rep
}

// WriteText renders the report in key=value form.
func (r AuditReport) WriteText(w io.Writer) error {
	first := r.FirstMismatchDate
	if first == "" {
		first = "none"
	}
	_, err := fmt.Fprintf(w, "compare_dates=%d\nmatches=%d\nmismatches=%d\nfirst_mismatch_date=%s\nresult=%s\n",
		r.Compared, r.Matches, r.Mismatches, first, r.Result())
	return err
}

// PublicState maps an internal position label to the published allocation
// label: HOLD is BTC, everything else is CASH.
func PublicState(raw string) string {
	if strings.EqualFold(strings.TrimSpace(raw), "HOLD") {
		return StateBTC
	}
	return StateCash
}

// Seed rows carrying one of these reason markers are warm-up data, not live
// decisions, and are left out of a reference.
var warmupReasons = []string{"data_warmup_seed", "seed_source=csv"}

// LoadReference reads {"entries":[{"date":..,"state":..}]} or a bare array of
// the same objects. mapState, when non-nil, converts each state label (for
// example PublicState for a raw position export). Dates are cut to
// YYYY-MM-DD; rows without a date or marked as warm-up are skipped.
func LoadReference(r io.Reader, mapState func(string) string) ([]ReferencePoint, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read reference: %w", err)
	}

	var rows []ReferencePoint
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &rows); err != nil {
			return nil, fmt.Errorf("decode reference: %w", err)
		}
	} else {
		var doc struct {
			Entries []ReferencePoint `json:"entries"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode reference: %w", err)
		}
		rows = doc.Entries
	}

	out := make([]ReferencePoint, 0, len(rows))
	for _, row := range rows {
		date := strings.TrimSpace(row.Date)
		if date == "" || isWarmup(row.Reason) {
			continue
		}
		if len(date) > len(DateLayout) {
			date = date[:len(DateLayout)]
		}
		state := strings.TrimSpace(row.State)
		if mapState != nil {
			state = mapState(state)
		}
		out = append(out, ReferencePoint{Date: date, State: state, Reason: row.Reason})
	}
	return out, nil
}

func isWarmup(reason string) bool {
	for _, p := range warmupReasons {
		if strings.Contains(reason, p) {
			return true
		}
	}
	return false
}
