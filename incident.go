package chainlog

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Impact classifies an incident.
type Impact string

const (
	ImpactDelayed Impact = "delayed"
	ImpactMissing Impact = "missing"
)

// IncidentState is the per-date detector state.
type IncidentState string

const (
	IncidentNone     IncidentState = "NONE"
	IncidentOpen     IncidentState = "OPEN"
	IncidentResolved IncidentState = "RESOLVED"
)

// DefaultSuspectedCause is recorded when nothing better is known.
const DefaultSuspectedCause = "unknown"

// Incident is the record of a missed or late publish. ID is the affected date.
// Once created it only ever gains ResolvedAtUTC and Summary.
type Incident struct {
	ID               string     `json:"incident_id"`
	DetectedAtUTC    time.Time  `json:"detected_at_utc"`
	Impact           Impact     `json:"impact"`
	SuspectedCause   string     `json:"suspected_cause"`
	NextUpdateETAUTC *time.Time `json:"next_update_eta_utc,omitempty"`
	ResolvedAtUTC    *time.Time `json:"resolved_at_utc,omitempty"`
	Summary          string     `json:"summary,omitempty"`
}

// State reports where the incident is in its lifecycle.
func (i Incident) State() IncidentState {
	if i.ResolvedAtUTC != nil {
		return IncidentResolved
	}
	return IncidentOpen
}

// DetectorStore persists incidents and the per-day publish journal.
type DetectorStore interface {
	// SaveIncident inserts or updates the incident keyed by ID.
	SaveIncident(ctx context.Context, inc Incident) error
	Incident(ctx context.Context, date string) (Incident, bool, error)
	// Incidents returns every incident ordered by date.
	Incidents(ctx context.Context) ([]Incident, error)
	// SavePublishRecord keeps the last record per date.
	SavePublishRecord(ctx context.Context, rec PublishRecord) error
	// PublishRecords returns records with from <= date <= to, ordered by date.
	PublishRecords(ctx context.Context, from, to string) ([]PublishRecord, error)
}

// EntryReader is the read side of the log used by the detector and auditor.
type EntryReader interface {
	Get(date string) (Entry, bool)
}

// DetectorOption configures a Detector.
type DetectorOption func(*Detector)

// WithDetectorClock overrides the wall clock.
func WithDetectorClock(clock func() time.Time) DetectorOption {
	return func(d *Detector) { d.clock = clock }
}

// WithDetectorLogger sets the structured logger.
func WithDetectorLogger(logger zerolog.Logger) DetectorOption {
	return func(d *Detector) { d.logger = logger }
}

// WithDetectorMetrics sets the metric instruments.
func WithDetectorMetrics(m *Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = m }
}

// Detector drives the per-date incident state machine NONE -> OPEN -> RESOLVED.
type Detector struct {
	mu      sync.Mutex
	entries EntryReader
	store   DetectorStore
	gate    Gate
	clock   func() time.Time
	logger  zerolog.Logger
	metrics *Metrics
}

// NewDetector builds a detector over entries. Register EntryCommitted with
// Log.Subscribe so incidents resolve when their entry lands.
func NewDetector(entries EntryReader, store DetectorStore, gate Gate, opts ...DetectorOption) *Detector {
	d := &Detector{
		entries: entries,
		store:   store,
		gate:    gate,
		clock:   time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Check opens a missing incident for date when no entry exists and now is
// past the deadline. It reports the incident for date, if any, and whether
// this call opened it.
func (d *Detector) Check(ctx context.Context, date string, now time.Time) (*Incident, bool, error) {
	deadline, err := d.gate.Deadline(date)
	if err != nil {
		return nil, false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, found, err := d.store.Incident(ctx, date)
	if err != nil {
		return nil, false, fmt.Errorf("load incident %s: %w", date, err)
	}
	if found {
		return &existing, false, nil
	}
	if _, ok := d.entries.Get(date); ok || !now.After(deadline) {
		return nil, false, nil
	}
	inc, err := d.openLocked(ctx, date, ImpactMissing, now, DefaultSuspectedCause)
	if err != nil {
		return nil, false, err
	}
	return &inc, true, nil
}

// Observe journals rec and, on VIOLATION, opens an incident for its date:
// missing when the entry is absent, delayed otherwise. An open incident whose
// entry is committed and now published is resolved in the same step.
func (d *Detector) Observe(ctx context.Context, rec PublishRecord) (*Incident, error) {
	if rec.Date == "" {
		return nil, fmt.Errorf("observe publish record: %w", &MissingInputError{Fields: []string{"date"}})
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.store.SavePublishRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("save publish record %s: %w", rec.Date, err)
	}
	d.metrics.published(ctx, rec)
	d.logger.Info().Str("date", rec.Date).Int64("delay_sec", rec.DelaySec).
		Str("slo_status", string(rec.SLOStatus)).Msg("publish evaluated")

	inc, found, err := d.store.Incident(ctx, rec.Date)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", rec.Date, err)
	}
	_, hasEntry := d.entries.Get(rec.Date)
	if !found {
		if rec.SLOStatus != SLOViolation {
			return nil, nil
		}
		if inc, err = d.openLocked(ctx, rec.Date, classify(hasEntry), d.clock(), DefaultSuspectedCause); err != nil {
			return nil, err
		}
	}
	if hasEntry && inc.State() == IncidentOpen {
		summary := fmt.Sprintf("published %ds after target", rec.DelaySec)
		if inc, err = d.resolveLocked(ctx, inc, d.clock(), summary); err != nil {
			return nil, err
		}
	}
	return &inc, nil
}

// ReportFailure opens an incident for date after a failed run step. cause is
// recorded as the suspected cause. An existing incident is returned as is.
func (d *Detector) ReportFailure(ctx context.Context, date, cause string) (*Incident, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inc, found, err := d.store.Incident(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load incident %s: %w", date, err)
	}
	if found {
		return &inc, nil
	}
	_, hasEntry := d.entries.Get(date)
	if cause == "" {
		cause = DefaultSuspectedCause
	}
	if inc, err = d.openLocked(ctx, date, classify(hasEntry), d.clock(), cause); err != nil {
		return nil, err
	}
	return &inc, nil
}

func classify(hasEntry bool) Impact {
	if hasEntry {
		return ImpactDelayed
	}
	return ImpactMissing
}

// EntryCommitted resolves the open incident for e.Date once e verifies
// against prev. Its signature matches CommitHook.
func (d *Detector) EntryCommitted(e Entry, prev *Entry) {
	if !VerifyLink(e, prev) {
		d.logger.Error().Str("date", e.Date).Msg("committed entry failed link verification; incident left open")
		return
	}
	ctx := context.Background()

	d.mu.Lock()
	defer d.mu.Unlock()

	inc, found, err := d.store.Incident(ctx, e.Date)
	if err != nil {
		d.logger.Error().Err(err).Str("date", e.Date).Msg("load incident")
		return
	}
	if !found || inc.State() != IncidentOpen {
		return
	}
	summary := fmt.Sprintf("entry committed with hash %s", e.Hash)
	if _, err := d.resolveLocked(ctx, inc, d.clock(), summary); err != nil {
		d.logger.Error().Err(err).Str("date", e.Date).Msg("resolve incident")
	}
}

func (d *Detector) openLocked(ctx context.Context, date string, impact Impact, now time.Time, cause string) (Incident, error) {
	inc := Incident{
		ID:             date,
		DetectedAtUTC:  normalizeTime(now),
		Impact:         impact,
		SuspectedCause: cause,
	}
	if err := d.store.SaveIncident(ctx, inc); err != nil {
		return Incident{}, fmt.Errorf("open incident %s: %w", date, err)
	}
	d.metrics.incidentOpened(ctx, impact)
	d.logger.Warn().Str("incident_id", date).Str("impact", string(impact)).Msg("incident opened")
	return inc, nil
}

func (d *Detector) resolveLocked(ctx context.Context, inc Incident, at time.Time, summary string) (Incident, error) {
	resolved := normalizeTime(at)
	inc.ResolvedAtUTC = &resolved
	inc.NextUpdateETAUTC = nil
	inc.Summary = summary
	if err := d.store.SaveIncident(ctx, inc); err != nil {
		return Incident{}, fmt.Errorf("resolve incident %s: %w", inc.ID, err)
	}
	d.metrics.incidentResolved(ctx)
	d.logger.Info().Str("incident_id", inc.ID).Time("resolved_at_utc", resolved).Msg("incident resolved")
	return inc, nil
}

// Incident returns the incident for date.
func (d *Detector) Incident(ctx context.Context, date string) (Incident, bool, error) {
	return d.store.Incident(ctx, date)
}

// Incidents returns every incident ordered by date.
func (d *Detector) Incidents(ctx context.Context) ([]Incident, error) {
	return d.store.Incidents(ctx)
}

// State returns the lifecycle state for date.
func (d *Detector) State(ctx context.Context, date string) (IncidentState, error) {
	inc, found, err := d.store.Incident(ctx, date)
	if err != nil {
		return "", err
	}
	if !found {
		return IncidentNone, nil
	}
	return inc.State(), nil
}

// Published reports whether a publish record was journaled for date.
func (d *Detector) Published(ctx context.Context, date string) (bool, error) {
	recs, err := d.store.PublishRecords(ctx, date, date)
	if err != nil {
		return false, fmt.Errorf("load publish records %s: %w", date, err)
	}
	return len(recs) > 0, nil
}

// DefaultSummaryDays is the length of the rolling health window.
const DefaultSummaryDays = 7

// WindowSummary describes publishing health over consecutive dates ending at
// End.
type WindowSummary struct {
	End           string   `json:"end"`
	Days          int      `json:"days"`
	DaysPublished int      `json:"days_published"`
	MissingDays   int      `json:"missing_days"`
	MissingDates  []string `json:"missing_dates"`
	MaxDelaySec   *int64   `json:"max_delay_sec"`
}

// Summary aggregates the publish journal over days dates ending at end. A
// date without a publish record counts as missing and never contributes to
// the max delay; negative delays are ignored for the max.
func (d *Detector) Summary(ctx context.Context, end string, days int) (WindowSummary, error) {
	if days <= 0 {
		days = DefaultSummaryDays
	}
	endDay, err := time.ParseInLocation(DateLayout, end, time.UTC)
	if err != nil {
		return WindowSummary{}, fmt.Errorf("parse end date %q: %w", end, err)
	}
	dates := make([]string, days)
	for i := range dates {
		dates[i] = endDay.AddDate(0, 0, i-days+1).Format(DateLayout)
	}

	recs, err := d.store.PublishRecords(ctx, dates[0], end)
	if err != nil {
		return WindowSummary{}, fmt.Errorf("load publish records: %w", err)
	}
	byDate := make(map[string]PublishRecord, len(recs))
	for _, r := range recs {
		byDate[r.Date] = r
	}

	sum := WindowSummary{End: end, Days: days, MissingDates: []string{}}
	for _, date := range dates {
		rec, ok := byDate[date]
		if !ok {
			sum.MissingDates = append(sum.MissingDates, date)
			continue
		}
		sum.DaysPublished++
		if rec.DelaySec < 0 {
			continue
		}
		if sum.MaxDelaySec == nil || rec.DelaySec > *sum.MaxDelaySec {
			v := rec.DelaySec
			sum.MaxDelaySec = &v
		}
	}
	sum.MissingDays = len(sum.MissingDates)
	return sum, nil
}

// WriteText renders the summary as the weekly ops block.
func (s WindowSummary) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Window: last %d days (ending %s)\n", s.Days, s.End)
	fmt.Fprintf(&b, "Days published: %d/%d\n", s.DaysPublished, s.Days)
	fmt.Fprintf(&b, "Missing days: %d\n", s.MissingDays)
	if s.MissingDays > 0 {
		fmt.Fprintf(&b, "Missing: %s\n", strings.Join(s.MissingDates, ", "))
	}
	if s.MaxDelaySec == nil {
		b.WriteString("Delay: data unavailable\n")
	} else {
		fmt.Fprintf(&b, "Max delay: %d sec\n", *s.MaxDelaySec)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// memDetectorStore keeps incidents and publish records in process memory.
type memDetectorStore struct {
	mu        sync.RWMutex
	incidents map[string]Incident
	records   map[string]PublishRecord
}

// NewMemoryDetectorStore returns an in-process DetectorStore.
func NewMemoryDetectorStore() DetectorStore {
	return &memDetectorStore{
		incidents: make(map[string]Incident),
		records:   make(map[string]PublishRecord),
	}
}

func (s *memDetectorStore) SaveIncident(_ context.Context, inc Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incidents[inc.ID] = cloneIncident(inc)
	return nil
}

func (s *memDetectorStore) Incident(_ context.Context, date string) (Incident, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inc, ok := s.incidents[date]
	if !ok {
		return Incident{}, false, nil
	}
	return cloneIncident(inc), true, nil
}

func (s *memDetectorStore) Incidents(context.Context) ([]Incident, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Incident, 0, len(s.incidents))
	for _, inc := range s.incidents {
		out = append(out, cloneIncident(inc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memDetectorStore) SavePublishRecord(_ context.Context, rec PublishRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Date] = rec
	return nil
}

func (s *memDetectorStore) PublishRecords(_ context.Context, from, to string) ([]PublishRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PublishRecord, 0)
	for date, rec := range s.records {
		if (from == "" || date >= from) && (to == "" || date <= to) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

func cloneIncident(inc Incident) Incident {
	out := inc
	if inc.NextUpdateETAUTC != nil {
		t := *inc.NextUpdateETAUTC
		out.NextUpdateETAUTC = &t
	}
	if inc.ResolvedAtUTC != nil {
		t := *inc.ResolvedAtUTC
		out.ResolvedAtUTC = &t
	}
	return out
}
