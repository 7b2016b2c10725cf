package chainlog

import (
	"fmt"
	"time"
)

// SLOStatus is the verdict of the publish gate.
type SLOStatus string

const (
	SLOMet       SLOStatus = "MET"
	SLOViolation SLOStatus = "VIOLATION"
)

// PublishRecord is the gate's verdict for one publish attempt.
type PublishRecord struct {
	Date           string    `json:"date"`
	TargetUTC      time.Time `json:"target_utc"`
	PublishedAtUTC time.Time `json:"published_at_utc"`
	DelaySec       int64     `json:"delay_sec"`
	SLOStatus      SLOStatus `json:"slo_status"`
}

// Evaluate compares the publish instant with the target. A negative delay
// (published early) is MET; the verdict is VIOLATION only when the delay
// exceeds window.
func Evaluate(target, publishedAt time.Time, window time.Duration) PublishRecord {
	delay := publishedAt.Sub(target)
	rec := PublishRecord{
		TargetUTC:      target.UTC(),
		PublishedAtUTC: publishedAt.UTC(),
		DelaySec:       int64(delay / time.Second),
		SLOStatus:      SLOMet,
	}
	if delay > window {
		rec.SLOStatus = SLOViolation
	}
	return rec
}

// Gate fixes the daily publish policy: the target instant is the entry date's
// UTC midnight plus TargetOffset, and Window is the tolerance after it.
type Gate struct {
	TargetOffset time.Duration
	Window       time.Duration
}

// TargetFor returns the publish target for date.
func (g Gate) TargetFor(date string) (time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", date, err)
	}
	return day.Add(g.TargetOffset), nil
}

// Deadline returns the last instant at which a publish for date is MET.
func (g Gate) Deadline(date string) (time.Time, error) {
	target, err := g.TargetFor(date)
	if err != nil {
		return time.Time{}, err
	}
	return target.Add(g.Window), nil
}

// Evaluate evaluates a publish of date at publishedAt against the policy.
func (g Gate) Evaluate(date string, publishedAt time.Time) (PublishRecord, error) {
	target, err := g.TargetFor(date)
	if err != nil {
		return PublishRecord{}, err
	}
	rec := Evaluate(target, publishedAt, g.Window)
	rec.Date = date
	return rec, nil
}
