package chainlog

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// DateLayout is the layout of Entry.Date.
const DateLayout = "2006-01-02"

// Allocation labels published by the upstream producer.
const (
	StateBTC  = "BTC"
	StateCash = "CASH"
)

// Status describes how the upstream state was computed.
type Status string

// Known statuses.
const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFallback Status = "fallback"
)

// Entry is one calendar day's record in the chain.
type Entry struct {
	Date            string    `json:"date" validate:"required,datetime=2006-01-02"`
	TimestampUTC    time.Time `json:"timestamp_utc" validate:"required"`
	State           string    `json:"state" validate:"required"`
	PriceReference  *float64  `json:"price_reference"`
	Status          Status    `json:"status" validate:"required"`
	LogicVersion    string    `json:"logic_version,omitempty"`
	ConfidenceScore *float64  `json:"confidence_score,omitempty"`
	UpdatedAtUTC    time.Time `json:"updated_at_utc" validate:"required"`
	PrevHash        string    `json:"prev_hash"`
	Hash            string    `json:"hash"`
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	out := e
	if e.PriceReference != nil {
		v := *e.PriceReference
		out.PriceReference = &v
	}
	if e.ConfidenceScore != nil {
		v := *e.ConfidenceScore
		out.ConfidenceScore = &v
	}
	return out
}

// Validate checks that every required field is present.
func (e Entry) Validate() error {
	return checkPresence(e)
}

// normalized returns e with its instants in UTC at second precision, the form
// they take in the persisted document.
func (e Entry) normalized() Entry {
	out := e.Clone()
	out.TimestampUTC = normalizeTime(e.TimestampUTC)
	out.UpdatedAtUTC = normalizeTime(e.UpdatedAtUTC)
	return out
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Second)
}

// Input is what a producer supplies for one day.
type Input struct {
	Date            string    `json:"date" validate:"required,datetime=2006-01-02"`
	State           string    `json:"state" validate:"required"`
	TimestampUTC    time.Time `json:"timestamp_utc" validate:"required"`
	Status          Status    `json:"status" validate:"required"`
	PriceReference  *float64  `json:"price_reference,omitempty"`
	LogicVersion    string    `json:"logic_version,omitempty"`
	ConfidenceScore *float64  `json:"confidence_score,omitempty"`
}

// Validate checks that every required field is present.
func (in Input) Validate() error {
	return checkPresence(in)
}

// Entry builds an unchained entry from the input, stamped as written at now.
func (in Input) Entry(now time.Time) Entry {
	e := Entry{
		Date:            in.Date,
		TimestampUTC:    in.TimestampUTC,
		State:           in.State,
		PriceReference:  in.PriceReference,
		Status:          in.Status,
		LogicVersion:    in.LogicVersion,
		ConfidenceScore: in.ConfidenceScore,
		UpdatedAtUTC:    now,
	}
	return e.normalized()
}

// Correction records a same-day replacement of the latest entry.
type Correction struct {
	Date           string    `json:"date"`
	ReplacedHash   string    `json:"replaced_hash"`
	CorrectedAtUTC time.Time `json:"corrected_at_utc"`
}

// Document is the persisted and published form of the log.
type Document struct {
	StartDateUTC   string       `json:"start_date_utc,omitempty"`
	LastUpdatedUTC *time.Time   `json:"last_updated_utc,omitempty"`
	Latest         *Entry       `json:"latest,omitempty"`
	Entries        []Entry      `json:"entries"`
	Corrections    []Correction `json:"corrections,omitempty"`
}

// NewDocument builds a document from an ordered entry slice.
func NewDocument(entries []Entry, corrections []Correction) Document {
	doc := Document{Entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		doc.Entries = append(doc.Entries, e.Clone())
	}
	if len(corrections) > 0 {
		doc.Corrections = append([]Correction(nil), corrections...)
	}
	if n := len(entries); n > 0 {
		latest := entries[n-1].Clone()
		updated := latest.UpdatedAtUTC
		doc.StartDateUTC = entries[0].Date
		doc.Latest = &latest
		doc.LastUpdatedUTC = &updated
	}
	return doc
}

var (
	presenceOnce sync.Once
	presence     *validator.Validate
)

func presenceValidator() *validator.Validate {
	presenceOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("json")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		presence = v
	})
	return presence
}

func checkPresence(v any) error {
	err := presenceValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return &MissingInputError{Fields: fields}
	}
	return err
}
