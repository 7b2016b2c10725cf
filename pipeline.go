package chainlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Producer supplies the day's allocation state. The core never fabricates
// one.
type Producer interface {
	Produce(ctx context.Context, date string) (Input, error)
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, date string) (Input, error)

// Produce calls f.
func (f ProducerFunc) Produce(ctx context.Context, date string) (Input, error) {
	return f(ctx, date)
}

// FileProducer reads an Input JSON object written by the upstream job.
type FileProducer struct {
	Path string
}

// Produce decodes the file. A missing date is filled with the requested one.
func (p FileProducer) Produce(_ context.Context, date string) (Input, error) {
	raw, err := os.ReadFile(p.Path)
	if err != nil {
		return Input{}, fmt.Errorf("read input: %w", err)
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return Input{}, fmt.Errorf("decode input: %w", err)
	}
	if in.Date == "" {
		in.Date = date
	}
	return in, nil
}

// RunOutcome names how a pipeline run ended without error.
type RunOutcome string

const (
	RunCommitted   RunOutcome = "COMMITTED"
	RunAlreadyRan  RunOutcome = "ALREADY_RAN"
	RunRepublished RunOutcome = "REPUBLISHED"
	RunInFlight    RunOutcome = "IN_FLIGHT"
)

// RunResult reports one pipeline run.
type RunResult struct {
	RunID    string         `json:"run_id"`
	Date     string         `json:"date"`
	Outcome  RunOutcome     `json:"outcome,omitempty"`
	Entry    *Entry         `json:"entry,omitempty"`
	Record   *PublishRecord `json:"publish_record,omitempty"`
	Incident *Incident      `json:"incident,omitempty"`
}

// Pipeline is the daily run: produce, validate, append, publish, evaluate the
// gate, update incident state. Without a Detector no incidents or publish
// records are kept, and an existing entry is never re-published.
type Pipeline struct {
	Log       *Log
	Producer  Producer
	Publisher Publisher // nil: the store itself is the public artifact
	Gate      Gate
	Detector  *Detector
	Lock      RunLock
	Clock     func() time.Time
	Logger    zerolog.Logger
}

func (p *Pipeline) now() time.Time {
	if p.Clock == nil {
		return time.Now()
	}
	return p.Clock()
}

// Run executes the pipeline for date. A date already in the log, or one
// another run is working on, is a no-op rather than an error, unless the
// entry was committed but never published: then the document is published
// again and the gate evaluated for it. Any failure leaves the log in its last
// good state and, once the deadline has passed, surfaces as an open incident.
func (p *Pipeline) Run(ctx context.Context, date string) (RunResult, error) {
	res := RunResult{RunID: uuid.NewString(), Date: date}
	logger := p.Logger.With().Str("run_id", res.RunID).Str("date", date).Logger()

	lock := p.Lock
	if lock == nil {
		lock = NewLocalRunLock()
	}
	release, err := lock.Acquire(ctx, date)
	if errors.Is(err, ErrLockHeld) {
		logger.Info().Msg("run already in flight; skipping")
		res.Outcome = RunInFlight
		return res, nil
	}
	if err != nil {
		return res, err
	}
	defer release()

	if e, ok := p.Log.Get(date); ok {
		res.Entry = &e
		pending, err := p.unpublished(ctx, date)
		if err != nil {
			return res, err
		}
		if !pending {
			logger.Info().Str("hash", e.Hash).Msg("entry exists; skipping")
			res.Outcome = RunAlreadyRan
			return res, nil
		}
		logger.Info().Str("hash", e.Hash).Msg("entry exists but was never published; publishing")
		res.Outcome = RunRepublished
		return p.publish(ctx, logger, res)
	}

	in, err := p.Producer.Produce(ctx, date)
	if err != nil {
		return p.fail(ctx, logger, res, "producer", fmt.Errorf("produce %s: %w", date, err))
	}
	if err := in.Validate(); err != nil {
		return p.fail(ctx, logger, res, "validate", err)
	}
	if in.Date != date {
		return p.fail(ctx, logger, res, "validate", fmt.Errorf("producer returned date %s for run %s", in.Date, date))
	}
	logger.Info().Str("state", in.State).Str("status", string(in.Status)).Msg("input accepted")

	e, err := p.Log.Append(ctx, in.Entry(p.now()))
	if errors.Is(err, ErrDuplicateDate) {
		// Another process committed the date first and owns its publication.
		logger.Info().Err(err).Msg("entry committed by another writer; skipping")
		res.Outcome = RunAlreadyRan
		if e, ok := p.Log.Get(date); ok {
			res.Entry = &e
		}
		return res, nil
	}
	if err != nil {
		return p.fail(ctx, logger, res, "append", err)
	}
	res.Entry = &e
	res.Outcome = RunCommitted
	return p.publish(ctx, logger, res)
}

// unpublished reports whether date has an entry the detector never saw
// published, or an incident still open.
func (p *Pipeline) unpublished(ctx context.Context, date string) (bool, error) {
	if p.Detector == nil {
		return false, nil
	}
	published, err := p.Detector.Published(ctx, date)
	if err != nil {
		return false, err
	}
	if !published {
		return true, nil
	}
	state, err := p.Detector.State(ctx, date)
	if err != nil {
		return false, err
	}
	return state == IncidentOpen, nil
}

// publish distributes the current document, evaluates the gate and hands the
// record to the detector.
func (p *Pipeline) publish(ctx context.Context, logger zerolog.Logger, res RunResult) (RunResult, error) {
	date := res.Date
	publishedAt := p.now().UTC()
	if p.Publisher != nil {
		var err error
		if publishedAt, err = p.Publisher.Publish(ctx, p.Log.Document()); err != nil {
			logger.Error().Err(err).Str("step", "publish").Msg("publish failed")
			var ierr error
			if p.Detector != nil {
				res.Incident, ierr = p.Detector.ReportFailure(ctx, date, "publish failed: "+err.Error())
			}
			return res, errors.Join(fmt.Errorf("publish %s: %w", date, err), ierr)
		}
	}
	logger.Info().Time("published_at_utc", publishedAt).Msg("published")

	rec, err := p.Gate.Evaluate(date, publishedAt)
	if err != nil {
		return res, err
	}
	res.Record = &rec
	if p.Detector != nil {
		inc, err := p.Detector.Observe(ctx, rec)
		if err != nil {
			return res, err
		}
		res.Incident = inc
	}
	logger.Info().Int64("delay_sec", rec.DelaySec).Str("slo_status", string(rec.SLOStatus)).Msg("run complete")
	return res, nil
}

func (p *Pipeline) fail(ctx context.Context, logger zerolog.Logger, res RunResult, step string, cause error) (RunResult, error) {
	logger.Error().Err(cause).Str("step", step).Msg("run aborted before write")
	if p.Detector == nil {
		return res, cause
	}
	inc, _, err := p.Detector.Check(ctx, res.Date, p.now())
	if err != nil {
		logger.Error().Err(err).Msg("incident check failed")
	}
	res.Incident = inc
	return res, cause
}
