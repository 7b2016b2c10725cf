package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/karasz/chainlog"
)

// runRunCmd implements `chainlog run`.
//
// Produces, validates, appends and publishes the entry for --date, then
// evaluates the publish gate. A date already in the log prints ALREADY_RAN
// and exits 0. Missing input fields exit 2 before anything is written.
func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		date  string
		input string
	)
	configPath := addConfigFlag(cmd)
	cmd.StringVar(&date, "date", "", "Entry date YYYY-MM-DD (default: today UTC)")
	cmd.StringVar(&input, "input", "", "Path to the producer's input JSON (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if input == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --input is required")
		return 2
	}
	if date == "" {
		date = today()
	}

	ctx := context.Background()
	e, err := openEnv(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	pub, err := chainlog.NewPublisher(ctx, e.cfg.Publisher, now)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: publisher: %v\n", err)
		return 2
	}
	p := &chainlog.Pipeline{
		Log:       e.log,
		Producer:  chainlog.FileProducer{Path: input},
		Publisher: pub,
		Gate:      e.cfg.Gate.Gate(),
		Detector:  e.detector,
		Lock:      chainlog.NewRunLock(e.cfg.Redis),
		Clock:     now,
		Logger:    e.logger,
	}

	res, err := p.Run(ctx, date)
	if res.Outcome == chainlog.RunAlreadyRan || res.Outcome == chainlog.RunInFlight {
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", res.Outcome, date)
		return 0
	}
	if err != nil {
		var missing *chainlog.MissingInputError
		if errors.As(err, &missing) {
			_, _ = fmt.Fprintf(stderr, "Error: validation failed, nothing written: %v\n", err)
		} else {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		}
		if res.Incident != nil {
			_, _ = fmt.Fprintf(stderr, "Incident %s is %s (impact=%s)\n", res.Incident.ID, res.Incident.State(), res.Incident.Impact)
		}
		return 2
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	return 0
}

// runCorrectCmd implements `chainlog correct`.
//
// Replaces the latest entry with --input, once, on the entry's own UTC day.
// Repeating an identical correction is a no-op.
func runCorrectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("correct", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var input string
	configPath := addConfigFlag(cmd)
	cmd.StringVar(&input, "input", "", "Path to the corrected input JSON (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if input == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --input is required")
		return 2
	}

	ctx := context.Background()
	e, err := openEnv(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	latest, ok := e.log.Latest()
	if !ok {
		_, _ = fmt.Fprintln(stderr, "Error: log is empty")
		return 2
	}
	in, err := chainlog.FileProducer{Path: input}.Produce(ctx, latest.Date)
	if err == nil {
		err = in.Validate()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	entry, err := e.log.CorrectLatest(ctx, in.Entry(now()))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "corrected %s hash=%s\n", entry.Date, entry.Hash)
	return 0
}

// runCheckCmd implements `chainlog check`.
//
// Opens a missing-entry incident for --date when the publish deadline has
// passed without an entry.
func runCheckCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("check", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var date string
	configPath := addConfigFlag(cmd)
	cmd.StringVar(&date, "date", "", "Date to check YYYY-MM-DD (default: today UTC)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if date == "" {
		date = today()
	}

	ctx := context.Background()
	e, err := openEnv(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	inc, opened, err := e.detector.Check(ctx, date, now())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if inc == nil {
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", date, chainlog.IncidentNone)
		return 0
	}
	verb := "existing"
	if opened {
		verb = "opened"
	}
	_, _ = fmt.Fprintf(stdout, "%s: %s incident %s impact=%s\n", date, verb, inc.State(), inc.Impact)
	return 0
}
