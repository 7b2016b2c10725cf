package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/karasz/chainlog"
)

// readDocument reads a published log document, checking the closed schema.
func readDocument(path string) (chainlog.Document, error) {
	raw, err := readInput(path)
	if err != nil {
		return chainlog.Document{}, err
	}
	if err := chainlog.ValidateDocument(raw); err != nil {
		return chainlog.Document{}, err
	}
	var doc chainlog.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return chainlog.Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return doc, nil
}

// readInput reads path, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// runVerifyCmd implements `chainlog verify`.
//
// Verifies a published document (--file) or the configured store without
// repairing anything.
//
// Exit codes:
//
//	0 = chain valid
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		jsonOutput bool
	)
	configPath := addConfigFlag(cmd)
	cmd.StringVar(&file, "file", "", "Published log.json to verify instead of the configured store")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var entries []chainlog.Entry
	if file != "" {
		doc, err := readDocument(file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		entries = doc.Entries
	} else {
		cfg, _, err := loadConfig(*configPath, stderr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		st, journal, err := chainlog.OpenStore(cfg.Store)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: open store: %v\n", err)
			return 2
		}
		defer closeAll(st, journal)
		snap, err := st.Load(context.Background())
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		entries = snap.Entries
	}

	rep := chainlog.CheckChain(entries)
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else if rep.Valid {
		_, _ = fmt.Fprintf(stdout, "chain_valid=true length=%d head=%s\n", rep.Length, rep.HeadHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "chain_valid=false first_broken_index=%d first_broken_date=%s reason=%q\n",
			rep.FirstBrokenIndex, rep.FirstBrokenDate, rep.Reason)
	}
	if !rep.Valid {
		return 1
	}
	return 0
}

// runVerifyEntryCmd implements `chainlog verify-entry`.
//
// Checks a single serialized entry (e.g. latest.json) in isolation.
func runVerifyEntryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify-entry", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var file string
	cmd.StringVar(&file, "file", "-", "Serialized entry JSON, - for stdin")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	raw, err := readInput(file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if chainlog.VerifySerializedEntry(raw) {
		_, _ = fmt.Fprintln(stdout, "true")
		return 0
	}
	_, _ = fmt.Fprintln(stdout, "false")
	return 1
}

// runRebuildCmd implements `chainlog rebuild`.
//
// Re-chains the entries of --in from genesis and writes a fresh document to
// --out. Used after a backfill inserts rows ahead of the existing head.
func runRebuildCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var in, out string
	cmd.StringVar(&in, "in", "", "Document or JSON array of entries (REQUIRED)")
	cmd.StringVar(&out, "out", "", "Output log.json (default: stdout)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if in == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --in is required")
		return 2
	}
	raw, err := readInput(in)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var entries []chainlog.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		var doc chainlog.Document
		if derr := json.Unmarshal(raw, &doc); derr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: decode %s: %v\n", in, err)
			return 2
		}
		entries = doc.Entries
	}

	rebuilt, err := chainlog.Rebuild(entries)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data, err := json.MarshalIndent(chainlog.NewDocument(rebuilt, nil), "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	data = append(data, '\n')

	if out == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "OK: rebuilt %d entries into %s\n", len(rebuilt), out)
	return 0
}
