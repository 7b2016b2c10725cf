package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/karasz/chainlog"
)

// docReader serves Get from a published document.
type docReader map[string]chainlog.Entry

func (d docReader) Get(date string) (chainlog.Entry, bool) {
	e, ok := d[date]
	return e, ok
}

// runAuditCmd implements `chainlog audit`.
//
// Compares an independently produced reference against the configured log,
// or against a published document given with --file.
//
// Exit codes:
//
//	0 = all compared dates match
//	1 = at least one mismatch
//	2 = runtime error
func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		reference  string
		file       string
		rawStates  bool
		jsonOutput bool
	)
	configPath := addConfigFlag(cmd)
	cmd.StringVar(&reference, "reference", "", "Reference export JSON (REQUIRED)")
	cmd.StringVar(&file, "file", "", "Published log.json to audit instead of the configured store")
	cmd.BoolVar(&rawStates, "raw-states", false, "Reference carries position labels; map HOLD to BTC, others to CASH")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if reference == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --reference is required")
		return 2
	}

	raw, err := readInput(reference)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	var mapState func(string) string
	if rawStates {
		mapState = chainlog.PublicState
	}
	ref, err := chainlog.LoadReference(bytes.NewReader(raw), mapState)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var reader chainlog.EntryReader
	if file != "" {
		doc, err := readDocument(file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		m := make(docReader, len(doc.Entries))
		for _, e := range doc.Entries {
			m[e.Date] = e
		}
		reader = m
	} else {
		e, err := openEnv(context.Background(), *configPath, stderr)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer e.Close()
		reader = e.log
	}

	rep := chainlog.Compare(ref, reader)
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else {
		_ = rep.WriteText(stdout)
	}
	if !rep.OK() {
		return 1
	}
	return 0
}

// runSummaryCmd implements `chainlog summary`.
func runSummaryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("summary", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		end        string
		days       int
		jsonOutput bool
	)
	configPath := addConfigFlag(cmd)
	cmd.StringVar(&end, "end", "", "Last date of the window YYYY-MM-DD (default: today UTC)")
	cmd.IntVar(&days, "days", chainlog.DefaultSummaryDays, "Window length in days")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the summary as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if end == "" {
		end = today()
	}

	ctx := context.Background()
	e, err := openEnv(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	sum, err := e.detector.Summary(ctx, end, days)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		return 0
	}
	_ = sum.WriteText(stdout)
	return 0
}

// runServeCmd implements `chainlog serve`.
func runServeCmd(args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var addr, certFile, keyFile, minTLS string
	configPath := addConfigFlag(cmd)
	cmd.StringVar(&addr, "addr", "", "Listen address (default: server.addr from config)")
	cmd.StringVar(&certFile, "tls-cert", "", "TLS certificate file")
	cmd.StringVar(&keyFile, "tls-key", "", "TLS key file")
	cmd.StringVar(&minTLS, "tls-min-version", "1.2", "Minimum TLS version: 1.2 or 1.3")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	tlsVersion, err := parseTLSVersion(minTLS)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, *configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	if addr == "" {
		addr = e.cfg.Server.Addr
	}
	srv := chainlog.NewServer(e.log, e.detector, e.logger)
	srv.SetTLSConfig(&tls.Config{MinVersion: tlsVersion})
	if err := srv.ListenAndServe(ctx, addr, certFile, keyFile); err != nil {
		e.logger.Error().Err(err).Msg("server stopped")
		return 2
	}
	return 0
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported --tls-min-version %q", v)
	}
}
