package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
//
// Exit codes:
//
//	0 = ok
//	1 = verification or audit failed
//	2 = invalid input or runtime error
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return runRunCmd(args[2:], stdout, stderr)
	case "correct":
		return runCorrectCmd(args[2:], stdout, stderr)
	case "check":
		return runCheckCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "verify-entry":
		return runVerifyEntryCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "summary":
		return runSummaryCmd(args[2:], stdout, stderr)
	case "rebuild":
		return runRebuildCmd(args[2:], stdout, stderr)
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: chainlog <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  run           Append and publish the day's entry (idempotent per date)")
	fmt.Fprintln(w, "  correct       Replace today's entry once, same UTC day only")
	fmt.Fprintln(w, "  check         Open a missing-entry incident if the deadline has passed")
	fmt.Fprintln(w, "  verify        Verify the whole hash chain")
	fmt.Fprintln(w, "  verify-entry  Verify one serialized entry")
	fmt.Fprintln(w, "  audit         Compare an independent reference against the log")
	fmt.Fprintln(w, "  summary       Rolling publish health summary")
	fmt.Fprintln(w, "  rebuild       Re-chain a set of entries from genesis (backfill)")
	fmt.Fprintln(w, "  serve         Serve the read-only HTTP API")
}
