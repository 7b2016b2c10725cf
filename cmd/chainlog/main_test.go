package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/karasz/chainlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliFixture struct {
	dir    string
	config string
	pubDir string
}

func newCLIFixture(t *testing.T) cliFixture {
	t.Helper()
	dir := t.TempDir()
	f := cliFixture{
		dir:    dir,
		config: filepath.Join(dir, "chainlog.yaml"),
		pubDir: filepath.Join(dir, "public"),
	}
	cfg := "store:\n  kind: file\n  path: " + filepath.Join(dir, "data") + "\n" +
		"publisher:\n  kind: folder\n  dir: " + f.pubDir + "\n" +
		"log:\n  level: disabled\n"
	require.NoError(t, os.WriteFile(f.config, []byte(cfg), 0o644))
	return f
}

func (f cliFixture) writeJSON(t *testing.T, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func (f cliFixture) input(t *testing.T, state string) string {
	t.Helper()
	price := 64250.5
	return f.writeJSON(t, "input-"+state+".json", chainlog.Input{
		State:          state,
		TimestampUTC:   time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC),
		Status:         chainlog.StatusOK,
		PriceReference: &price,
		LogicVersion:   "v1",
	})
}

func pinNow(t *testing.T, at time.Time) {
	t.Helper()
	prev := now
	now = func() time.Time { return at }
	t.Cleanup(func() { now = prev })
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"chainlog"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Usage: chainlog")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "verify-entry")

	code, _, stderr = run("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: frobnicate")
}

func TestRun_RunRequiresInput(t *testing.T) {
	f := newCLIFixture(t)
	code, _, stderr := run("run", "--config", f.config, "--date", "2026-01-02")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "--input is required")
}

func TestRun_EndToEnd(t *testing.T) {
	f := newCLIFixture(t)
	pinNow(t, time.Date(2026, 1, 2, 0, 2, 0, 0, time.UTC))
	input := f.input(t, chainlog.StateBTC)

	code, stdout, stderr := run("run", "--config", f.config, "--date", "2026-01-02", "--input", input)
	require.Equal(t, 0, code, stderr)
	var res chainlog.RunResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.Equal(t, chainlog.RunCommitted, res.Outcome)
	require.NotNil(t, res.Record)
	assert.Equal(t, chainlog.SLOMet, res.Record.SLOStatus)

	code, stdout, _ = run("run", "--config", f.config, "--date", "2026-01-02", "--input", input)
	assert.Equal(t, 0, code)
	assert.Equal(t, "ALREADY_RAN: 2026-01-02\n", stdout)

	logPath := filepath.Join(f.pubDir, chainlog.PublishedLogName)
	latestPath := filepath.Join(f.pubDir, chainlog.PublishedLatestName)

	t.Run("verify store", func(t *testing.T) {
		code, stdout, _ := run("verify", "--config", f.config)
		assert.Equal(t, 0, code)
		assert.True(t, strings.HasPrefix(stdout, "chain_valid=true length=1 head="))
	})

	t.Run("verify published", func(t *testing.T) {
		code, stdout, _ := run("verify", "--file", logPath, "--json")
		assert.Equal(t, 0, code)
		var rep chainlog.ChainReport
		require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
		assert.True(t, rep.Valid)
		assert.Equal(t, res.Entry.Hash, rep.HeadHash)
	})

	t.Run("verify-entry", func(t *testing.T) {
		code, stdout, _ := run("verify-entry", "--file", latestPath)
		assert.Equal(t, 0, code)
		assert.Equal(t, "true\n", stdout)

		raw, err := os.ReadFile(latestPath)
		require.NoError(t, err)
		tampered := strings.Replace(string(raw), `"BTC"`, `"CASH"`, 1)
		path := filepath.Join(f.dir, "tampered.json")
		require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))
		code, stdout, _ = run("verify-entry", "--file", path)
		assert.Equal(t, 1, code)
		assert.Equal(t, "false\n", stdout)
	})

	t.Run("audit", func(t *testing.T) {
		match := f.writeJSON(t, "ref-ok.json", map[string]any{
			"entries": []map[string]string{{"date": "2026-01-02", "state": "HOLD"}},
		})
		code, stdout, _ := run("audit", "--config", f.config, "--reference", match, "--raw-states")
		assert.Equal(t, 0, code, stdout)

		mismatch := f.writeJSON(t, "ref-bad.json", []map[string]string{{"date": "2026-01-02", "state": "CASH"}})
		code, stdout, _ = run("audit", "--file", logPath, "--reference", mismatch, "--json")
		assert.Equal(t, 1, code)
		var rep chainlog.AuditReport
		require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
		assert.Equal(t, 1, rep.Mismatches)
		assert.Equal(t, "2026-01-02", rep.FirstMismatchDate)
	})

	t.Run("summary", func(t *testing.T) {
		code, stdout, _ := run("summary", "--config", f.config, "--end", "2026-01-02", "--days", "1")
		assert.Equal(t, 0, code)
		assert.Contains(t, stdout, "Days published: 1/1")
		assert.Contains(t, stdout, "Max delay: 120 sec")
	})

	t.Run("rebuild", func(t *testing.T) {
		out := filepath.Join(f.dir, "rebuilt.json")
		code, stdout, _ := run("rebuild", "--in", logPath, "--out", out)
		assert.Equal(t, 0, code)
		assert.Contains(t, stdout, "rebuilt 1 entries")

		code, _, _ = run("verify", "--file", out)
		assert.Equal(t, 0, code)
	})
}

func TestRun_CheckOpensMissingIncident(t *testing.T) {
	f := newCLIFixture(t)
	pinNow(t, time.Date(2026, 1, 3, 1, 0, 0, 0, time.UTC))

	code, stdout, _ := run("check", "--config", f.config, "--date", "2026-01-03")
	assert.Equal(t, 0, code)
	assert.Equal(t, "2026-01-03: opened incident OPEN impact=missing\n", stdout)

	code, stdout, _ = run("check", "--config", f.config, "--date", "2026-01-03")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "existing incident OPEN")
}

func TestRun_Correct(t *testing.T) {
	f := newCLIFixture(t)
	pinNow(t, time.Date(2026, 1, 2, 0, 2, 0, 0, time.UTC))

	code, _, stderr := run("run", "--config", f.config, "--date", "2026-01-02", "--input", f.input(t, chainlog.StateBTC))
	require.Equal(t, 0, code, stderr)

	pinNow(t, time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC))
	code, stdout, stderr := run("correct", "--config", f.config, "--input", f.input(t, chainlog.StateCash))
	require.Equal(t, 0, code, stderr)
	assert.True(t, strings.HasPrefix(stdout, "corrected 2026-01-02 hash="))

	// The same correction re-run a second later is a no-op.
	pinNow(t, time.Date(2026, 1, 2, 8, 0, 1, 0, time.UTC))
	code, again, stderr := run("correct", "--config", f.config, "--input", f.input(t, chainlog.StateCash))
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, stdout, again)

	code, _, stderr = run("correct", "--config", f.config, "--input", f.input(t, chainlog.StateBTC))
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Error:")
}

func TestParseTLSVersion(t *testing.T) {
	v, err := parseTLSVersion("1.3")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), v)

	_, err = parseTLSVersion("1.0")
	assert.Error(t, err)

	code, _, stderr := run("serve", "--tls-min-version", "ssl3")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "tls-min-version")
}
