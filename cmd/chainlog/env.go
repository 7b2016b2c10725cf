package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/karasz/chainlog"
	"github.com/rs/zerolog"
)

// now is a variable to allow pinning the clock in tests.
var now = time.Now

// env holds everything a command needs, opened from configuration.
type env struct {
	cfg      chainlog.Config
	logger   zerolog.Logger
	store    chainlog.Store
	journal  chainlog.DetectorStore
	log      *chainlog.Log
	detector *chainlog.Detector
}

func addConfigFlag(cmd *flag.FlagSet) *string {
	return cmd.String("config", "", "Path to YAML config (CHAINLOG_* env vars override)")
}

func loadConfig(path string, stderr io.Writer) (chainlog.Config, zerolog.Logger, error) {
	cfg, err := chainlog.LoadConfig(path)
	if err != nil {
		return chainlog.Config{}, zerolog.Nop(), err
	}
	return cfg, chainlog.NewLogger(cfg.Log, stderr), nil
}

// openEnv opens the configured store and verifies the chain on load.
func openEnv(ctx context.Context, configPath string, stderr io.Writer) (*env, error) {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return nil, err
	}
	metrics, err := chainlog.NewMetrics(nil)
	if err != nil {
		return nil, err
	}
	st, journal, err := chainlog.OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	l, err := chainlog.Open(ctx, st,
		chainlog.WithClock(now),
		chainlog.WithLogger(logger),
		chainlog.WithMetrics(metrics))
	if err != nil {
		_ = closeAll(st, journal)
		return nil, err
	}
	det := chainlog.NewDetector(l, journal, cfg.Gate.Gate(),
		chainlog.WithDetectorClock(now),
		chainlog.WithDetectorLogger(logger),
		chainlog.WithDetectorMetrics(metrics))
	l.Subscribe(det.EntryCommitted)

	return &env{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		journal:  journal,
		log:      l,
		detector: det,
	}, nil
}

func (e *env) Close() error {
	return closeAll(e.store, e.journal)
}

// closeAll closes st and, when it is a separate closable value, journal.
func closeAll(st chainlog.Store, journal chainlog.DetectorStore) error {
	var errs []error
	if err := st.Close(); err != nil {
		errs = append(errs, err)
	}
	if c, ok := journal.(io.Closer); ok && any(journal) != any(st) {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func today() string {
	return now().UTC().Format(chainlog.DateLayout)
}
