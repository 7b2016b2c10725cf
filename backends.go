package chainlog

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// OpenStore opens the configured log backend and the detector journal that
// lives beside it. SQL backends return the same value for both.
func OpenStore(cfg StoreConfig) (Store, DetectorStore, error) {
	switch cfg.Kind {
	case StoreMemory:
		return NewMemoryStore(), NewMemoryDetectorStore(), nil
	case StoreFile:
		st, err := OpenFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		ds, err := OpenFileDetectorStore(cfg.Path)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		return st, ds, nil
	case StoreSQLite:
		st, err := OpenSQLiteStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	case StorePostgres:
		st, err := OpenPostgresStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
	}
}

// NewPublisher builds the configured publisher. It returns nil for "none".
// clock stamps publish times; nil uses time.Now.
func NewPublisher(ctx context.Context, cfg PublisherConfig, clock func() time.Time) (Publisher, error) {
	if clock == nil {
		clock = time.Now
	}
	switch cfg.Kind {
	case "", PublisherNone:
		return nil, nil
	case PublisherFolder:
		fp, err := NewFolderPublisher(cfg.Dir, clock)
		if err != nil {
			return nil, err
		}
		return fp, nil
	case PublisherHTTP:
		p := NewHTTPPublisher(cfg.URL)
		p.Client = &http.Client{Timeout: cfg.Timeout}
		p.clock = clock
		return p, nil
	case PublisherProto:
		p := NewProtoHTTPPublisher(cfg.URL)
		p.Client = &http.Client{Timeout: cfg.Timeout}
		p.clock = clock
		return p, nil
	case PublisherS3:
		p, err := NewS3Publisher(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		p.clock = clock
		return p, nil
	default:
		return nil, fmt.Errorf("unknown publisher kind %q", cfg.Kind)
	}
}

// NewRunLock returns a Redis lock when an address is configured, else a
// process-local one.
func NewRunLock(cfg RedisConfig) RunLock {
	if cfg.Addr == "" {
		return NewLocalRunLock()
	}
	return NewRedisRunLock(cfg.Addr, cfg.Password, cfg.DB, cfg.LockTTL)
}
