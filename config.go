package chainlog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store kinds accepted in StoreConfig.Kind.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Publisher kinds accepted in PublisherConfig.Kind.
const (
	PublisherNone   = "none"
	PublisherFolder = "folder"
	PublisherHTTP   = "http"
	PublisherProto  = "proto"
	PublisherS3     = "s3"
)

// Config is the process configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Gate      GateConfig      `yaml:"gate"`
	Publisher PublisherConfig `yaml:"publisher"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

// StoreConfig selects the log backend. Path is a directory for "file" and a
// DSN for "sqlite" and "postgres".
type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// GateConfig is the daily publish policy. The target is the entry date's UTC
// midnight plus TargetOffset; Window is the tolerance after it.
type GateConfig struct {
	TargetOffset time.Duration `yaml:"target_offset"`
	Window       time.Duration `yaml:"window"`
}

// Gate builds the publish gate.
func (g GateConfig) Gate() Gate {
	return Gate{TargetOffset: g.TargetOffset, Window: g.Window}
}

// PublisherConfig selects the distribution channel.
type PublisherConfig struct {
	Kind    string            `yaml:"kind"`
	Dir     string            `yaml:"dir"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	S3      S3PublisherConfig `yaml:"s3"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// RedisConfig enables the cross-process run lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{Kind: StoreFile, Path: "data"},
		Gate: GateConfig{
			TargetOffset: 0,
			Window:       5 * time.Minute,
		},
		Publisher: PublisherConfig{Kind: PublisherNone, Timeout: 30 * time.Second},
		Server:    ServerConfig{Addr: ":8080"},
		Redis:     RedisConfig{LockTTL: 10 * time.Minute},
		Log:       LogConfig{Level: "info", Format: "json", Service: "chainlog"},
	}
}

// LoadConfig reads path (optional), applies CHAINLOG_* environment
// overrides, then validates.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup("CHAINLOG_" + key); ok {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		if v, ok := lookup("CHAINLOG_" + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("CHAINLOG_%s: %w", key, err)
			}
			*dst = d
		}
		return nil
	}

	str("STORE_KIND", &c.Store.Kind)
	str("STORE_PATH", &c.Store.Path)
	str("PUBLISHER_KIND", &c.Publisher.Kind)
	str("PUBLISHER_DIR", &c.Publisher.Dir)
	str("PUBLISHER_URL", &c.Publisher.URL)
	str("S3_BUCKET", &c.Publisher.S3.Bucket)
	str("S3_REGION", &c.Publisher.S3.Region)
	str("S3_ENDPOINT", &c.Publisher.S3.Endpoint)
	str("SERVER_ADDR", &c.Server.Addr)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if err := dur("GATE_TARGET_OFFSET", &c.Gate.TargetOffset); err != nil {
		return err
	}
	if err := dur("GATE_WINDOW", &c.Gate.Window); err != nil {
		return err
	}
	if v, ok := lookup("CHAINLOG_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CHAINLOG_REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreSQLite, StorePostgres:
		if strings.TrimSpace(c.Store.Path) == "" {
			errs = append(errs, fmt.Errorf("store.path is required for %s", c.Store.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.kind %q", c.Store.Kind))
	}

	if c.Gate.Window < 0 {
		errs = append(errs, errors.New("gate.window must not be negative"))
	}
	if c.Gate.TargetOffset < 0 || c.Gate.TargetOffset >= 24*time.Hour {
		errs = append(errs, errors.New("gate.target_offset must be within the day"))
	}

	switch c.Publisher.Kind {
	case "", PublisherNone:
	case PublisherFolder:
		if c.Publisher.Dir == "" {
			errs = append(errs, errors.New("publisher.dir is required for folder"))
		}
	case PublisherHTTP, PublisherProto:
		if c.Publisher.URL == "" {
			errs = append(errs, fmt.Errorf("publisher.url is required for %s", c.Publisher.Kind))
		}
	case PublisherS3:
		if c.Publisher.S3.Bucket == "" {
			errs = append(errs, errors.New("publisher.s3.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown publisher.kind %q", c.Publisher.Kind))
	}
	return errors.Join(errs...)
}
