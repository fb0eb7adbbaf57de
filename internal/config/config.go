// Package config loads promptgenie configuration.
//
// A YAML file is parsed, unified with an embedded CUE schema that supplies
// defaults and constraints, and decoded into Config. Environment variables
// override the file; command-line flags override both (see internal/cli).
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Environment variables that override file settings.
const (
	EnvServerAddr   = "PROMPTGENIE_SERVER_ADDR"
	EnvStorageDSN   = "PROMPTGENIE_STORAGE_DSN"
	EnvDB           = "PROMPTGENIE_DB"
	EnvServerURL    = "PROMPTGENIE_SERVER_URL"
	EnvShardTimeout = "PROMPTGENIE_SHARD_TIMEOUT"
)

// Config is the resolved configuration.
type Config struct {
	Client ClientConfig
	Server ServerConfig
	Host   HostConfig
	Log    LogConfig
}

// ClientConfig configures the local store and the sync client.
type ClientConfig struct {
	DB            string
	ServerURL     string
	ErrorLogLimit int
	ChunkDelay    time.Duration
}

// ServerConfig configures the reconciliation server.
type ServerConfig struct {
	Addr         string
	StorageDSN   string
	ShardTimeout    time.Duration
	BatchTimeout    time.Duration
	LedgerRetention time.Duration
	MaxParallel     int
	MaxBodyBytes    int64
}

// HostConfig configures the background wake scheduler.
type HostConfig struct {
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	ProbeInterval time.Duration
}

// LogConfig configures logging.
type LogConfig struct {
	Level string
}

// document mirrors the schema; durations stay strings until parsed.
type document struct {
	Client struct {
		DB            string `json:"db"`
		ServerURL     string `json:"server_url"`
		ErrorLogLimit int    `json:"error_log_limit"`
		ChunkDelay    string `json:"chunk_delay"`
	} `json:"client"`
	Server struct {
		Addr         string `json:"addr"`
		StorageDSN   string `json:"storage_dsn"`
		ShardTimeout    string `json:"shard_timeout"`
		BatchTimeout    string `json:"batch_timeout"`
		LedgerRetention string `json:"ledger_retention"`
		MaxParallel     int    `json:"max_parallel"`
		MaxBodyBytes    int64  `json:"max_body_bytes"`
	} `json:"server"`
	Host struct {
		BackoffMin    string `json:"backoff_min"`
		BackoffMax    string `json:"backoff_max"`
		ProbeInterval string `json:"probe_interval"`
	} `json:"host"`
	Log struct {
		Level string `json:"level"`
	} `json:"log"`
}

// Default returns the configuration with every schema default applied.
func Default() (*Config, error) {
	return Parse(nil)
}

// Load reads the YAML file at path, applies schema defaults and then
// environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := Parse(data)
	if err != nil {
		if path != "" {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse validates YAML against the schema and returns the defaulted config.
// Environment overrides are not applied.
func Parse(data []byte) (*Config, error) {
	raw := map[string]any{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Config")).Unify(ctx.Encode(raw))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var doc document
	if err := value.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return doc.resolve()
}

func (d document) resolve() (*Config, error) {
	cfg := &Config{
		Client: ClientConfig{
			DB:            d.Client.DB,
			ServerURL:     d.Client.ServerURL,
			ErrorLogLimit: d.Client.ErrorLogLimit,
		},
		Server: ServerConfig{
			Addr:         d.Server.Addr,
			StorageDSN:   d.Server.StorageDSN,
			MaxParallel:  d.Server.MaxParallel,
			MaxBodyBytes: d.Server.MaxBodyBytes,
		},
		Log: LogConfig{Level: d.Log.Level},
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"client.chunk_delay", d.Client.ChunkDelay, &cfg.Client.ChunkDelay},
		{"server.shard_timeout", d.Server.ShardTimeout, &cfg.Server.ShardTimeout},
		{"server.batch_timeout", d.Server.BatchTimeout, &cfg.Server.BatchTimeout},
		{"server.ledger_retention", d.Server.LedgerRetention, &cfg.Server.LedgerRetention},
		{"host.backoff_min", d.Host.BackoffMin, &cfg.Host.BackoffMin},
		{"host.backoff_max", d.Host.BackoffMax, &cfg.Host.BackoffMax},
		{"host.probe_interval", d.Host.ProbeInterval, &cfg.Host.ProbeInterval},
	}
	for _, f := range durations {
		v, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	if cfg.Host.BackoffMax < cfg.Host.BackoffMin {
		return nil, fmt.Errorf("host.backoff_max (%s) is below host.backoff_min (%s)", cfg.Host.BackoffMax, cfg.Host.BackoffMin)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvServerAddr); ok && v != "" {
		c.Server.Addr = v
	}
	if v, ok := lookup(EnvStorageDSN); ok && v != "" {
		c.Server.StorageDSN = v
	}
	if v, ok := lookup(EnvDB); ok && v != "" {
		c.Client.DB = v
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		c.Client.ServerURL = v
	}
	if v, ok := lookup(EnvShardTimeout); ok && v != "" {
		d, err := parseTimeout(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvShardTimeout, err)
		}
		c.Server.ShardTimeout = d
	}
	return nil
}

// parseTimeout accepts a Go duration or a bare number of milliseconds.
func parseTimeout(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		if ms <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", ms)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
