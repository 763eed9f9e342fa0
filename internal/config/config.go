// Package config loads service settings from defaults, an optional YAML
// file and command-line flags, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Addr        string        `yaml:"addr"`
	DB          string        `yaml:"db"`
	Workers     int           `yaml:"workers"`
	Poll        time.Duration `yaml:"poll"`
	Lease       time.Duration `yaml:"lease"`
	MaxAttempts int           `yaml:"max_attempts"`

	Redis       Redis       `yaml:"redis"`
	LLM         LLM         `yaml:"llm"`
	Graph       Graph       `yaml:"graph"`
	Maintenance Maintenance `yaml:"maintenance"`

	ErrorThreshold float64 `yaml:"error_threshold"`
	Log            Log     `yaml:"log"`
	Debug          bool    `yaml:"debug"`
}

type Redis struct {
	Addr  string `yaml:"addr"`
	Topic string `yaml:"topic"`
}

type LLM struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type Graph struct {
	BaseURL    string        `yaml:"base_url"`
	Version    string        `yaml:"version"`
	Timeout    time.Duration `yaml:"timeout"`
	RatePerSec float64       `yaml:"rate_per_sec"`
}

type Maintenance struct {
	Spec string `yaml:"spec"`
}

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() Config {
	return Config{
		Addr:        ":8080",
		DB:          "socialflow.db",
		Workers:     8,
		Poll:        250 * time.Millisecond,
		Lease:       60 * time.Second,
		MaxAttempts: 3,
		Redis: Redis{
			Addr:  "localhost:6379",
			Topic: "socialflow.events",
		},
		LLM: LLM{
			URL:     "http://localhost:4000/chat/completions",
			Model:   "gpt-4o-mini",
			Timeout: 10 * time.Second,
		},
		Graph: Graph{
			BaseURL:    "https://graph.facebook.com",
			Version:    "v22.0",
			Timeout:    10 * time.Second,
			RatePerSec: 5,
		},
		Maintenance:    Maintenance{Spec: "@every 30s"},
		ErrorThreshold: 0.5,
		Log:            Log{Level: "info", Pretty: true},
	}
}

// Decode overlays YAML from r onto c. Unknown keys are rejected.
func (c *Config) Decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("yaml decode: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DB == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be > 0"))
	}
	if c.Poll <= 0 {
		errs = append(errs, errors.New("poll must be > 0"))
	}
	if c.Lease < time.Second {
		errs = append(errs, errors.New("lease must be at least 1s"))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max_attempts must be > 0"))
	}
	if c.Redis.Addr == "" || c.Redis.Topic == "" {
		errs = append(errs, errors.New("redis.addr and redis.topic are required"))
	}
	if c.ErrorThreshold <= 0 || c.ErrorThreshold > 1 {
		errs = append(errs, errors.New("error_threshold must be in (0, 1]"))
	}
	if c.Graph.RatePerSec < 0 {
		errs = append(errs, errors.New("graph.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}

// Load builds the configuration for a command line. Flags given explicitly
// win over the file, which wins over defaults. SOCIALFLOW_LLM_API_KEY
// supplies the model API key when the file does not.
func Load(name string, args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "path to YAML config file")
	addr := fs.String("addr", cfg.Addr, "HTTP bind address")
	db := fs.String("db", cfg.DB, "SQLite DB path")
	workers := fs.Int("workers", cfg.Workers, "number of worker goroutines")
	poll := fs.Duration("poll", cfg.Poll, "poll interval for queue")
	redisAddr := fs.String("redis", cfg.Redis.Addr, "redis address for the event topic")
	debug := fs.Bool("debug", cfg.Debug, "enable debug logging and pprof")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *path != "" {
		b, err := os.ReadFile(*path)
		if err != nil {
			return Config{}, err
		}
		if err := cfg.Decode(bytes.NewReader(b)); err != nil {
			return Config{}, fmt.Errorf("%s: %w", *path, err)
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "db":
			cfg.DB = *db
		case "workers":
			cfg.Workers = *workers
		case "poll":
			cfg.Poll = *poll
		case "redis":
			cfg.Redis.Addr = *redisAddr
		case "debug":
			cfg.Debug = *debug
		}
	})
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("SOCIALFLOW_LLM_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
