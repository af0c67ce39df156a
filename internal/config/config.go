// Package config loads daemon settings from an optional YAML file with
// environment-variable overrides, so a container can run with no file at
// all. Durations are written as Go duration strings ("30s", "2m").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Source    Source
	Target    Target
	ETL       ETL
	Scheduler Scheduler
	HTTP      HTTP
	Log       Log
}

// Source is the read-only upstream PostgreSQL.
type Source struct {
	DSN          string
	QueryTimeout time.Duration
	MaxConns     int
}

// Target is the writable SQLite reporting mart.
type Target struct {
	Path string
}

type ETL struct {
	PollInterval time.Duration
	Overlap      time.Duration // safety rewind applied to every watermark read
	MaxBatchRows int
	AlertAfter   int // consecutive failures per stream before an alert log
}

type Scheduler struct {
	Mode          string // "sequential" or "concurrent"
	MaxConcurrent int
	HistorySize   int
	Floor         time.Duration
}

type HTTP struct {
	Addr  string
	Debug bool
}

type Log struct {
	Level string
}

// fileConfig mirrors Config with YAML tags and duration strings.
type fileConfig struct {
	Source struct {
		DSN          string `yaml:"dsn"`
		QueryTimeout string `yaml:"query_timeout"`
		MaxConns     int    `yaml:"max_conns"`
	} `yaml:"source"`
	Target struct {
		Path string `yaml:"path"`
	} `yaml:"target"`
	ETL struct {
		PollInterval string `yaml:"poll_interval"`
		Overlap      string `yaml:"overlap"`
		MaxBatchRows int    `yaml:"max_batch_rows"`
		AlertAfter   int    `yaml:"alert_after"`
	} `yaml:"etl"`
	Scheduler struct {
		Mode          string `yaml:"mode"`
		MaxConcurrent int    `yaml:"max_concurrent"`
		HistorySize   int    `yaml:"history_size"`
		Floor         string `yaml:"floor"`
	} `yaml:"scheduler"`
	HTTP struct {
		Addr  string `yaml:"addr"`
		Debug bool   `yaml:"debug"`
	} `yaml:"http"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the built-in settings, matching a 30s incremental sync
// with a 90s safety overlap.
func Default() Config {
	return Config{
		Source:    Source{QueryTimeout: 15 * time.Second, MaxConns: 3},
		Target:    Target{Path: "clearsync.db"},
		ETL:       ETL{PollInterval: 30 * time.Second, Overlap: 90 * time.Second, MaxBatchRows: 5000, AlertAfter: 10},
		Scheduler: Scheduler{Mode: "sequential", MaxConcurrent: 4, HistorySize: 256, Floor: 250 * time.Millisecond},
		HTTP:      HTTP{Addr: ":8080"},
		Log:       Log{Level: "info"},
	}
}

// Load builds the config from defaults, then the YAML file at path (if
// non-empty), then environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := applyFile(&cfg, data); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, data []byte) error {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	setString(&cfg.Source.DSN, fc.Source.DSN)
	setString(&cfg.Target.Path, fc.Target.Path)
	setString(&cfg.Scheduler.Mode, fc.Scheduler.Mode)
	setString(&cfg.HTTP.Addr, fc.HTTP.Addr)
	setString(&cfg.Log.Level, fc.Log.Level)
	cfg.HTTP.Debug = cfg.HTTP.Debug || fc.HTTP.Debug

	setInt(&cfg.Source.MaxConns, fc.Source.MaxConns)
	setInt(&cfg.ETL.MaxBatchRows, fc.ETL.MaxBatchRows)
	setInt(&cfg.ETL.AlertAfter, fc.ETL.AlertAfter)
	setInt(&cfg.Scheduler.MaxConcurrent, fc.Scheduler.MaxConcurrent)
	setInt(&cfg.Scheduler.HistorySize, fc.Scheduler.HistorySize)

	for _, d := range []struct {
		dst  *time.Duration
		raw  string
		name string
	}{
		{&cfg.Source.QueryTimeout, fc.Source.QueryTimeout, "source.query_timeout"},
		{&cfg.ETL.PollInterval, fc.ETL.PollInterval, "etl.poll_interval"},
		{&cfg.ETL.Overlap, fc.ETL.Overlap, "etl.overlap"},
		{&cfg.Scheduler.Floor, fc.Scheduler.Floor, "scheduler.floor"},
	} {
		if err := setDuration(d.dst, d.raw, d.name); err != nil {
			return err
		}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.Source.DSN, os.Getenv("CLEARSYNC_SOURCE_DSN"))
	setString(&cfg.Target.Path, os.Getenv("CLEARSYNC_TARGET_PATH"))
	setString(&cfg.Scheduler.Mode, os.Getenv("CLEARSYNC_SCHEDULER_MODE"))
	setString(&cfg.HTTP.Addr, os.Getenv("CLEARSYNC_HTTP_ADDR"))
	setString(&cfg.Log.Level, os.Getenv("CLEARSYNC_LOG_LEVEL"))
	for _, d := range []struct {
		dst *time.Duration
		env string
	}{
		{&cfg.ETL.PollInterval, "CLEARSYNC_POLL_INTERVAL"},
		{&cfg.ETL.Overlap, "CLEARSYNC_OVERLAP"},
	} {
		if err := setDuration(d.dst, os.Getenv(d.env), d.env); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	if c.ETL.PollInterval <= 0 {
		return fmt.Errorf("etl.poll_interval must be positive, got %s", c.ETL.PollInterval)
	}
	if c.ETL.Overlap < 0 {
		return fmt.Errorf("etl.overlap must not be negative, got %s", c.ETL.Overlap)
	}
	if c.ETL.MaxBatchRows <= 0 {
		return fmt.Errorf("etl.max_batch_rows must be positive, got %d", c.ETL.MaxBatchRows)
	}
	switch c.Scheduler.Mode {
	case "sequential", "concurrent":
	default:
		return fmt.Errorf("scheduler.mode must be sequential or concurrent, got %q", c.Scheduler.Mode)
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive, got %d", c.Scheduler.MaxConcurrent)
	}
	if c.Target.Path == "" {
		return errors.New("target.path is required")
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw, name string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	}
	*dst = d
	return nil
}
