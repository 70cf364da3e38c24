// Copyright 2013 Viewfinder Inc.
// Licensed under the Apache License 2.0, see LICENCE file for details.

package main

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, read from a YAML file. The zero
// value is not runnable; DefaultConfig fills in a single-host in-memory
// setup good for smoke runs.
type Config struct {
	Store  StoreSettings `yaml:"store"`
	Queue  QueueSettings `yaml:"queue"`
	Locks  LockSettings  `yaml:"locks"`
	Alerts AlertSettings `yaml:"alerts"`

	// LoggingConfig is a loggo specification, eg "<root>=INFO".
	LoggingConfig string `yaml:"logging-config"`

	// LogDir overrides the log directory derived from --data-dir.
	LogDir string `yaml:"log-dir"`

	// MetricsAddr, when set, serves /metrics on this address.
	MetricsAddr string `yaml:"metrics-addr"`
}

// StoreSettings selects and parameterises the kv backend.
type StoreSettings struct {
	// Backend is "dynamo" or "memory".
	Backend string `yaml:"backend"`

	// Region is the AWS region for the dynamo backend.
	Region string `yaml:"region"`

	// AccessKey and SecretKey are static AWS credentials for the dynamo
	// backend. Leave both empty to use the ambient credential chain.
	AccessKey string `yaml:"access-key"`
	SecretKey string `yaml:"secret-key"`

	// TablePrefix is prepended to every table name.
	TablePrefix string `yaml:"table-prefix"`
}

// QueueSettings shapes the operation scheduler.
type QueueSettings struct {
	MaxConcurrentUsers int   `yaml:"max-concurrent-users"`
	MaxAttempts        int64 `yaml:"max-attempts"`
}

// LockSettings shapes queue and viewpoint locking.
type LockSettings struct {
	// TimeoutSeconds is how long a lock may go unrenewed before
	// another host may steal it.
	TimeoutSeconds int `yaml:"timeout-seconds"`
}

// Timeout returns the abandonment timeout, zero meaning the default.
func (s LockSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// AlertSettings shapes outbound alert delivery.
type AlertSettings struct {
	PushRate  float64 `yaml:"push-rate"`
	PushBurst int64   `yaml:"push-burst"`
}

// DefaultConfig returns the configuration used when no --config file is
// given: everything in memory, logging to stderr at INFO.
func DefaultConfig() Config {
	return Config{
		Store:         StoreSettings{Backend: "memory"},
		LoggingConfig: "<root>=INFO",
	}
}

// ReadConfig loads and validates a config file.
func ReadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Annotate(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Trace(err)
	}
	return cfg, nil
}

// Validate returns an error if the config cannot run.
func (cfg Config) Validate() error {
	switch cfg.Store.Backend {
	case "memory":
	case "dynamo":
		if cfg.Store.Region == "" {
			return errors.NotValidf("dynamo backend without region")
		}
		if (cfg.Store.AccessKey == "") != (cfg.Store.SecretKey == "") {
			return errors.NotValidf("static credentials without both access-key and secret-key")
		}
	default:
		return errors.NotValidf("store backend %q", cfg.Store.Backend)
	}
	if cfg.Queue.MaxConcurrentUsers < 0 {
		return errors.NotValidf("negative max-concurrent-users")
	}
	if cfg.Queue.MaxAttempts < 0 {
		return errors.NotValidf("negative max-attempts")
	}
	if cfg.Locks.TimeoutSeconds < 0 {
		return errors.NotValidf("negative lock timeout")
	}
	return nil
}
