// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Mode names for the storage backend selector.
const (
	ModeCouchDB  = "couchdb"
	ModeWeaviate = "weaviate"
	ModeMongo    = "mongo"
	ModeBadger   = "badger"
)

// Config is the full service configuration.
type Config struct {
	Service  ServiceConfig  `yaml:"service"`
	Storage  StorageConfig  `yaml:"storage"`
	Session  SessionConfig  `yaml:"session"`
	Revision RevisionConfig `yaml:"revision"`
	Backup   BackupConfig   `yaml:"backup"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServiceConfig holds the HTTP service settings.
type ServiceConfig struct {
	// ListenAddr is the bind address for the HTTP API.
	ListenAddr string `yaml:"listen_addr" validate:"required"`

	// ShutdownGrace bounds graceful shutdown on SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// StorageConfig selects and configures the document-store transport.
type StorageConfig struct {
	// Mode picks the transport: couchdb, weaviate, mongo, or badger.
	Mode string `yaml:"mode" validate:"required,oneof=couchdb weaviate mongo badger"`

	CouchDB  CouchDBConfig  `yaml:"couchdb"`
	Weaviate WeaviateConfig `yaml:"weaviate"`
	Mongo    MongoConfig    `yaml:"mongo"`
	Badger   BadgerConfig   `yaml:"badger"`

	// OpTimeout bounds each storage round trip.
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// CouchDBConfig holds CouchDB transport settings.
type CouchDBConfig struct {
	Endpoint string `yaml:"endpoint"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// WeaviateConfig holds Weaviate transport settings.
type WeaviateConfig struct {
	URL string `yaml:"url"`
}

// MongoConfig holds MongoDB transport settings.
type MongoConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
}

// BadgerConfig holds embedded-store settings.
type BadgerConfig struct {
	Path     string `yaml:"path"`
	InMemory bool   `yaml:"in_memory"`
}

// SessionConfig governs session documents and extension splitting.
type SessionConfig struct {
	// MaxPayloadBytes is the store's single-document size ceiling.
	MaxPayloadBytes int `yaml:"max_payload_bytes" validate:"gt=0"`

	// SplitThresholdRatio is the fraction of MaxPayloadBytes at which a
	// session root splits into an extension. Kept below 1.0 so the split
	// happens before a write can be rejected.
	SplitThresholdRatio float64 `yaml:"split_threshold_ratio" validate:"gt=0,lt=1"`

	// CASRetries bounds token-mismatch retries on contended counters.
	CASRetries int `yaml:"cas_retries" validate:"gte=1"`

	// SweepInterval is the orphan-extension sweep cadence. 0 disables it.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SplitThresholdBytes returns the byte size at which a session splits.
func (s SessionConfig) SplitThresholdBytes() int {
	return int(float64(s.MaxPayloadBytes) * s.SplitThresholdRatio)
}

// RevisionConfig governs the file versioning engine.
type RevisionConfig struct {
	// SnapshotMaxBytes caps the raw content length eligible for inline
	// snapshots; larger files record changes only.
	SnapshotMaxBytes int `yaml:"snapshot_max_bytes" validate:"gt=0"`
}

// BackupConfig governs the content-addressed backup store.
type BackupConfig struct {
	// Archive mirrors backup payloads to a GCS bucket when enabled.
	Archive ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig holds cold-archive settings.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
}

// LoggingConfig holds structured-logging settings.
type LoggingConfig struct {
	// Level: debug, info, warn, or error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Format: text or json.
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// DefaultConfig returns the configuration used when no file exists: embedded
// badger storage under the user's data directory and an 8 MiB payload ceiling.
func DefaultConfig() Config {
	return Config{
		Service: ServiceConfig{
			ListenAddr:    ":8085",
			ShutdownGrace: 10 * time.Second,
		},
		Storage: StorageConfig{
			Mode:      ModeBadger,
			Badger:    BadgerConfig{Path: defaultDataDir()},
			OpTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			MaxPayloadBytes:     8 << 20,
			SplitThresholdRatio: 0.85,
			CASRetries:          3,
			SweepInterval:       time.Hour,
		},
		Revision: RevisionConfig{
			SnapshotMaxBytes: 100 << 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "scribevault")
	}
	return filepath.Join(home, ".scribevault", "data")
}

var validate = validator.New()

// Load reads and validates a configuration file. Fields absent from the file
// keep their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the file when it exists, creating it with defaults on
// first run.
func LoadOrDefault(path string) (Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefault(path); err != nil {
			return Config{}, err
		}
	}
	return Load(path)
}

// WriteDefault writes the default configuration to path, creating parent
// directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks structural constraints plus the cross-field ones the tag
// language cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Storage.Mode {
	case ModeCouchDB:
		if c.Storage.CouchDB.Endpoint == "" || c.Storage.CouchDB.Database == "" {
			return fmt.Errorf("storage mode %s requires couchdb.endpoint and couchdb.database", c.Storage.Mode)
		}
	case ModeWeaviate:
		if c.Storage.Weaviate.URL == "" {
			return fmt.Errorf("storage mode %s requires weaviate.url", c.Storage.Mode)
		}
	case ModeMongo:
		if c.Storage.Mongo.URI == "" || c.Storage.Mongo.Database == "" || c.Storage.Mongo.Collection == "" {
			return fmt.Errorf("storage mode %s requires mongo.uri, mongo.database, and mongo.collection", c.Storage.Mode)
		}
	case ModeBadger:
		if c.Storage.Badger.Path == "" && !c.Storage.Badger.InMemory {
			return fmt.Errorf("storage mode %s requires badger.path or badger.in_memory", c.Storage.Mode)
		}
	}
	if c.Backup.Archive.Enabled && c.Backup.Archive.Bucket == "" {
		return fmt.Errorf("backup archive requires a bucket when enabled")
	}
	return nil
}
