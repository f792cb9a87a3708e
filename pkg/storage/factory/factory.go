// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package factory builds and owns the active storage backend.
//
// Callers receive a Manager by injection and ask it for the current Backend;
// nobody reaches for process-global state. Reconfigure swaps the backend at
// runtime when the storage section of the config changes, so a config reload
// can move the service from one transport to another without a restart.
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/AleutianAI/scribevault/pkg/config"
	"github.com/AleutianAI/scribevault/pkg/storage"
	"github.com/AleutianAI/scribevault/pkg/storage/badgerkv"
	"github.com/AleutianAI/scribevault/pkg/storage/couchdb"
	"github.com/AleutianAI/scribevault/pkg/storage/mongo"
	"github.com/AleutianAI/scribevault/pkg/storage/weaviatekv"
)

// Manager owns the active Backend and rebuilds it on config change.
//
// # Thread Safety
//
// Safe for concurrent use. Backend returns a consistent handle; a concurrent
// Reconfigure swaps the handle for future calls but never closes a backend
// out from under an in-flight operation's single round trip.
type Manager struct {
	mu      sync.RWMutex
	backend storage.Backend
	cfg     config.StorageConfig
	logger  *slog.Logger
}

// NewManager builds the backend for cfg and returns a ready Manager.
func NewManager(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("storage backend ready",
		slog.String("kind", backend.Kind()),
		slog.Bool("native_cas", backend.Capabilities().NativeCAS),
		slog.Bool("atomic_subdoc", backend.Capabilities().AtomicSubdoc))
	return &Manager{backend: backend, cfg: cfg, logger: logger}, nil
}

// Backend returns the active backend.
func (m *Manager) Backend() storage.Backend {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend
}

// Reconfigure swaps the backend when the storage config changed. An unchanged
// config is a no-op. The new backend must answer a Ping before it replaces
// the old one; on any failure the old backend stays active.
func (m *Manager) Reconfigure(ctx context.Context, cfg config.StorageConfig) error {
	m.mu.Lock()
	if reflect.DeepEqual(cfg, m.cfg) {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	next, err := build(ctx, cfg, m.logger)
	if err != nil {
		return fmt.Errorf("build replacement backend: %w", err)
	}
	if err := next.Ping(ctx); err != nil {
		_ = next.Disconnect(ctx)
		return fmt.Errorf("replacement backend failed ping: %w", err)
	}

	m.mu.Lock()
	old := m.backend
	m.backend = next
	m.cfg = cfg
	m.mu.Unlock()

	m.logger.Info("storage backend swapped",
		slog.String("from", old.Kind()),
		slog.String("to", next.Kind()))
	if err := old.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect of previous backend failed",
			slog.String("kind", old.Kind()),
			slog.String("error", err.Error()))
	}
	return nil
}

// Close disconnects the active backend.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return nil
	}
	err := m.backend.Disconnect(ctx)
	m.backend = nil
	return err
}

// build constructs a backend for the configured mode.
func build(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Backend, error) {
	switch cfg.Mode {
	case config.ModeCouchDB:
		return couchdb.New(couchdb.Config{
			Endpoint: cfg.CouchDB.Endpoint,
			Database: cfg.CouchDB.Database,
			Username: cfg.CouchDB.Username,
			Password: cfg.CouchDB.Password,
			Timeout:  cfg.OpTimeout,
		})
	case config.ModeWeaviate:
		return weaviatekv.Connect(ctx, weaviatekv.Config{
			URL:     cfg.Weaviate.URL,
			Timeout: cfg.OpTimeout,
		})
	case config.ModeMongo:
		return mongo.Connect(ctx, mongo.Config{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
			Timeout:    cfg.OpTimeout,
		})
	case config.ModeBadger:
		if cfg.Badger.InMemory {
			return badgerkv.Open(badgerkv.InMemoryConfig())
		}
		bcfg := badgerkv.DefaultConfig(cfg.Badger.Path)
		bcfg.Logger = logger
		return badgerkv.Open(bcfg)
	default:
		return nil, fmt.Errorf("unsupported storage mode %q", cfg.Mode)
	}
}
