// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badgerkv implements the storage.Backend contract on an embedded
// BadgerDB instance.
//
// This is the "local" deployment mode: no remote store, documents live in a
// directory (or purely in memory for tests). Consistency tokens are a
// per-document version counter checked inside a Badger read-write
// transaction, so both CAS and sub-document mutation are genuinely atomic.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badgerkv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

// Config holds configuration for the embedded backend.
type Config struct {
	// Path is the directory for Badger files. Required unless InMemory.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For tests.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives Badger's internal log lines. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// 0 disables GC.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum discardable ratio before GC rewrites
	// a value log file.
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults: durable writes and a five-minute
// GC cadence.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests: no disk I/O, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// envelope wraps every stored document with its version counter. The counter
// doubles as the consistency token.
type envelope struct {
	Version uint64          `json:"v"`
	Doc     json.RawMessage `json:"d"`
}

// Backend is the embedded Badger implementation of storage.Backend.
type Backend struct {
	db     *badger.DB
	gcStop chan struct{}
	gcDone chan struct{}
	logger *slog.Logger
}

var _ storage.Backend = (*Backend)(nil)

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates the embedded backend.
//
// # Description
//
// Opens a Badger database at cfg.Path (created if missing), or in memory when
// cfg.InMemory is set, and starts the GC loop if configured.
//
// # Outputs
//
//   - *Backend: Ready for use. Call Disconnect when done.
//   - error: Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Backend, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Backend{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.gcStop = make(chan struct{})
		b.gcDone = make(chan struct{})
		go b.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return b, nil
}

// Kind identifies this transport.
func (b *Backend) Kind() string { return "badger" }

// Capabilities: everything runs inside a Badger transaction, so both CAS and
// sub-document mutation are native.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicSubdoc: true, NativeCAS: true}
}

// Get fetches a document, returning (nil, nil) when the key is absent.
func (b *Backend) Get(ctx context.Context, key string) (*storage.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.NewError(storage.KindTimeout, "get", key, err)
	}
	var doc *storage.Document
	err := b.db.View(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, key)
		if err != nil {
			return err
		}
		if env == nil {
			return nil
		}
		doc = &storage.Document{Key: key, Content: env.Doc, Token: tokenOf(env.Version)}
		return nil
	})
	if err != nil {
		return nil, classify("get", key, err)
	}
	return doc, nil
}

// Insert creates a document; KindAlreadyExists if the key is taken.
func (b *Backend) Insert(ctx context.Context, key string, content json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return storage.NewError(storage.KindTimeout, "insert", key, err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, key)
		if err != nil {
			return err
		}
		if env != nil {
			return storage.NewError(storage.KindAlreadyExists, "insert", key, nil)
		}
		return writeEnvelope(txn, key, envelope{Version: 1, Doc: content})
	})
	if err != nil {
		return classify("insert", key, err)
	}
	return nil
}

// Replace unconditionally overwrites (or creates) a document.
func (b *Backend) Replace(ctx context.Context, key string, content json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return storage.NewError(storage.KindTimeout, "replace", key, err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		var version uint64
		env, err := readEnvelope(txn, key)
		if err != nil {
			return err
		}
		if env != nil {
			version = env.Version
		}
		return writeEnvelope(txn, key, envelope{Version: version + 1, Doc: content})
	})
	if err != nil {
		return classify("replace", key, err)
	}
	return nil
}

// ReplaceWithToken overwrites only when the stored version matches token.
func (b *Backend) ReplaceWithToken(ctx context.Context, key string, content json.RawMessage, token storage.Token) (storage.Token, error) {
	if err := ctx.Err(); err != nil {
		return "", storage.NewError(storage.KindTimeout, "replace_cas", key, err)
	}
	var newToken storage.Token
	err := b.db.Update(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, key)
		if err != nil {
			return err
		}
		if env == nil {
			return storage.NewError(storage.KindNotFound, "replace_cas", key, nil)
		}
		if tokenOf(env.Version) != token {
			return storage.NewError(storage.KindTokenMismatch, "replace_cas", key, nil)
		}
		next := envelope{Version: env.Version + 1, Doc: content}
		newToken = tokenOf(next.Version)
		return writeEnvelope(txn, key, next)
	})
	if err != nil {
		return "", classify("replace_cas", key, err)
	}
	return newToken, nil
}

// MutateAtomic applies the mutation set inside one read-write transaction.
func (b *Backend) MutateAtomic(ctx context.Context, key string, ops []storage.SubdocOp, token storage.Token) (storage.Token, error) {
	if err := storage.ValidateOps(ops); err != nil {
		return "", storage.NewError(storage.KindUnknown, "mutate", key, err)
	}
	if err := ctx.Err(); err != nil {
		return "", storage.NewError(storage.KindTimeout, "mutate", key, err)
	}
	var newToken storage.Token
	err := b.db.Update(func(txn *badger.Txn) error {
		env, err := readEnvelope(txn, key)
		if err != nil {
			return err
		}
		if env == nil {
			return storage.NewError(storage.KindNotFound, "mutate", key, nil)
		}
		if token != "" && tokenOf(env.Version) != token {
			return storage.NewError(storage.KindTokenMismatch, "mutate", key, nil)
		}
		var body map[string]any
		if err := json.Unmarshal(env.Doc, &body); err != nil {
			return storage.NewError(storage.KindParseFailure, "mutate", key, err)
		}
		if err := storage.ApplySubdocOps(body, ops); err != nil {
			return err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return storage.NewError(storage.KindParseFailure, "mutate", key, err)
		}
		next := envelope{Version: env.Version + 1, Doc: raw}
		newToken = tokenOf(next.Version)
		return writeEnvelope(txn, key, next)
	})
	if err != nil {
		return "", classify("mutate", key, err)
	}
	return newToken, nil
}

// Remove deletes a document; removing an absent key succeeds.
func (b *Backend) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return storage.NewError(storage.KindTimeout, "remove", key, err)
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return classify("remove", key, err)
	}
	return nil
}

// Query scans the keyspace and filters in process. Acceptable for the local
// deployment mode; remote transports push the filter server-side.
func (b *Backend) Query(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(), err)
	}
	var docs []storage.Document
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := string(item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				var env envelope
				if err := json.Unmarshal(val, &env); err != nil {
					// Skip undecodable entries; they cannot match.
					return nil
				}
				if storage.MatchQuery(env.Doc, q) {
					docs = append(docs, storage.Document{
						Key:     key,
						Content: append(json.RawMessage(nil), env.Doc...),
						Token:   tokenOf(env.Version),
					})
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, classify("query", q.Kind.String(), err)
	}
	return storage.SortResults(docs, q), nil
}

// Ping verifies the database is open and readable.
func (b *Backend) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return storage.NewError(storage.KindTimeout, "ping", "", err)
	}
	if b.db.IsClosed() {
		return storage.NewError(storage.KindUnavailable, "ping", "", errors.New("database is closed"))
	}
	err := b.db.View(func(txn *badger.Txn) error { return nil })
	if err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// Disconnect stops the GC loop and closes the database. Safe to call twice.
func (b *Backend) Disconnect(_ context.Context) error {
	if b.gcStop != nil {
		close(b.gcStop)
		<-b.gcDone
		b.gcStop = nil
	}
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

func (b *Backend) runGC(interval time.Duration, ratio float64) {
	defer close(b.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.gcStop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && b.logger != nil {
				b.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// readEnvelope returns nil when the key is absent.
func readEnvelope(txn *badger.Txn, key string) (*envelope, error) {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env envelope
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	})
	if err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "get", key, err)
	}
	return &env, nil
}

func writeEnvelope(txn *badger.Txn, key string, env envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return storage.NewError(storage.KindParseFailure, "put", key, err)
	}
	return txn.Set([]byte(key), raw)
}

func tokenOf(version uint64) storage.Token {
	return storage.Token(strconv.FormatUint(version, 10))
}

// classify maps Badger and context errors into the taxonomy, passing typed
// errors through untouched.
func classify(op, key string, err error) error {
	var se *storage.StoreError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, badger.ErrConflict):
		// Concurrent transactions touched the same key; semantically a
		// lost CAS race.
		return storage.NewError(storage.KindTokenMismatch, op, key, err)
	case errors.Is(err, badger.ErrDBClosed):
		return storage.NewError(storage.KindUnavailable, op, key, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return storage.NewError(storage.KindTimeout, op, key, err)
	default:
		return storage.NewError(storage.KindUnknown, op, key, err)
	}
}
