// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the uniform document-store contract every transport
// adapter implements.
//
// The remote store is treated as an opaque, size-bounded document database
// that offers single-document compare-and-swap (an opaque consistency token)
// and, on some transports, atomic sub-document mutation. Adapters live in
// subpackages (couchdb, weaviate, mongo, badgerkv) and must classify every
// transport failure into the ErrorKind taxonomy in errors.go; callers branch
// only on that taxonomy, never on transport details.
//
// # Thread Safety
//
// A Backend is shared by all callers in the process and must be safe for
// concurrent use. Adapters hold no mutable per-request state beyond an
// amortized connection handle.
package storage

import (
	"context"
	"encoding/json"
)

// MaxSubdocOps is the most field-level operations a single MutateAtomic call
// may carry. Larger mutation sets must be split by the caller, which forfeits
// cross-call atomicity.
const MaxSubdocOps = 16

// Token is an opaque consistency marker returned with every read. A write
// tagged with a Token succeeds only if the document is unchanged since that
// read. The empty Token means "no token" (unconditional write).
type Token string

// Document is one stored document plus the consistency token observed when it
// was read.
type Document struct {
	// Key is the primary key the document was fetched under.
	Key string

	// Content is the raw JSON body. Callers unmarshal into their own types;
	// the storage layer never interprets it beyond secondary-index fields.
	Content json.RawMessage

	// Token is the consistency token current as of this read.
	Token Token
}

// Capabilities describes what a transport can do natively, so callers can
// pick a safer pattern when a capability is emulated.
type Capabilities struct {
	// AtomicSubdoc is true when MutateAtomic is a native all-or-nothing
	// sub-document operation. When false the adapter emulates it with a
	// read-modify-replace and callers must tolerate degraded token
	// semantics on that path.
	AtomicSubdoc bool

	// NativeCAS is true when ReplaceWithToken is backed by a real
	// server-side compare-and-swap. When false the token check is
	// best-effort (read-compare-replace) and can race.
	NativeCAS bool
}

// Backend is the uniform capability interface over a remote document store.
//
// # Description
//
// Every operation is a single request/response round trip, independently
// cancellable through ctx. Get never fails for a missing key; it returns
// (nil, nil). Remove is idempotent. Query serves secondary lookups only and
// is never used for primary-key access.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Kind identifies the transport ("couchdb", "weaviate", "mongo",
	// "badger"). Used for logging, metrics, and factory caching.
	Kind() string

	// Capabilities reports native vs emulated behavior for this transport.
	Capabilities() Capabilities

	// Get fetches a document by key. Returns (nil, nil) when the key is
	// absent.
	Get(ctx context.Context, key string) (*Document, error)

	// Insert creates a document. Fails with KindAlreadyExists if the key is
	// taken; it never overwrites.
	Insert(ctx context.Context, key string, content json.RawMessage) error

	// Replace unconditionally overwrites (or creates) a document. Last
	// writer wins; use only where staleness is tolerable and writes are
	// serialized at the application layer.
	Replace(ctx context.Context, key string, content json.RawMessage) error

	// ReplaceWithToken overwrites a document only if its current token
	// equals token. Returns the new token on success, KindTokenMismatch
	// when the document changed since the read, KindNotFound when the key
	// is absent.
	ReplaceWithToken(ctx context.Context, key string, content json.RawMessage, token Token) (Token, error)

	// MutateAtomic applies up to MaxSubdocOps field-level operations to one
	// document in a single all-or-nothing step, without transmitting the
	// whole document. token may be empty for unconditional mutation.
	// Returns KindPathNotFound when an op references a missing field.
	MutateAtomic(ctx context.Context, key string, ops []SubdocOp, token Token) (Token, error)

	// Remove deletes a document. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Query runs a declarative secondary lookup and returns matching
	// documents ordered per the query kind (creation time unless noted).
	Query(ctx context.Context, q Query) ([]Document, error)

	// Ping probes liveness, independent of any document state.
	Ping(ctx context.Context) error

	// Disconnect releases the connection handle. The backend must not be
	// used afterwards.
	Disconnect(ctx context.Context) error
}
