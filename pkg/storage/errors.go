// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the backend-neutral failure taxonomy. Adapters classify every
// transport-specific error into exactly one kind; callers branch only on
// these.
type ErrorKind int

const (
	// KindUnknown covers failures no other kind describes.
	KindUnknown ErrorKind = iota

	// KindNotFound means the addressed document does not exist.
	KindNotFound

	// KindAlreadyExists means an Insert hit an existing key.
	KindAlreadyExists

	// KindTokenMismatch means a token-guarded write lost the race; the
	// caller should re-read and retry.
	KindTokenMismatch

	// KindTimeout means the transport round trip exceeded its deadline.
	KindTimeout

	// KindUnavailable means the store is unreachable or refusing work.
	KindUnavailable

	// KindParseFailure means a stored payload could not be decoded. Kept
	// distinct from KindNotFound so "never written" and "written but
	// corrupt" are distinguishable.
	KindParseFailure

	// KindPathNotFound means a sub-document op referenced a missing field.
	KindPathNotFound

	// KindPathExists means a sub-document insert hit an existing field.
	KindPathExists
)

// String returns the taxonomy name for logs and metrics labels.
func (k ErrorKind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindTokenMismatch:
		return "token_mismatch"
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindParseFailure:
		return "parse_failure"
	case KindPathNotFound:
		return "path_not_found"
	case KindPathExists:
		return "path_exists"
	default:
		return "unknown"
	}
}

// StoreError is the typed failure every Backend operation returns. It wraps
// the transport cause so adapters keep their detail while callers branch on
// Kind.
type StoreError struct {
	Kind ErrorKind
	Op   string
	Key  string
	Err  error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("storage %s %q: %s: %v", e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %s", e.Op, e.Key, e.Kind)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewError builds a StoreError. Adapters use this for every failure path.
func NewError(kind ErrorKind, op, key string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Key: key, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Context deadline and
// cancellation errors classify as KindTimeout even when an adapter forgot to
// wrap them.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindUnknown
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsAlreadyExists reports whether err classifies as KindAlreadyExists.
func IsAlreadyExists(err error) bool { return KindOf(err) == KindAlreadyExists }

// IsTokenMismatch reports whether err classifies as KindTokenMismatch.
func IsTokenMismatch(err error) bool { return KindOf(err) == KindTokenMismatch }

// IsPathNotFound reports whether err classifies as KindPathNotFound.
func IsPathNotFound(err error) bool { return KindOf(err) == KindPathNotFound }

// IsParseFailure reports whether err classifies as KindParseFailure.
func IsParseFailure(err error) bool { return KindOf(err) == KindParseFailure }
