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
	"encoding/json"
	"fmt"
	"strings"
)

// SubdocOpType enumerates the field-level operations MutateAtomic supports.
type SubdocOpType int

const (
	// OpUpsert sets a field, creating it if absent.
	OpUpsert SubdocOpType = iota

	// OpInsert sets a field only if it is absent; KindPathExists otherwise.
	OpInsert

	// OpArrayAppend appends a value to an array field.
	OpArrayAppend

	// OpArrayPrepend prepends a value to an array field.
	OpArrayPrepend

	// OpRemove deletes a field; KindPathNotFound if absent.
	OpRemove
)

// String returns the operation name for logs and error messages.
func (t SubdocOpType) String() string {
	switch t {
	case OpUpsert:
		return "upsert"
	case OpInsert:
		return "insert"
	case OpArrayAppend:
		return "array_append"
	case OpArrayPrepend:
		return "array_prepend"
	case OpRemove:
		return "remove"
	default:
		return "invalid"
	}
}

// SubdocOp is one field-level mutation. Path is a dotted field path relative
// to the document root (e.g. "usage.bugReports"). Value is ignored for
// OpRemove.
type SubdocOp struct {
	Type  SubdocOpType
	Path  string
	Value json.RawMessage
}

// ValidateOps rejects mutation sets that no transport can honor atomically:
// empty sets, sets over MaxSubdocOps, and ops with empty paths.
func ValidateOps(ops []SubdocOp) error {
	if len(ops) == 0 {
		return fmt.Errorf("mutation set is empty")
	}
	if len(ops) > MaxSubdocOps {
		return fmt.Errorf("mutation set has %d ops, limit is %d", len(ops), MaxSubdocOps)
	}
	for i, op := range ops {
		if op.Path == "" {
			return fmt.Errorf("op %d (%s) has an empty path", i, op.Type)
		}
	}
	return nil
}

// ApplySubdocOps applies a mutation set to a decoded JSON document in memory.
//
// # Description
//
// Shared by adapters that emulate sub-document mutation (couchdb, weaviate,
// badgerkv): the adapter reads the document, applies the full set with this
// helper, and writes the result back in one conditional replace. The set is
// all-or-nothing: the first failing op aborts and the caller must discard the
// mutated map.
//
// # Inputs
//
//   - doc: Decoded document body. Mutated in place.
//   - ops: The mutation set, already validated with ValidateOps.
//
// # Outputs
//
//   - error: StoreError with KindPathNotFound / KindPathExists on a failing
//     op, nil when the whole set applied.
func ApplySubdocOps(doc map[string]any, ops []SubdocOp) error {
	for _, op := range ops {
		if err := applyOne(doc, op); err != nil {
			return err
		}
	}
	return nil
}

func applyOne(doc map[string]any, op SubdocOp) error {
	parent, leaf, err := walkPath(doc, op.Path, op.Type != OpRemove && op.Type != OpInsert)
	if err != nil {
		return err
	}

	switch op.Type {
	case OpUpsert:
		val, err := decodeValue(op)
		if err != nil {
			return err
		}
		parent[leaf] = val

	case OpInsert:
		if _, exists := parent[leaf]; exists {
			return NewError(KindPathExists, "mutate", op.Path, nil)
		}
		val, err := decodeValue(op)
		if err != nil {
			return err
		}
		parent[leaf] = val

	case OpArrayAppend, OpArrayPrepend:
		val, err := decodeValue(op)
		if err != nil {
			return err
		}
		existing, ok := parent[leaf]
		if !ok {
			return NewError(KindPathNotFound, "mutate", op.Path, nil)
		}
		arr, ok := existing.([]any)
		if !ok {
			return NewError(KindPathNotFound, "mutate", op.Path,
				fmt.Errorf("field is not an array"))
		}
		if op.Type == OpArrayAppend {
			parent[leaf] = append(arr, val)
		} else {
			parent[leaf] = append([]any{val}, arr...)
		}

	case OpRemove:
		if _, exists := parent[leaf]; !exists {
			return NewError(KindPathNotFound, "mutate", op.Path, nil)
		}
		delete(parent, leaf)

	default:
		return fmt.Errorf("unsupported subdoc op %d", op.Type)
	}
	return nil
}

// walkPath resolves the parent map of a dotted path. When createParents is
// true, missing intermediate maps are created (upsert semantics); otherwise a
// missing intermediate classifies as KindPathNotFound.
func walkPath(doc map[string]any, path string, createParents bool) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part]
		if !ok {
			if !createParents {
				return nil, "", NewError(KindPathNotFound, "mutate", path, nil)
			}
			m := map[string]any{}
			cur[part] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, "", NewError(KindPathNotFound, "mutate", path,
				fmt.Errorf("intermediate field is not an object"))
		}
		cur = m
	}
	return cur, parts[len(parts)-1], nil
}

func decodeValue(op SubdocOp) (any, error) {
	if len(op.Value) == 0 {
		return nil, fmt.Errorf("op %s on %q has no value", op.Type, op.Path)
	}
	var val any
	if err := json.Unmarshal(op.Value, &val); err != nil {
		return nil, NewError(KindParseFailure, "mutate", op.Path, err)
	}
	return val, nil
}
