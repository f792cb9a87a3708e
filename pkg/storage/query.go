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
	"sort"
	"time"
)

// Document type discriminators. Every stored document carries one in a
// top-level "docType" field so declarative queries work across transports.
const (
	DocTypeSession   = "session"
	DocTypeExtension = "session-extension"
	DocTypeBackup    = "file-backup"
	DocTypeRevision  = "file-revision"
	DocTypeRevIndex  = "file-rev-index"
)

// QueryKind selects one of the fixed secondary lookups the storage layer
// supports. There is deliberately no free-form query surface: each kind maps
// to one statement in each transport's query language.
type QueryKind int

const (
	// QuerySessions lists session root documents, optionally filtered by
	// ProjectID, newest first.
	QuerySessions QueryKind = iota

	// QueryExtensionsOfSession lists extension documents belonging to
	// SessionID, in extension-number order.
	QueryExtensionsOfSession

	// QueryBackupsByPathHash lists file backups for PathHash, oldest first
	// (the oldest is the chain anchor).
	QueryBackupsByPathHash

	// QueryBackupsBySession lists file backups created by SessionID,
	// oldest first.
	QueryBackupsBySession
)

// String returns the kind name for logs and metrics labels.
func (k QueryKind) String() string {
	switch k {
	case QuerySessions:
		return "sessions"
	case QueryExtensionsOfSession:
		return "extensions_of_session"
	case QueryBackupsByPathHash:
		return "backups_by_path_hash"
	case QueryBackupsBySession:
		return "backups_by_session"
	default:
		return "invalid"
	}
}

// Query is a declarative secondary lookup. Only the parameters relevant to
// the Kind are read; the rest stay zero.
type Query struct {
	Kind      QueryKind
	ProjectID string
	SessionID string
	PathHash  string

	// Limit caps the result count; 0 means no cap.
	Limit int
}

// Validate rejects queries missing their kind's required parameter.
func (q Query) Validate() error {
	switch q.Kind {
	case QuerySessions:
		return nil
	case QueryExtensionsOfSession:
		if q.SessionID == "" {
			return fmt.Errorf("query %s requires a session id", q.Kind)
		}
	case QueryBackupsByPathHash:
		if q.PathHash == "" {
			return fmt.Errorf("query %s requires a path hash", q.Kind)
		}
	case QueryBackupsBySession:
		if q.SessionID == "" {
			return fmt.Errorf("query %s requires a session id", q.Kind)
		}
	default:
		return fmt.Errorf("unsupported query kind %d", q.Kind)
	}
	return nil
}

// queryEnvelope is the minimal slice of a document the in-process matcher
// needs. Transports with a server-side query language never decode this; the
// badgerkv scan and the weaviate post-filter do.
type queryEnvelope struct {
	DocType      string    `json:"docType"`
	ProjectID    string    `json:"projectId"`
	SessionID    string    `json:"sessionId"`
	PathHash     string    `json:"pathHash"`
	ExtensionNum int       `json:"extensionNum"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// MatchQuery reports whether a raw document satisfies a query. Used by
// adapters that filter in process.
func MatchQuery(content json.RawMessage, q Query) bool {
	var env queryEnvelope
	if err := json.Unmarshal(content, &env); err != nil {
		return false
	}
	switch q.Kind {
	case QuerySessions:
		if env.DocType != DocTypeSession {
			return false
		}
		return q.ProjectID == "" || env.ProjectID == q.ProjectID
	case QueryExtensionsOfSession:
		return env.DocType == DocTypeExtension && env.SessionID == q.SessionID
	case QueryBackupsByPathHash:
		return env.DocType == DocTypeBackup && env.PathHash == q.PathHash
	case QueryBackupsBySession:
		return env.DocType == DocTypeBackup && env.SessionID == q.SessionID
	default:
		return false
	}
}

// SortResults orders query results per the query kind's contract and applies
// the limit. Adapters whose transport cannot sort server-side call this
// before returning.
func SortResults(docs []Document, q Query) []Document {
	type entry struct {
		doc Document
		env queryEnvelope
	}
	entries := make([]entry, len(docs))
	for i, d := range docs {
		entries[i].doc = d
		// Ignore decode errors; a zero envelope sorts first.
		_ = json.Unmarshal(d.Content, &entries[i].env)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		switch q.Kind {
		case QuerySessions:
			return entries[i].env.UpdatedAt.After(entries[j].env.UpdatedAt)
		case QueryExtensionsOfSession:
			return entries[i].env.ExtensionNum < entries[j].env.ExtensionNum
		default:
			return entries[i].env.CreatedAt.Before(entries[j].env.CreatedAt)
		}
	})
	for i, e := range entries {
		docs[i] = e.doc
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}
