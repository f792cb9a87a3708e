// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

// Pair is one request/response exchange in a conversation.
type Pair struct {
	Request   string    `json:"request"`
	Response  string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// Usage holds the running token and cost totals for a session.
type Usage struct {
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	Cost      float64 `json:"cost"`
}

// Add accumulates another usage delta.
func (u *Usage) Add(delta Usage) {
	u.TokensIn += delta.TokensIn
	u.TokensOut += delta.TokensOut
	u.Cost += delta.Cost
}

// Event is an append-only operational record attached to a session (bug
// reports, command executions, remediations). Events grow through atomic
// sub-document appends, never full-document rewrites.
type Event struct {
	Type    string    `json:"type"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ExtensionMetadata describes one segment of a sharded session. Entries for
// closed segments are frozen at split time; the entry matching
// ExtensionInfo.CurrentExtension is still growing.
type ExtensionMetadata struct {
	ExtensionNum   int       `json:"extensionNum"`
	SplitAt        time.Time `json:"splitAt"`
	FinalTokensIn  int64     `json:"finalTokensIn"`
	FinalTokensOut int64     `json:"finalTokensOut"`
	FinalCost      float64   `json:"finalCost"`
	SizeBytes      int       `json:"sizeBytes"`
	PairCount      int       `json:"pairCount"`
}

// ExtensionInfo is the sharding metadata embedded in a session root.
//
// Extensions is ordered by strictly increasing ExtensionNum starting at 1.
// The entry for 1 is a placeholder for the root segment: when the first split
// happens the root's pairs move verbatim into extension 2, so the root
// segment's own frozen pair count is zero and each real extension's entry
// carries the count of pairs it physically holds.
type ExtensionInfo struct {
	// CurrentExtension is the physical document receiving new pairs;
	// 1 means the root itself.
	CurrentExtension int `json:"currentExtension"`

	Extensions []ExtensionMetadata `json:"extensions"`

	// TotalSizeBytes caches the summed size of all closed segments.
	TotalSizeBytes int `json:"totalSizeBytes"`
}

// Session is the root document of one conversation.
type Session struct {
	DocType   string `json:"docType"`
	SessionID string `json:"sessionId"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title,omitempty"`

	Pairs []Pair `json:"pairs"`
	Usage Usage  `json:"usage"`

	Extension *ExtensionInfo `json:"extension,omitempty"`

	// PendingExtension marks an in-flight split: the extension document
	// with this number has been (or is about to be) inserted but the root
	// is not yet linked to it. Cleared when the split completes; a
	// non-zero value after a crash flags the orphan for the sweeper.
	PendingExtension int `json:"pendingExtension,omitempty"`

	Events []Event `json:"events,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Extension is one shard document of a sharded session.
type Extension struct {
	DocType      string `json:"docType"`
	SessionID    string `json:"sessionId"`
	ProjectID    string `json:"projectId"`
	ExtensionNum int    `json:"extensionNum"`

	Pairs []Pair `json:"pairs"`
	Usage Usage  `json:"usage"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Summary is the lightweight listing shape for a session.
type Summary struct {
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title,omitempty"`
	PairCount int       `json:"pairCount"`
	Sharded   bool      `json:"sharded"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ExtensionKey returns the storage key of a session's extension document.
func ExtensionKey(sessionID string, extensionNum int) string {
	return fmt.Sprintf("%s:%d", sessionID, extensionNum)
}

// summarize builds the listing shape from a root document.
func summarize(s *Session) Summary {
	sum := Summary{
		SessionID: s.SessionID,
		ProjectID: s.ProjectID,
		Title:     s.Title,
		PairCount: len(s.Pairs),
		Usage:     s.Usage,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	if s.Extension != nil {
		sum.Sharded = true
		for _, meta := range s.Extension.Extensions {
			sum.PairCount += meta.PairCount
		}
	}
	return sum
}

// decodeSession unmarshals a stored root document.
func decodeSession(doc *storage.Document) (*Session, error) {
	var s Session
	if err := json.Unmarshal(doc.Content, &s); err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "decode_session", doc.Key, err)
	}
	return &s, nil
}

// decodeExtension unmarshals a stored extension document.
func decodeExtension(doc *storage.Document) (*Extension, error) {
	var e Extension
	if err := json.Unmarshal(doc.Content, &e); err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "decode_extension", doc.Key, err)
	}
	return &e, nil
}

// serializedSize reports the stored size of a document body, the same bytes
// the backend's payload ceiling applies to.
func serializedSize(v any) (int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(raw), nil
}
