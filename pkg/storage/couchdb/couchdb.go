// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package couchdb implements the storage.Backend contract over CouchDB's HTTP
// API.
//
// CouchDB gives us a real server-side CAS: every document carries a revision
// (_rev) and a conditional PUT fails with 409 when the revision is stale, so
// NativeCAS is true. There is no sub-document API, so MutateAtomic is emulated
// with a read-modify-conditional-replace and AtomicSubdoc reports false.
// Declarative queries map to Mango selectors on the _find endpoint.
package couchdb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

// casAttempts bounds the retry loops on paths that must refresh a revision
// before writing (Replace, Remove, unconditional MutateAtomic).
const casAttempts = 3

// queryPageLimit is the _find page size when the caller sets no limit.
// CouchDB's own default of 25 silently truncates.
const queryPageLimit = 10000

// Config holds connection settings for a CouchDB backend.
type Config struct {
	// Endpoint is the server base URL, e.g. "http://127.0.0.1:5984".
	Endpoint string

	// Database is the database name. Created out of band.
	Database string

	// Username and Password enable basic auth when non-empty.
	Username string
	Password string

	// Timeout bounds each HTTP round trip. 0 means 30s.
	Timeout time.Duration
}

// Backend is the CouchDB implementation of storage.Backend.
type Backend struct {
	base   string
	db     string
	user   string
	pass   string
	client *http.Client
}

var _ storage.Backend = (*Backend)(nil)

// New builds a CouchDB backend. It does not contact the server; use Ping to
// verify reachability.
func New(cfg Config) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("database is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Backend{
		base:   strings.TrimRight(cfg.Endpoint, "/"),
		db:     cfg.Database,
		user:   cfg.Username,
		pass:   cfg.Password,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// Kind identifies this transport.
func (b *Backend) Kind() string { return "couchdb" }

// Capabilities: revisions give a native CAS; sub-document mutation is
// emulated.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicSubdoc: false, NativeCAS: true}
}

// Get fetches a document, returning (nil, nil) when the key is absent.
func (b *Backend) Get(ctx context.Context, key string) (*storage.Document, error) {
	status, body, err := b.do(ctx, http.MethodGet, b.docURL(key), nil)
	if err != nil {
		return nil, classify("get", key, err)
	}
	switch status {
	case http.StatusOK:
		content, rev, err := stripMeta(body)
		if err != nil {
			return nil, storage.NewError(storage.KindParseFailure, "get", key, err)
		}
		return &storage.Document{Key: key, Content: content, Token: storage.Token(rev)}, nil
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, statusError("get", key, status, body)
	}
}

// Insert creates a document; KindAlreadyExists if the key is taken.
func (b *Backend) Insert(ctx context.Context, key string, content json.RawMessage) error {
	payload, err := injectMeta(content, key, "")
	if err != nil {
		return storage.NewError(storage.KindParseFailure, "insert", key, err)
	}
	status, body, err := b.do(ctx, http.MethodPut, b.docURL(key), payload)
	if err != nil {
		return classify("insert", key, err)
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return storage.NewError(storage.KindAlreadyExists, "insert", key, nil)
	default:
		return statusError("insert", key, status, body)
	}
}

// Replace unconditionally overwrites (or creates) a document. CouchDB always
// wants a revision on overwrite, so this refreshes the revision and retries a
// bounded number of times when racing another writer.
func (b *Backend) Replace(ctx context.Context, key string, content json.RawMessage) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		rev, err := b.currentRev(ctx, key)
		if err != nil {
			return classify("replace", key, err)
		}
		payload, err := injectMeta(content, key, rev)
		if err != nil {
			return storage.NewError(storage.KindParseFailure, "replace", key, err)
		}
		status, body, err := b.do(ctx, http.MethodPut, b.docURL(key), payload)
		if err != nil {
			return classify("replace", key, err)
		}
		switch status {
		case http.StatusCreated, http.StatusAccepted:
			return nil
		case http.StatusConflict:
			lastErr = statusError("replace", key, status, body)
			continue
		default:
			return statusError("replace", key, status, body)
		}
	}
	return storage.NewError(storage.KindTokenMismatch, "replace", key, lastErr)
}

// ReplaceWithToken overwrites only when the stored revision matches token.
func (b *Backend) ReplaceWithToken(ctx context.Context, key string, content json.RawMessage, token storage.Token) (storage.Token, error) {
	payload, err := injectMeta(content, key, string(token))
	if err != nil {
		return "", storage.NewError(storage.KindParseFailure, "replace_cas", key, err)
	}
	status, body, err := b.do(ctx, http.MethodPut, b.docURL(key), payload)
	if err != nil {
		return "", classify("replace_cas", key, err)
	}
	switch status {
	case http.StatusCreated, http.StatusAccepted:
		var res struct {
			Rev string `json:"rev"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return "", storage.NewError(storage.KindParseFailure, "replace_cas", key, err)
		}
		return storage.Token(res.Rev), nil
	case http.StatusConflict:
		// 409 covers both a stale revision and a missing document;
		// disambiguate with a revision probe.
		if rev, probeErr := b.currentRev(ctx, key); probeErr == nil && rev == "" {
			return "", storage.NewError(storage.KindNotFound, "replace_cas", key, nil)
		}
		return "", storage.NewError(storage.KindTokenMismatch, "replace_cas", key, nil)
	case http.StatusNotFound:
		return "", storage.NewError(storage.KindNotFound, "replace_cas", key, nil)
	default:
		return "", statusError("replace_cas", key, status, body)
	}
}

// MutateAtomic emulates sub-document mutation: read, apply in memory, write
// back with the revision observed by the read. When token is non-empty the
// write is guarded by that token instead and never retried; when empty, a lost
// race refreshes and retries a bounded number of times.
func (b *Backend) MutateAtomic(ctx context.Context, key string, ops []storage.SubdocOp, token storage.Token) (storage.Token, error) {
	if err := storage.ValidateOps(ops); err != nil {
		return "", storage.NewError(storage.KindUnknown, "mutate", key, err)
	}
	attempts := casAttempts
	if token != "" {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		doc, err := b.Get(ctx, key)
		if err != nil {
			return "", err
		}
		if doc == nil {
			return "", storage.NewError(storage.KindNotFound, "mutate", key, nil)
		}
		guard := doc.Token
		if token != "" {
			guard = token
		}
		var body map[string]any
		if err := json.Unmarshal(doc.Content, &body); err != nil {
			return "", storage.NewError(storage.KindParseFailure, "mutate", key, err)
		}
		if err := storage.ApplySubdocOps(body, ops); err != nil {
			return "", err
		}
		raw, err := json.Marshal(body)
		if err != nil {
			return "", storage.NewError(storage.KindParseFailure, "mutate", key, err)
		}
		newToken, err := b.ReplaceWithToken(ctx, key, raw, guard)
		if err == nil {
			return newToken, nil
		}
		if token == "" && storage.IsTokenMismatch(err) {
			lastErr = err
			continue
		}
		return "", err
	}
	return "", storage.NewError(storage.KindTokenMismatch, "mutate", key, lastErr)
}

// Remove deletes a document; removing an absent key succeeds.
func (b *Backend) Remove(ctx context.Context, key string) error {
	var lastErr error
	for attempt := 0; attempt < casAttempts; attempt++ {
		rev, err := b.currentRev(ctx, key)
		if err != nil {
			return classify("remove", key, err)
		}
		if rev == "" {
			return nil
		}
		u := b.docURL(key) + "?rev=" + url.QueryEscape(rev)
		status, body, err := b.do(ctx, http.MethodDelete, u, nil)
		if err != nil {
			return classify("remove", key, err)
		}
		switch status {
		case http.StatusOK, http.StatusAccepted, http.StatusNotFound:
			return nil
		case http.StatusConflict:
			lastErr = statusError("remove", key, status, body)
			continue
		default:
			return statusError("remove", key, status, body)
		}
	}
	return storage.NewError(storage.KindTokenMismatch, "remove", key, lastErr)
}

// Query maps the declarative query to a Mango selector on _find. Ordering is
// applied in process so no server-side index is required.
func (b *Backend) Query(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(), err)
	}
	selector, err := mangoSelector(q)
	if err != nil {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(), err)
	}
	limit := queryPageLimit
	if q.Limit > 0 {
		limit = q.Limit
	}
	reqBody, err := json.Marshal(map[string]any{
		"selector": selector,
		"limit":    limit,
	})
	if err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "query", q.Kind.String(), err)
	}
	status, body, err := b.do(ctx, http.MethodPost, b.base+"/"+url.PathEscape(b.db)+"/_find", reqBody)
	if err != nil {
		return nil, classify("query", q.Kind.String(), err)
	}
	if status != http.StatusOK {
		return nil, statusError("query", q.Kind.String(), status, body)
	}
	var res struct {
		Docs []json.RawMessage `json:"docs"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "query", q.Kind.String(), err)
	}
	docs := make([]storage.Document, 0, len(res.Docs))
	for _, raw := range res.Docs {
		var meta struct {
			ID  string `json:"_id"`
			Rev string `json:"_rev"`
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		content, _, err := stripMeta(raw)
		if err != nil {
			continue
		}
		docs = append(docs, storage.Document{
			Key:     meta.ID,
			Content: content,
			Token:   storage.Token(meta.Rev),
		})
	}
	return storage.SortResults(docs, q), nil
}

// Ping probes the database endpoint.
func (b *Backend) Ping(ctx context.Context) error {
	status, body, err := b.do(ctx, http.MethodGet, b.base+"/"+url.PathEscape(b.db), nil)
	if err != nil {
		return classify("ping", "", err)
	}
	if status != http.StatusOK {
		return statusError("ping", "", status, body)
	}
	return nil
}

// Disconnect drops pooled connections.
func (b *Backend) Disconnect(_ context.Context) error {
	b.client.CloseIdleConnections()
	return nil
}

// === HTTP plumbing ===

func (b *Backend) docURL(key string) string {
	return b.base + "/" + url.PathEscape(b.db) + "/" + url.PathEscape(key)
}

// currentRev returns the document's revision via a HEAD probe, or "" when the
// document does not exist.
func (b *Backend) currentRev(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.docURL(key), nil)
	if err != nil {
		return "", err
	}
	b.auth(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		return strings.Trim(resp.Header.Get("ETag"), `"`), nil
	case http.StatusNotFound:
		return "", nil
	default:
		return "", fmt.Errorf("rev probe returned status %d", resp.StatusCode)
	}
}

func (b *Backend) do(ctx context.Context, method, u string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	b.auth(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (b *Backend) auth(req *http.Request) {
	if b.user != "" {
		req.SetBasicAuth(b.user, b.pass)
	}
}

// === document envelope handling ===

// injectMeta merges _id (and _rev when non-empty) into the content object.
func injectMeta(content json.RawMessage, key, rev string) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(content, &body); err != nil {
		return nil, fmt.Errorf("document body is not a JSON object: %w", err)
	}
	body["_id"] = key
	if rev != "" {
		body["_rev"] = rev
	} else {
		delete(body, "_rev")
	}
	return json.Marshal(body)
}

// stripMeta removes CouchDB bookkeeping fields and returns the body plus the
// revision.
func stripMeta(raw json.RawMessage) (json.RawMessage, string, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, "", err
	}
	rev, _ := body["_rev"].(string)
	delete(body, "_id")
	delete(body, "_rev")
	content, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return content, rev, nil
}

// mangoSelector builds the _find selector for a query kind.
func mangoSelector(q storage.Query) (map[string]any, error) {
	switch q.Kind {
	case storage.QuerySessions:
		sel := map[string]any{"docType": storage.DocTypeSession}
		if q.ProjectID != "" {
			sel["projectId"] = q.ProjectID
		}
		return sel, nil
	case storage.QueryExtensionsOfSession:
		return map[string]any{
			"docType":   storage.DocTypeExtension,
			"sessionId": q.SessionID,
		}, nil
	case storage.QueryBackupsByPathHash:
		return map[string]any{
			"docType":  storage.DocTypeBackup,
			"pathHash": q.PathHash,
		}, nil
	case storage.QueryBackupsBySession:
		return map[string]any{
			"docType":   storage.DocTypeBackup,
			"sessionId": q.SessionID,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}
}

// === error classification ===

func classify(op, key string, err error) error {
	var se *storage.StoreError
	if errors.As(err, &se) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return storage.NewError(storage.KindTimeout, op, key, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return storage.NewError(storage.KindTimeout, op, key, err)
	case isConnError(err):
		return storage.NewError(storage.KindUnavailable, op, key, err)
	default:
		return storage.NewError(storage.KindUnknown, op, key, err)
	}
}

func isConnError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func statusError(op, key string, status int, body []byte) error {
	err := fmt.Errorf("couchdb returned status %d: %s", status, truncate(body, 256))
	switch {
	case status == http.StatusNotFound:
		return storage.NewError(storage.KindNotFound, op, key, err)
	case status == http.StatusConflict:
		return storage.NewError(storage.KindTokenMismatch, op, key, err)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return storage.NewError(storage.KindTimeout, op, key, err)
	case status >= 500:
		return storage.NewError(storage.KindUnavailable, op, key, err)
	default:
		return storage.NewError(storage.KindUnknown, op, key, err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
