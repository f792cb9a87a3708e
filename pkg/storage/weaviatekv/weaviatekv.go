// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviatekv implements the storage.Backend contract on Weaviate's
// object store, addressed over its REST and GraphQL APIs.
//
// Weaviate has no revision mechanism and no sub-document API, so this is the
// fully degraded transport: both capability flags report false. Consistency
// tokens are an MD5 digest of the stored body, and token-guarded writes are a
// best-effort read-compare-replace. Callers that need hard CAS must pick a
// different backend; callers that stay on this one get visible degradation
// through Capabilities rather than silent lies.
//
// Documents live as objects of one class. The opaque JSON body is kept
// verbatim in a text property, and the secondary-index fields are mirrored
// into their own properties so declarative queries can run as GraphQL where
// filters.
package weaviatekv

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

// className is the Weaviate class all documents live under.
const className = "VaultDoc"

// keyNamespace seeds the deterministic key-to-UUID mapping. Weaviate
// addresses objects by UUID; hashing the key into one keeps primary-key
// access a single round trip.
var keyNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Config holds connection settings for a Weaviate backend.
type Config struct {
	// URL is the server URL, e.g. "http://localhost:8080".
	URL string

	// Timeout bounds startup schema checks. 0 means 10s.
	Timeout time.Duration
}

// Backend is the Weaviate implementation of storage.Backend.
type Backend struct {
	client *weaviate.Client
}

var _ storage.Backend = (*Backend)(nil)

// Connect builds the client and ensures the document class exists.
func Connect(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.URL == "" {
		return nil, errors.New("url is required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	wcfg := weaviate.Config{Host: cfg.URL, Scheme: "http"}
	if strings.HasPrefix(cfg.URL, "https://") {
		wcfg.Scheme = "https"
		wcfg.Host = strings.TrimPrefix(cfg.URL, "https://")
	} else if strings.HasPrefix(cfg.URL, "http://") {
		wcfg.Host = strings.TrimPrefix(cfg.URL, "http://")
	}

	client, err := weaviate.NewClient(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	b := &Backend{client: client}

	schemaCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := b.ensureSchema(schemaCtx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return b, nil
}

// ensureSchema creates the document class when it is missing.
func (b *Backend) ensureSchema(ctx context.Context) error {
	exists, err := b.client.Schema().ClassExistenceChecker().WithClassName(className).Do(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	class := &models.Class{
		Class:      className,
		Vectorizer: "none",
		Properties: []*models.Property{
			{Name: "docKey", DataType: []string{"text"}},
			{Name: "body", DataType: []string{"text"}},
			{Name: "docType", DataType: []string{"text"}},
			{Name: "projectId", DataType: []string{"text"}},
			{Name: "sessionId", DataType: []string{"text"}},
			{Name: "pathHash", DataType: []string{"text"}},
			{Name: "extensionNum", DataType: []string{"int"}},
		},
	}
	err = b.client.Schema().ClassCreator().WithClass(class).Do(ctx)
	// A concurrent creator may have won; existence is all that matters.
	if err != nil && statusCode(err) != 422 {
		return err
	}
	return nil
}

// Kind identifies this transport.
func (b *Backend) Kind() string { return "weaviate" }

// Capabilities: no revisions and no sub-document API, everything is emulated.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicSubdoc: false, NativeCAS: false}
}

// Get fetches a document, returning (nil, nil) when the key is absent.
func (b *Backend) Get(ctx context.Context, key string) (*storage.Document, error) {
	objs, err := b.client.Data().ObjectsGetter().
		WithClassName(className).
		WithID(objectID(key)).
		Do(ctx)
	if err != nil {
		if statusCode(err) == 404 {
			return nil, nil
		}
		return nil, classify("get", key, err)
	}
	if len(objs) == 0 {
		return nil, nil
	}
	body, err := bodyOf(objs[0].Properties)
	if err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "get", key, err)
	}
	return &storage.Document{
		Key:     key,
		Content: json.RawMessage(body),
		Token:   digestToken(body),
	}, nil
}

// Insert creates a document; KindAlreadyExists if the key is taken.
func (b *Backend) Insert(ctx context.Context, key string, content json.RawMessage) error {
	props, err := buildProperties(key, content)
	if err != nil {
		return storage.NewError(storage.KindParseFailure, "insert", key, err)
	}
	_, err = b.client.Data().Creator().
		WithClassName(className).
		WithID(objectID(key)).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		if statusCode(err) == 422 {
			return storage.NewError(storage.KindAlreadyExists, "insert", key, err)
		}
		return classify("insert", key, err)
	}
	return nil
}

// Replace unconditionally overwrites (or creates) a document.
func (b *Backend) Replace(ctx context.Context, key string, content json.RawMessage) error {
	props, err := buildProperties(key, content)
	if err != nil {
		return storage.NewError(storage.KindParseFailure, "replace", key, err)
	}
	err = b.client.Data().Updater().
		WithClassName(className).
		WithID(objectID(key)).
		WithProperties(props).
		Do(ctx)
	if err == nil {
		return nil
	}
	if statusCode(err) == 404 {
		return b.createOnReplace(ctx, key, props)
	}
	return classify("replace", key, err)
}

func (b *Backend) createOnReplace(ctx context.Context, key string, props map[string]any) error {
	_, err := b.client.Data().Creator().
		WithClassName(className).
		WithID(objectID(key)).
		WithProperties(props).
		Do(ctx)
	if err != nil && statusCode(err) != 422 {
		return classify("replace", key, err)
	}
	return nil
}

// ReplaceWithToken is a best-effort CAS: read, compare digests, replace. A
// writer racing between the compare and the replace wins silently; callers see
// NativeCAS == false and must treat this path accordingly.
func (b *Backend) ReplaceWithToken(ctx context.Context, key string, content json.RawMessage, token storage.Token) (storage.Token, error) {
	current, err := b.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if current == nil {
		return "", storage.NewError(storage.KindNotFound, "replace_cas", key, nil)
	}
	if current.Token != token {
		return "", storage.NewError(storage.KindTokenMismatch, "replace_cas", key, nil)
	}
	if err := b.Replace(ctx, key, content); err != nil {
		return "", err
	}
	return digestToken(string(content)), nil
}

// MutateAtomic emulates sub-document mutation with a read-modify-replace
// guarded by the same best-effort digest compare.
func (b *Backend) MutateAtomic(ctx context.Context, key string, ops []storage.SubdocOp, token storage.Token) (storage.Token, error) {
	if err := storage.ValidateOps(ops); err != nil {
		return "", storage.NewError(storage.KindUnknown, "mutate", key, err)
	}
	doc, err := b.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", storage.NewError(storage.KindNotFound, "mutate", key, nil)
	}
	if token != "" && doc.Token != token {
		return "", storage.NewError(storage.KindTokenMismatch, "mutate", key, nil)
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
	if err := b.Replace(ctx, key, raw); err != nil {
		return "", err
	}
	return digestToken(string(raw)), nil
}

// Remove deletes a document; removing an absent key succeeds.
func (b *Backend) Remove(ctx context.Context, key string) error {
	err := b.client.Data().Deleter().
		WithClassName(className).
		WithID(objectID(key)).
		Do(ctx)
	if err != nil && statusCode(err) != 404 {
		return classify("remove", key, err)
	}
	return nil
}

// Query maps the declarative query to a GraphQL where filter and sorts the
// decoded bodies in process.
func (b *Backend) Query(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(), err)
	}
	where, err := whereFilter(q)
	if err != nil {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(), err)
	}
	builder := b.client.GraphQL().Get().
		WithClassName(className).
		WithFields(graphql.Field{Name: "docKey"}, graphql.Field{Name: "body"}).
		WithWhere(where)
	if q.Limit > 0 {
		builder = builder.WithLimit(q.Limit)
	}
	resp, err := builder.Do(ctx)
	if err != nil {
		return nil, classify("query", q.Kind.String(), err)
	}
	if len(resp.Errors) > 0 {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(),
			fmt.Errorf("graphql: %s", resp.Errors[0].Message))
	}
	docs, err := decodeGraphQL(resp)
	if err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "query", q.Kind.String(), err)
	}
	return storage.SortResults(docs, q), nil
}

// Ping probes the readiness endpoint.
func (b *Backend) Ping(ctx context.Context) error {
	ready, err := b.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return classify("ping", "", err)
	}
	if !ready {
		return storage.NewError(storage.KindUnavailable, "ping", "",
			errors.New("weaviate reports not ready"))
	}
	return nil
}

// Disconnect is a no-op; the client holds no persistent connection.
func (b *Backend) Disconnect(_ context.Context) error { return nil }

// === object mapping ===

func objectID(key string) string {
	return uuid.NewSHA1(keyNamespace, []byte(key)).String()
}

// buildProperties mirrors the secondary-index fields out of the body so
// GraphQL filters can see them, and keeps the body verbatim.
func buildProperties(key string, content json.RawMessage) (map[string]any, error) {
	var idx struct {
		DocType      string `json:"docType"`
		ProjectID    string `json:"projectId"`
		SessionID    string `json:"sessionId"`
		PathHash     string `json:"pathHash"`
		ExtensionNum int    `json:"extensionNum"`
	}
	if err := json.Unmarshal(content, &idx); err != nil {
		return nil, fmt.Errorf("document body is not a JSON object: %w", err)
	}
	return map[string]any{
		"docKey":       key,
		"body":         string(content),
		"docType":      idx.DocType,
		"projectId":    idx.ProjectID,
		"sessionId":    idx.SessionID,
		"pathHash":     idx.PathHash,
		"extensionNum": idx.ExtensionNum,
	}, nil
}

func bodyOf(props models.PropertySchema) (string, error) {
	m, ok := props.(map[string]any)
	if !ok {
		return "", fmt.Errorf("unexpected property schema %T", props)
	}
	body, ok := m["body"].(string)
	if !ok {
		return "", errors.New("object has no body property")
	}
	return body, nil
}

func decodeGraphQL(resp *models.GraphQLResponse) ([]storage.Document, error) {
	get, ok := resp.Data["Get"].(map[string]any)
	if !ok {
		return nil, nil
	}
	rows, ok := get[className].([]any)
	if !ok {
		return nil, nil
	}
	docs := make([]storage.Document, 0, len(rows))
	for _, row := range rows {
		m, ok := row.(map[string]any)
		if !ok {
			continue
		}
		key, _ := m["docKey"].(string)
		body, _ := m["body"].(string)
		if key == "" || body == "" {
			continue
		}
		docs = append(docs, storage.Document{
			Key:     key,
			Content: json.RawMessage(body),
			Token:   digestToken(body),
		})
	}
	return docs, nil
}

// whereFilter builds the GraphQL where clause for a query kind.
func whereFilter(q storage.Query) (*filters.WhereBuilder, error) {
	eq := func(field, value string) *filters.WhereBuilder {
		return filters.Where().
			WithPath([]string{field}).
			WithOperator(filters.Equal).
			WithValueText(value)
	}
	switch q.Kind {
	case storage.QuerySessions:
		if q.ProjectID == "" {
			return eq("docType", storage.DocTypeSession), nil
		}
		return filters.Where().WithOperator(filters.And).WithOperands(
			[]*filters.WhereBuilder{
				eq("docType", storage.DocTypeSession),
				eq("projectId", q.ProjectID),
			}), nil
	case storage.QueryExtensionsOfSession:
		return filters.Where().WithOperator(filters.And).WithOperands(
			[]*filters.WhereBuilder{
				eq("docType", storage.DocTypeExtension),
				eq("sessionId", q.SessionID),
			}), nil
	case storage.QueryBackupsByPathHash:
		return filters.Where().WithOperator(filters.And).WithOperands(
			[]*filters.WhereBuilder{
				eq("docType", storage.DocTypeBackup),
				eq("pathHash", q.PathHash),
			}), nil
	case storage.QueryBackupsBySession:
		return filters.Where().WithOperator(filters.And).WithOperands(
			[]*filters.WhereBuilder{
				eq("docType", storage.DocTypeBackup),
				eq("sessionId", q.SessionID),
			}), nil
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}
}

// digestToken derives the degraded consistency token from the body content.
func digestToken(body string) storage.Token {
	sum := md5.Sum([]byte(body))
	return storage.Token(hex.EncodeToString(sum[:]))
}

// === error classification ===

func statusCode(err error) int {
	var cerr *fault.WeaviateClientError
	if errors.As(err, &cerr) {
		return cerr.StatusCode
	}
	return 0
}

func classify(op, key string, err error) error {
	var se *storage.StoreError
	if errors.As(err, &se) {
		return err
	}
	var opErr *net.OpError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return storage.NewError(storage.KindTimeout, op, key, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return storage.NewError(storage.KindTimeout, op, key, err)
	case errors.As(err, &opErr):
		return storage.NewError(storage.KindUnavailable, op, key, err)
	case statusCode(err) == 404:
		return storage.NewError(storage.KindNotFound, op, key, err)
	case statusCode(err) >= 500:
		return storage.NewError(storage.KindUnavailable, op, key, err)
	default:
		return storage.NewError(storage.KindUnknown, op, key, err)
	}
}
