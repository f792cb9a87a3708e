// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mongo implements the storage.Backend contract on MongoDB's native
// wire protocol.
//
// Documents are stored in an envelope: {_id: key, v: <version>, d: <body>}.
// The version counter is the consistency token; token-guarded writes filter on
// {_id, v} so the compare-and-swap happens server-side. Sub-document mutation
// maps to a single UpdateOne with $set/$push/$unset operators plus an
// incremented version, so both capability flags report native.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/AleutianAI/scribevault/pkg/storage"
)

// Config holds connection settings for a MongoDB backend.
type Config struct {
	// URI is the connection string, e.g. "mongodb://127.0.0.1:27017".
	URI string

	// Database and Collection name where all documents live.
	Database   string
	Collection string

	// Timeout bounds connection establishment. 0 means 10s.
	Timeout time.Duration
}

// Backend is the MongoDB implementation of storage.Backend.
type Backend struct {
	client *mongo.Client
	coll   *mongo.Collection
}

var _ storage.Backend = (*Backend)(nil)

// envelope is the stored document shape.
type envelope struct {
	ID      string   `bson:"_id"`
	Version int64    `bson:"v"`
	Doc     bson.Raw `bson:"d"`
}

// Connect dials the server and returns a ready backend.
func Connect(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.URI == "" {
		return nil, errors.New("uri is required")
	}
	if cfg.Database == "" || cfg.Collection == "" {
		return nil, errors.New("database and collection are required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	return &Backend{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

// Kind identifies this transport.
func (b *Backend) Kind() string { return "mongo" }

// Capabilities: filtered single-document updates give native CAS and native
// sub-document mutation.
func (b *Backend) Capabilities() storage.Capabilities {
	return storage.Capabilities{AtomicSubdoc: true, NativeCAS: true}
}

// Get fetches a document, returning (nil, nil) when the key is absent.
func (b *Backend) Get(ctx context.Context, key string) (*storage.Document, error) {
	var env envelope
	err := b.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&env)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get", key, err)
	}
	content, err := bodyToJSON(env.Doc)
	if err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "get", key, err)
	}
	return &storage.Document{Key: key, Content: content, Token: tokenOf(env.Version)}, nil
}

// Insert creates a document; KindAlreadyExists if the key is taken.
func (b *Backend) Insert(ctx context.Context, key string, content json.RawMessage) error {
	body, err := jsonToBody(content)
	if err != nil {
		return storage.NewError(storage.KindParseFailure, "insert", key, err)
	}
	_, err = b.coll.InsertOne(ctx, bson.M{"_id": key, "v": int64(1), "d": body})
	if mongo.IsDuplicateKeyError(err) {
		return storage.NewError(storage.KindAlreadyExists, "insert", key, err)
	}
	if err != nil {
		return classify("insert", key, err)
	}
	return nil
}

// Replace unconditionally overwrites (or creates) a document, bumping the
// version counter in the same server-side update.
func (b *Backend) Replace(ctx context.Context, key string, content json.RawMessage) error {
	body, err := jsonToBody(content)
	if err != nil {
		return storage.NewError(storage.KindParseFailure, "replace", key, err)
	}
	_, err = b.coll.UpdateOne(ctx,
		bson.M{"_id": key},
		bson.M{"$set": bson.M{"d": body}, "$inc": bson.M{"v": int64(1)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return classify("replace", key, err)
	}
	return nil
}

// ReplaceWithToken overwrites only when the stored version matches token. The
// check rides in the update filter, so it is a true server-side CAS.
func (b *Backend) ReplaceWithToken(ctx context.Context, key string, content json.RawMessage, token storage.Token) (storage.Token, error) {
	version, err := parseToken(token)
	if err != nil {
		return "", storage.NewError(storage.KindTokenMismatch, "replace_cas", key, err)
	}
	body, err := jsonToBody(content)
	if err != nil {
		return "", storage.NewError(storage.KindParseFailure, "replace_cas", key, err)
	}
	res, err := b.coll.ReplaceOne(ctx,
		bson.M{"_id": key, "v": version},
		bson.M{"_id": key, "v": version + 1, "d": body})
	if err != nil {
		return "", classify("replace_cas", key, err)
	}
	if res.MatchedCount == 0 {
		return "", b.casFailure(ctx, "replace_cas", key)
	}
	return tokenOf(version + 1), nil
}

// MutateAtomic maps the mutation set to one UpdateOne. Path preconditions
// (array-exists, field-absent for inserts, field-present for removes) ride in
// the filter, so the whole set is all-or-nothing server-side.
func (b *Backend) MutateAtomic(ctx context.Context, key string, ops []storage.SubdocOp, token storage.Token) (storage.Token, error) {
	if err := storage.ValidateOps(ops); err != nil {
		return "", storage.NewError(storage.KindUnknown, "mutate", key, err)
	}
	filter := bson.M{"_id": key}
	if token != "" {
		version, err := parseToken(token)
		if err != nil {
			return "", storage.NewError(storage.KindTokenMismatch, "mutate", key, err)
		}
		filter["v"] = version
	}
	update, err := buildUpdate(ops, filter)
	if err != nil {
		return "", err
	}

	var env envelope
	err = b.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&env)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", b.mutateFailure(ctx, key, ops, token)
	}
	if err != nil {
		return "", classify("mutate", key, err)
	}
	return tokenOf(env.Version), nil
}

// Remove deletes a document; removing an absent key succeeds.
func (b *Backend) Remove(ctx context.Context, key string) error {
	_, err := b.coll.DeleteOne(ctx, bson.M{"_id": key})
	if err != nil {
		return classify("remove", key, err)
	}
	return nil
}

// Query maps the declarative query to a filtered Find on the envelope body.
func (b *Backend) Query(ctx context.Context, q storage.Query) ([]storage.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(), err)
	}
	filter, err := queryFilter(q)
	if err != nil {
		return nil, storage.NewError(storage.KindUnknown, "query", q.Kind.String(), err)
	}
	cur, err := b.coll.Find(ctx, filter)
	if err != nil {
		return nil, classify("query", q.Kind.String(), err)
	}
	defer cur.Close(ctx)

	var docs []storage.Document
	for cur.Next(ctx) {
		var env envelope
		if err := cur.Decode(&env); err != nil {
			return nil, storage.NewError(storage.KindParseFailure, "query", q.Kind.String(), err)
		}
		content, err := bodyToJSON(env.Doc)
		if err != nil {
			continue
		}
		docs = append(docs, storage.Document{
			Key:     env.ID,
			Content: content,
			Token:   tokenOf(env.Version),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, classify("query", q.Kind.String(), err)
	}
	return storage.SortResults(docs, q), nil
}

// Ping probes the primary.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx, readpref.Primary()); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

// Disconnect closes the client.
func (b *Backend) Disconnect(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

// casFailure disambiguates MatchedCount == 0 on a token-guarded replace.
func (b *Backend) casFailure(ctx context.Context, op, key string) error {
	n, err := b.coll.CountDocuments(ctx, bson.M{"_id": key})
	if err == nil && n == 0 {
		return storage.NewError(storage.KindNotFound, op, key, nil)
	}
	return storage.NewError(storage.KindTokenMismatch, op, key, nil)
}

// mutateFailure disambiguates a no-match on MutateAtomic: missing document,
// stale token, or a failed path precondition, in that order.
func (b *Backend) mutateFailure(ctx context.Context, key string, ops []storage.SubdocOp, token storage.Token) error {
	doc, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if doc == nil {
		return storage.NewError(storage.KindNotFound, "mutate", key, nil)
	}
	if token != "" && doc.Token != token {
		return storage.NewError(storage.KindTokenMismatch, "mutate", key, nil)
	}
	// Token matched (or none given): some path precondition failed. Replay
	// the set in memory to find which and report its kind.
	var body map[string]any
	if err := json.Unmarshal(doc.Content, &body); err != nil {
		return storage.NewError(storage.KindParseFailure, "mutate", key, err)
	}
	if err := storage.ApplySubdocOps(body, ops); err != nil {
		return err
	}
	// The in-memory replay succeeded: the document moved between the update
	// and this read. Report the lost race.
	return storage.NewError(storage.KindTokenMismatch, "mutate", key, nil)
}

// === update and filter construction ===

// buildUpdate translates a mutation set into a single update document and
// extends filter with the set's path preconditions.
func buildUpdate(ops []storage.SubdocOp, filter bson.M) (bson.M, error) {
	set := bson.M{}
	unset := bson.M{}
	push := bson.M{}
	for _, op := range ops {
		path := "d." + op.Path
		switch op.Type {
		case storage.OpUpsert:
			val, err := bsonValue(op)
			if err != nil {
				return nil, err
			}
			set[path] = val
		case storage.OpInsert:
			val, err := bsonValue(op)
			if err != nil {
				return nil, err
			}
			set[path] = val
			filter[path] = bson.M{"$exists": false}
		case storage.OpArrayAppend:
			val, err := bsonValue(op)
			if err != nil {
				return nil, err
			}
			push[path] = bson.M{"$each": bson.A{val}}
			filter[path] = bson.M{"$type": "array"}
		case storage.OpArrayPrepend:
			val, err := bsonValue(op)
			if err != nil {
				return nil, err
			}
			push[path] = bson.M{"$each": bson.A{val}, "$position": 0}
			filter[path] = bson.M{"$type": "array"}
		case storage.OpRemove:
			unset[path] = ""
			filter[path] = bson.M{"$exists": true}
		default:
			return nil, storage.NewError(storage.KindUnknown, "mutate", op.Path,
				fmt.Errorf("unsupported subdoc op %d", op.Type))
		}
	}
	update := bson.M{"$inc": bson.M{"v": int64(1)}}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(push) > 0 {
		update["$push"] = push
	}
	return update, nil
}

// queryFilter builds the Find filter for a query kind.
func queryFilter(q storage.Query) (bson.M, error) {
	switch q.Kind {
	case storage.QuerySessions:
		filter := bson.M{"d.docType": storage.DocTypeSession}
		if q.ProjectID != "" {
			filter["d.projectId"] = q.ProjectID
		}
		return filter, nil
	case storage.QueryExtensionsOfSession:
		return bson.M{"d.docType": storage.DocTypeExtension, "d.sessionId": q.SessionID}, nil
	case storage.QueryBackupsByPathHash:
		return bson.M{"d.docType": storage.DocTypeBackup, "d.pathHash": q.PathHash}, nil
	case storage.QueryBackupsBySession:
		return bson.M{"d.docType": storage.DocTypeBackup, "d.sessionId": q.SessionID}, nil
	default:
		return nil, fmt.Errorf("unsupported query kind %d", q.Kind)
	}
}

// === JSON <-> BSON conversion ===

// jsonToBody parses an opaque JSON body into a BSON document so field paths
// stay addressable by native operators.
func jsonToBody(content json.RawMessage) (bson.D, error) {
	var body bson.D
	if err := bson.UnmarshalExtJSON(content, false, &body); err != nil {
		return nil, fmt.Errorf("document body is not a JSON object: %w", err)
	}
	return body, nil
}

// bodyToJSON renders the stored BSON body back to relaxed JSON.
func bodyToJSON(raw bson.Raw) (json.RawMessage, error) {
	out, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// bsonValue decodes a subdoc op value into a BSON-native value.
func bsonValue(op storage.SubdocOp) (any, error) {
	if len(op.Value) == 0 {
		return nil, storage.NewError(storage.KindUnknown, "mutate", op.Path,
			fmt.Errorf("op %s has no value", op.Type))
	}
	wrapper := append(append([]byte(`{"v":`), op.Value...), '}')
	var m bson.M
	if err := bson.UnmarshalExtJSON(wrapper, false, &m); err != nil {
		return nil, storage.NewError(storage.KindParseFailure, "mutate", op.Path, err)
	}
	return m["v"], nil
}

func tokenOf(version int64) storage.Token {
	return storage.Token(strconv.FormatInt(version, 10))
}

func parseToken(token storage.Token) (int64, error) {
	return strconv.ParseInt(string(token), 10, 64)
}

// classify maps driver and context errors into the taxonomy.
func classify(op, key string, err error) error {
	var se *storage.StoreError
	if errors.As(err, &se) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		mongo.IsTimeout(err):
		return storage.NewError(storage.KindTimeout, op, key, err)
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected):
		return storage.NewError(storage.KindUnavailable, op, key, err)
	default:
		return storage.NewError(storage.KindUnknown, op, key, err)
	}
}
