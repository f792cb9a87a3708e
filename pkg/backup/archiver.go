// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backup

import (
	"context"
	"fmt"
	"log/slog"
	"path"

	gcs "cloud.google.com/go/storage"

	"github.com/AleutianAI/scribevault/pkg/config"
)

// GCSArchiver mirrors backup documents to a Google Cloud Storage bucket.
// Objects are immutable once written: the content-addressed naming means a
// re-upload of an existing object carries identical bytes.
type GCSArchiver struct {
	client *gcs.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// NewGCSArchiver opens a GCS client against the configured bucket. Credentials
// come from the environment (application default credentials).
func NewGCSArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*GCSArchiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("open gcs client: %w", err)
	}
	return &GCSArchiver{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		logger: logger,
	}, nil
}

// Put uploads one backup document under the configured prefix.
func (a *GCSArchiver) Put(ctx context.Context, objectName string, data []byte) error {
	name := objectName
	if a.prefix != "" {
		name = path.Join(a.prefix, objectName)
	}
	w := a.client.Bucket(a.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("write gcs object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize gcs object %s: %w", name, err)
	}
	a.logger.Debug("archived backup object",
		slog.String("bucket", a.bucket),
		slog.String("object", name))
	return nil
}

// Close releases the underlying client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
