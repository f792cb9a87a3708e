// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec compresses and encodes payloads for storage inside JSON
// documents.
//
// File contents ride in documents as gzip-compressed, base64-encoded strings.
// Keeping the encoding in one place means every producer and consumer agrees
// on the format, and size checks (snapshot ceilings) measure the same bytes
// that get stored.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
)

// Compress gzips content and returns the base64 encoding of the result.
func Compress(content []byte) (string, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decompress reverses Compress.
func Decompress(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	defer zr.Close()
	content, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}
	return content, nil
}

// CompressedSize returns the gzip-compressed byte count of content, before
// base64 expansion. Used for snapshot ceiling checks.
func CompressedSize(content []byte) (int, error) {
	var counter countingWriter
	zw := gzip.NewWriter(&counter)
	if _, err := zw.Write(content); err != nil {
		return 0, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("compress: %w", err)
	}
	return counter.n, nil
}

type countingWriter struct {
	n int
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += len(p)
	return len(p), nil
}
