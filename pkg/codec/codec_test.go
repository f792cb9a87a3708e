// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	content := []byte("package main\n\nfunc main() {\n\tprintln(\"hello\")\n}\n")

	encoded, err := Compress(content)
	require.NoError(t, err)
	assert.NotEmpty(t, encoded)

	decoded, err := Decompress(encoded)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

func TestCompressRoundTrip_Empty(t *testing.T) {
	encoded, err := Compress(nil)
	require.NoError(t, err)

	decoded, err := Decompress(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecompress_RejectsGarbage(t *testing.T) {
	_, err := Decompress("not base64!!!")
	require.Error(t, err)

	// Valid base64, not a gzip stream.
	_, err = Decompress("aGVsbG8=")
	require.Error(t, err)
}

func TestCompressedSize(t *testing.T) {
	// Highly repetitive content compresses far below its raw size.
	content := []byte(strings.Repeat("the same line of text\n", 1000))

	size, err := CompressedSize(content)
	require.NoError(t, err)
	assert.Greater(t, size, 0)
	assert.Less(t, size, len(content)/10)
}
