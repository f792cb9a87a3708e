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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_SurvivesWrapping(t *testing.T) {
	err := NewError(KindTokenMismatch, "replace", "doc-1", errors.New("stale"))
	wrapped := fmt.Errorf("update session: %w", err)

	assert.Equal(t, KindTokenMismatch, KindOf(wrapped))
	assert.True(t, IsTokenMismatch(wrapped))
	assert.False(t, IsNotFound(wrapped))
}

func TestKindOf_UnclassifiedError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestStoreError_Message(t *testing.T) {
	err := NewError(KindNotFound, "get", "sess-42", nil)
	assert.Contains(t, err.Error(), "get")
	assert.Contains(t, err.Error(), "sess-42")

	cause := errors.New("connection refused")
	err = NewError(KindUnavailable, "ping", "", cause)
	assert.ErrorIs(t, err, cause)
}
