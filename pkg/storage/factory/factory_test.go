// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package factory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribevault/pkg/config"
)

func inMemoryStorage() config.StorageConfig {
	return config.StorageConfig{
		Mode:   config.ModeBadger,
		Badger: config.BadgerConfig{InMemory: true},
	}
}

func TestNewManager_BuildsBackend(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, inMemoryStorage(), nil)
	require.NoError(t, err)
	defer m.Close(ctx)

	b := m.Backend()
	require.NotNil(t, b)
	assert.Equal(t, "badger", b.Kind())
	require.NoError(t, b.Ping(ctx))
}

func TestNewManager_RejectsUnknownMode(t *testing.T) {
	_, err := NewManager(context.Background(), config.StorageConfig{Mode: "dynamo"}, nil)
	require.Error(t, err)
}

func TestReconfigure_UnchangedConfigIsNoOp(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, inMemoryStorage(), nil)
	require.NoError(t, err)
	defer m.Close(ctx)

	before := m.Backend()
	require.NoError(t, m.Reconfigure(ctx, inMemoryStorage()))
	assert.Same(t, before, m.Backend())
}

func TestReconfigure_SwapsOnChange(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, inMemoryStorage(), nil)
	require.NoError(t, err)
	defer m.Close(ctx)

	before := m.Backend()

	next := config.StorageConfig{
		Mode:   config.ModeBadger,
		Badger: config.BadgerConfig{Path: t.TempDir()},
	}
	require.NoError(t, m.Reconfigure(ctx, next))

	after := m.Backend()
	assert.NotSame(t, before, after)
	require.NoError(t, after.Ping(ctx))
}

func TestReconfigure_KeepsOldBackendOnFailure(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, inMemoryStorage(), nil)
	require.NoError(t, err)
	defer m.Close(ctx)

	before := m.Backend()

	err = m.Reconfigure(ctx, config.StorageConfig{Mode: "dynamo"})
	require.Error(t, err)
	assert.Same(t, before, m.Backend())
	require.NoError(t, m.Backend().Ping(ctx))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ctx, inMemoryStorage(), nil)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Nil(t, m.Backend())
}
