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
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/scribevault/pkg/config"
	"github.com/AleutianAI/scribevault/pkg/storage"
	"github.com/AleutianAI/scribevault/pkg/storage/badgerkv"
)

// staticProvider satisfies BackendProvider with a fixed backend.
type staticProvider struct {
	backend storage.Backend
}

func (p *staticProvider) Backend() storage.Backend { return p.backend }

func newTestManager(t *testing.T, cfg config.SessionConfig) *Manager {
	t.Helper()
	b, err := badgerkv.Open(badgerkv.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = b.Disconnect(context.Background())
	})
	if cfg.MaxPayloadBytes == 0 {
		cfg = config.DefaultConfig().Session
	}
	return NewManager(&staticProvider{backend: b}, cfg, nil)
}

func TestCreateGetRoundTrip(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "proj-1", "refactor parser")
	require.NoError(t, err)
	require.NotEmpty(t, s.SessionID)

	got, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, "refactor parser", got.Title)
	assert.Equal(t, storage.DocTypeSession, got.DocType)
	assert.Empty(t, got.Pairs)
}

func TestGet_MissingSession(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})

	_, err := m.Get(context.Background(), "no-such-session")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))
}

func TestAppendAndReadAll_Unsharded(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "proj-1", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		err := m.Append(ctx, s.SessionID, Pair{
			Request:  fmt.Sprintf("req-%d", i),
			Response: fmt.Sprintf("resp-%d", i),
		})
		require.NoError(t, err)
	}

	pairs, err := m.ReadAll(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, pairs, 5)
	for i, p := range pairs {
		assert.Equal(t, fmt.Sprintf("req-%d", i), p.Request)
	}
}

func TestUpdateLastResponse(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "proj-1", "")
	require.NoError(t, err)

	// No pairs yet: not found.
	err = m.UpdateLastResponse(ctx, s.SessionID, "final")
	require.Error(t, err)
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, m.Append(ctx, s.SessionID, Pair{Request: "q", Response: "partial"}))
	require.NoError(t, m.UpdateLastResponse(ctx, s.SessionID, "final"))

	pairs, err := m.ReadAll(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "final", pairs[0].Response)
}

func TestListByProject(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Create(ctx, "proj-a", fmt.Sprintf("session %d", i))
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, "proj-b", "other")
	require.NoError(t, err)

	summaries, err := m.ListByProject(ctx, "proj-a", 0)
	require.NoError(t, err)
	assert.Len(t, summaries, 3)

	all, err := m.ListByProject(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestAddUsage_Accumulates(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "proj-1", "")
	require.NoError(t, err)

	require.NoError(t, m.AddUsage(ctx, s.SessionID, Usage{TokensIn: 100, TokensOut: 50, Cost: 0.25}))
	require.NoError(t, m.AddUsage(ctx, s.SessionID, Usage{TokensIn: 30, TokensOut: 10, Cost: 0.05}))

	got, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(130), got.Usage.TokensIn)
	assert.Equal(t, int64(60), got.Usage.TokensOut)
	assert.InDelta(t, 0.30, got.Usage.Cost, 1e-9)
}

func TestAddUsage_ConcurrentCallersConverge(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{
		MaxPayloadBytes:     8 << 20,
		SplitThresholdRatio: 0.85,
		CASRetries:          10,
	})
	ctx := context.Background()

	s, err := m.Create(ctx, "proj-1", "")
	require.NoError(t, err)

	const writers = 4
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = m.AddUsage(ctx, s.SessionID, Usage{TokensIn: 10})
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, int64(10*writers), got.Usage.TokensIn)
}

func TestAppendEvent_InitializesFieldOnce(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	s, err := m.Create(ctx, "proj-1", "")
	require.NoError(t, err)

	// First event takes the one-shot initialization path.
	require.NoError(t, m.AppendEvent(ctx, s.SessionID, Event{Type: "bug_report", Message: "panic in parser"}))
	// Second event goes through the atomic array append.
	require.NoError(t, m.AppendEvent(ctx, s.SessionID, Event{Type: "cli_exec", Message: "go vet"}))

	got, err := m.Get(ctx, s.SessionID)
	require.NoError(t, err)
	require.Len(t, got.Events, 2)
	assert.Equal(t, "bug_report", got.Events[0].Type)
	assert.Equal(t, "cli_exec", got.Events[1].Type)
}

func TestDelete_Idempotent(t *testing.T) {
	m := newTestManager(t, config.SessionConfig{})
	ctx := context.Background()

	require.NoError(t, m.Delete(ctx, "never-existed"))

	s, err := m.Create(ctx, "proj-1", "")
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, s.SessionID))
	require.NoError(t, m.Delete(ctx, s.SessionID))

	_, err = m.Get(ctx, s.SessionID)
	assert.True(t, storage.IsNotFound(err))
}
