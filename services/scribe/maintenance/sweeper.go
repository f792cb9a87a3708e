// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package maintenance runs the service's background upkeep loops.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/scribevault/pkg/session"
	"github.com/AleutianAI/scribevault/services/scribe/observability"
)

// Sweeper periodically removes orphaned extension documents left behind by
// splits that crashed between insert and link.
//
// # Thread Safety
//
// Run is meant for a single goroutine; Sweep may be called concurrently
// with it (e.g. from the HTTP sweep endpoint) since the underlying
// operations are idempotent.
type Sweeper struct {
	sessions *session.Manager
	interval time.Duration
	limiter  *rate.Limiter
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewSweeper builds a sweeper. sweepsPerSecond paces the per-session work so
// a large keyspace doesn't monopolize the backend; zero means unpaced.
func NewSweeper(sessions *session.Manager, interval time.Duration, sweepsPerSecond float64,
	metrics *observability.Metrics, logger *slog.Logger) *Sweeper {

	if logger == nil {
		logger = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if sweepsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(sweepsPerSecond), 1)
	}
	return &Sweeper{
		sessions: sessions,
		interval: interval,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run sweeps on the configured cadence until the context is canceled. An
// interval of zero disables the loop.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("orphan sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("orphan sweeper started", slog.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("orphan sweeper stopped")
			return
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("sweep pass failed", slog.String("error", err.Error()))
			}
			if removed > 0 {
				s.logger.Info("sweep pass removed orphans", slog.Int("removed", removed))
			}
		}
	}
}

// Sweep runs one pass over every session and returns the number of orphaned
// extensions removed. A failure on one session does not stop the pass; the
// first error is returned after the rest have been attempted.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	summaries, err := s.sessions.ListByProject(ctx, "", 0)
	if err != nil {
		return 0, err
	}

	removed := 0
	var firstErr error
	for _, summary := range summaries {
		if err := s.limiter.Wait(ctx); err != nil {
			return removed, err
		}
		n, err := s.sessions.SweepOrphans(ctx, summary.SessionID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed += n
	}
	if removed > 0 && s.metrics != nil {
		s.metrics.OrphansSweptTotal.Add(float64(removed))
	}
	return removed, firstErr
}
