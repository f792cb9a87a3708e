// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file on change and hands the validated
// result to a callback.
//
// # Description
//
// Editors and config-management tools rewrite files with remove+rename
// sequences, so the watcher watches the file's directory and re-adds the path
// as needed. Writes are debounced; a reload that fails validation is logged
// and dropped, keeping the last good config in effect.
//
// # Thread Safety
//
// Safe for concurrent use. Start should only be called once.
type Watcher struct {
	path     string
	onChange func(Config)
	watcher  *fsnotify.Watcher
	logger   *slog.Logger
}

// debounceWindow coalesces the event bursts a single file save produces.
const debounceWindow = 250 * time.Millisecond

// NewWatcher creates a watcher for the config file at path. onChange receives
// each successfully loaded configuration.
func NewWatcher(path string, logger *slog.Logger, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     path,
		onChange: onChange,
		watcher:  fw,
		logger:   logger,
	}, nil
}

// Start begins watching. Blocks until ctx is cancelled; run in a goroutine.
func (w *Watcher) Start(ctx context.Context) {
	defer w.watcher.Close()

	if err := w.watcher.Add(w.path); err != nil {
		w.logger.Warn("failed to watch config file",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Debug("watching config file", slog.String("path", w.path))

	var timer *time.Timer
	pending := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				// Atomic-save editors replace the inode; re-add.
				_ = w.watcher.Remove(w.path)
				_ = w.watcher.Add(w.path)
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWindow, func() {
				select {
				case pending <- struct{}{}:
				default:
				}
			})
		case <-pending:
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected, keeping previous config",
			slog.String("path", w.path),
			slog.String("error", err.Error()))
		return
	}
	w.logger.Info("config reloaded", slog.String("path", w.path))
	w.onChange(cfg)
}
