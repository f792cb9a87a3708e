// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package revision

import (
	"fmt"
	"strings"
)

// ChangeOp classifies one line-level change.
type ChangeOp string

const (
	OpInsert  ChangeOp = "insert"
	OpDelete  ChangeOp = "delete"
	OpReplace ChangeOp = "replace"
)

// Change is one line-level edit. Line numbers are 1-indexed; OldLineNum
// addresses the pre-change content, NewLineNum the post-change content.
type Change struct {
	Op         ChangeOp `json:"op"`
	OldLineNum int      `json:"oldLineNum,omitempty"`
	NewLineNum int      `json:"newLineNum,omitempty"`
	OldText    string   `json:"oldText,omitempty"`
	NewText    string   `json:"newText,omitempty"`
}

// ChangeStats aggregates a change set for display.
type ChangeStats struct {
	Added    int `json:"added"`
	Deleted  int `json:"deleted"`
	Modified int `json:"modified"`
}

// ComputeDiff produces the line-level changes that turn oldContent into
// newContent, plus aggregate counts.
//
// # Description
//
// Greedy two-cursor walk with bounded lookahead, not a true
// longest-common-subsequence diff. On a mismatch it checks whether the
// current old line reappears later in the new remainder and vice versa: if
// neither reappears the lines pair up as a replace; otherwise the side whose
// line reappears sooner decides between insert and delete. The result is not
// guaranteed minimal, but ApplyChanges replays it to reproduce newContent
// exactly, which is what the revision chain depends on.
func ComputeDiff(oldContent, newContent string) ([]Change, ChangeStats) {
	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	var changes []Change
	var stats ChangeStats
	i, j := 0, 0
	for i < len(oldLines) && j < len(newLines) {
		if oldLines[i] == newLines[j] {
			i++
			j++
			continue
		}
		inNew := indexOf(newLines[j+1:], oldLines[i])
		inOld := indexOf(oldLines[i+1:], newLines[j])
		switch {
		case inNew < 0 && inOld < 0:
			changes = append(changes, Change{
				Op:         OpReplace,
				OldLineNum: i + 1,
				NewLineNum: j + 1,
				OldText:    oldLines[i],
				NewText:    newLines[j],
			})
			stats.Modified++
			i++
			j++
		case inNew >= 0 && (inOld < 0 || inNew <= inOld):
			// The old line resurfaces soon: the new line was inserted
			// ahead of it.
			changes = append(changes, Change{
				Op:         OpInsert,
				NewLineNum: j + 1,
				NewText:    newLines[j],
			})
			stats.Added++
			j++
		default:
			changes = append(changes, Change{
				Op:         OpDelete,
				OldLineNum: i + 1,
				OldText:    oldLines[i],
			})
			stats.Deleted++
			i++
		}
	}
	for ; i < len(oldLines); i++ {
		changes = append(changes, Change{
			Op:         OpDelete,
			OldLineNum: i + 1,
			OldText:    oldLines[i],
		})
		stats.Deleted++
	}
	for ; j < len(newLines); j++ {
		changes = append(changes, Change{
			Op:         OpInsert,
			NewLineNum: j + 1,
			NewText:    newLines[j],
		})
		stats.Added++
	}
	return changes, stats
}

// ApplyChanges replays a change set against oldContent and returns the
// resulting content. Changes must come from ComputeDiff against the same
// oldContent and be in their original order.
func ApplyChanges(oldContent string, changes []Change) (string, error) {
	oldLines := splitLines(oldContent)
	var out []string
	oi := 0

	for _, c := range changes {
		switch c.Op {
		case OpInsert:
			// Copy untouched lines until the insertion point.
			for len(out) < c.NewLineNum-1 {
				if oi >= len(oldLines) {
					return "", fmt.Errorf("insert at line %d is beyond the reconstructed content", c.NewLineNum)
				}
				out = append(out, oldLines[oi])
				oi++
			}
			out = append(out, c.NewText)

		case OpDelete:
			for oi < c.OldLineNum-1 {
				if oi >= len(oldLines) {
					return "", fmt.Errorf("delete at line %d is beyond the old content", c.OldLineNum)
				}
				out = append(out, oldLines[oi])
				oi++
			}
			if oi >= len(oldLines) {
				return "", fmt.Errorf("delete at line %d is beyond the old content", c.OldLineNum)
			}
			if oldLines[oi] != c.OldText {
				return "", fmt.Errorf("delete at line %d does not match recorded text", c.OldLineNum)
			}
			oi++

		case OpReplace:
			for oi < c.OldLineNum-1 {
				if oi >= len(oldLines) {
					return "", fmt.Errorf("replace at line %d is beyond the old content", c.OldLineNum)
				}
				out = append(out, oldLines[oi])
				oi++
			}
			if oi >= len(oldLines) {
				return "", fmt.Errorf("replace at line %d is beyond the old content", c.OldLineNum)
			}
			if oldLines[oi] != c.OldText {
				return "", fmt.Errorf("replace at line %d does not match recorded text", c.OldLineNum)
			}
			out = append(out, c.NewText)
			oi++

		default:
			return "", fmt.Errorf("unknown change op %q", c.Op)
		}
	}
	out = append(out, oldLines[oi:]...)
	return joinLines(out), nil
}

// splitLines breaks content into lines. Empty content has no lines, so the
// empty-old (pure insert) and empty-new (pure delete) cases fall out of the
// main walk naturally.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	return strings.Split(content, "\n")
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

func indexOf(lines []string, target string) int {
	for i, line := range lines {
		if line == target {
			return i
		}
	}
	return -1
}
