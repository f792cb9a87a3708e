// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep [sessionId]",
	Short: "Remove orphaned extension documents of a session",
	Long: `Removes extension documents that a crashed split left behind: inserted
but never linked into the session's extension chain. The operation is safe to
run at any time; linked extensions and in-flight splits are never touched.`,
	Args: cobra.ExactArgs(1),
	Run:  runSweepCommand,
}

func runSweepCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	client := newAPIClient(serverURL)

	var resp struct {
		Removed int `json:"removed"`
	}
	path := "/v1/sessions/" + url.PathEscape(args[0]) + "/sweep"
	if err := client.post(ctx, path, nil, &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("removed %d orphaned extension(s)\n", resp.Removed)
}
