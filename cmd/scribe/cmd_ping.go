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
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the service and its storage backend",
	Long: `Pings the scribevault service and reports the active storage backend
and its capabilities.`,
	Run: runPingCommand,
}

func runPingCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := newAPIClient(serverURL)

	var health struct {
		Status  string `json:"status"`
		Backend string `json:"backend"`
		Error   string `json:"error"`
	}
	if err := client.get(ctx, "/health", &health); err != nil {
		fmt.Fprintf(os.Stderr, "service unreachable: %v\n", err)
		os.Exit(1)
	}

	var caps struct {
		Backend      string `json:"backend"`
		AtomicSubdoc bool   `json:"atomicSubdoc"`
		NativeCAS    bool   `json:"nativeCAS"`
	}
	if err := client.get(ctx, "/capabilities", &caps); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read capabilities: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("status:        %s\n", health.Status)
	fmt.Printf("backend:       %s\n", caps.Backend)
	fmt.Printf("atomic subdoc: %v\n", caps.AtomicSubdoc)
	fmt.Printf("native CAS:    %v\n", caps.NativeCAS)
	if health.Status != "ok" {
		os.Exit(1)
	}
}
