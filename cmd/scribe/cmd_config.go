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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/scribevault/pkg/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Manage the service configuration file",
	}
	configInitCmd = &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Long: `Writes the default scribevault configuration (embedded badger storage,
8 MiB payload ceiling) to the given path, or ./scribevault.yaml when omitted.
Refuses to overwrite an existing file.`,
		Args: cobra.MaximumNArgs(1),
		Run:  runConfigInitCommand,
	}
)

func init() {
	configCmd.AddCommand(configInitCmd)
}

func runConfigInitCommand(cmd *cobra.Command, args []string) {
	path := "scribevault.yaml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "%s already exists, not overwriting\n", path)
		os.Exit(1)
	}
	if err := config.WriteDefault(path); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("wrote default configuration to %s\n", path)
}
