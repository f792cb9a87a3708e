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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	sessionsProject string
	sessionsLimit   int

	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		Run:   runSessionsListCommand,
	}
	sessionsShowCmd = &cobra.Command{
		Use:   "show [sessionId]",
		Short: "Show one session's root document",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsShowCommand,
	}
	sessionsHistoryCmd = &cobra.Command{
		Use:   "history [sessionId]",
		Short: "Print the full conversation history across all extensions",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsHistoryCommand,
	}
	sessionsDeleteCmd = &cobra.Command{
		Use:   "delete [sessionId]",
		Short: "Delete a session and every extension chained to it",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsDeleteCommand,
	}
)

func init() {
	sessionsListCmd.Flags().StringVarP(&sessionsProject, "project", "p", "",
		"Only list sessions of this project")
	sessionsListCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 0,
		"Maximum number of sessions to list (0 = all)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsHistoryCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func runSessionsListCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := newAPIClient(serverURL)

	query := url.Values{}
	if sessionsProject != "" {
		query.Set("project", sessionsProject)
	}
	if sessionsLimit > 0 {
		query.Set("limit", fmt.Sprint(sessionsLimit))
	}
	path := "/v1/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp struct {
		Sessions []struct {
			SessionID string `json:"sessionId"`
			ProjectID string `json:"projectId"`
			Title     string `json:"title"`
			PairCount int    `json:"pairCount"`
			Sharded   bool   `json:"sharded"`
			UpdatedAt string `json:"updatedAt"`
		} `json:"sessions"`
	}
	if err := client.get(ctx, path, &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tPROJECT\tTITLE\tPAIRS\tSHARDED\tUPDATED")
	for _, s := range resp.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\t%s\n",
			s.SessionID, s.ProjectID, s.Title, s.PairCount, s.Sharded, s.UpdatedAt)
	}
	w.Flush()
}

func runSessionsShowCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := newAPIClient(serverURL)

	var session map[string]any
	if err := client.get(ctx, "/v1/sessions/"+url.PathEscape(args[0]), &session); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	printJSON(session)
}

func runSessionsHistoryCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	client := newAPIClient(serverURL)

	var resp struct {
		Pairs []struct {
			Request  string `json:"request"`
			Response string `json:"response"`
		} `json:"pairs"`
		PairCount int `json:"pairCount"`
	}
	if err := client.get(ctx, "/v1/sessions/"+url.PathEscape(args[0])+"/history", &resp); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for i, p := range resp.Pairs {
		fmt.Printf(">>> [%d] %s\n", i+1, p.Request)
		fmt.Printf("%s\n\n", p.Response)
	}
	fmt.Printf("(%d pairs)\n", resp.PairCount)
}

func runSessionsDeleteCommand(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	client := newAPIClient(serverURL)

	if err := client.delete(ctx, "/v1/sessions/"+url.PathEscape(args[0]), nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("deleted session %s\n", args[0])
}
