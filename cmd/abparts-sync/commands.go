// Copyright 2026 ABParts Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pfthomaz/abparts-sub001/offcache"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending and needs-attention counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pending, err := env.client.PendingCount(ctx, env.scope)
		if err != nil {
			return err
		}
		attention, err := env.client.NeedsAttentionCount(ctx, env.scope)
		if err != nil {
			return err
		}
		fmt.Printf("user:            %s\n", env.identity.UserID)
		fmt.Printf("tenant:          %s\n", env.identity.TenantID)
		fmt.Printf("pending sync:    %d\n", pending)
		fmt.Printf("needs attention: %d\n", attention)
		return nil
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync cycle now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		// The CLI is invoked by an operator who knows the link is up.
		env.client.SignalConnectivity(true)

		res, err := env.client.ForceSyncNow(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("total: %d  succeeded: %d  failed: %d  rejected: %d\n",
			res.Total, res.Succeeded, res.Failed, res.Rejected)
		for _, e := range res.Errors {
			kind := "transient"
			if e.Rejected {
				kind = "rejected"
			}
			fmt.Printf("  [%s] %s %s: %s\n", kind, e.EntityType, e.TargetRef, e.Message)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List queued mutations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := env.client.Queue().ListEntries(cmd.Context(), env.scope,
			offcache.StatusPending, offcache.StatusInFlight, offcache.StatusFailed,
			offcache.StatusAbandoned, offcache.StatusBlocked)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("queue is empty")
			return nil
		}
		for _, e := range entries {
			line := fmt.Sprintf("%s  %-10s %-6s %-22s attempts=%d prio=%d",
				e.QueueID, e.Status, e.Operation, e.EntityType, e.Attempts, e.Priority)
			if e.Rejected {
				line += "  REJECTED"
			}
			if e.LastError != "" {
				line += "  " + e.LastError
			}
			fmt.Println(line)
		}
		return nil
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <queue-id>",
	Short: "Reset an abandoned or blocked entry for another round of attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := env.client.Queue().Retry(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("entry reset to pending")
		return nil
	},
}

var discardCmd = &cobra.Command{
	Use:   "discard <queue-id>",
	Short: "Drop an entry and its optimistic local record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := env.client.Queue().Discard(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("entry discarded")
		return nil
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Wipe all cached data and queued mutations (logout / tenant switch)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := env.client.ClearAll(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("cache cleared")
		return nil
	},
}
