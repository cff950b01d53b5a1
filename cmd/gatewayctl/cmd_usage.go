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
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	usageTenantID string        // tenant to report on
	usageWindow   time.Duration // lookback window
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// usageCmd reports a tenant's aggregated usage.
//
// # Description
//
// Aggregates the usage log over a lookback window straight from the
// database: request count, token totals, knowledge tokens injected as
// context, and the estimated cost from the pricing table in effect when
// each request was recorded.
//
// # Examples
//
//	gatewayctl usage --tenant 4f1c...
//	gatewayctl usage --tenant 4f1c... --window 720h   # last 30 days
//	gatewayctl usage --tenant 4f1c... --json
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Report a tenant's usage over a time window",
	Args:  cobra.NoArgs,
	RunE:  runUsage,
}

func init() {
	usageCmd.Flags().StringVar(&usageTenantID, "tenant", "", "tenant id (required)")
	usageCmd.Flags().DurationVar(&usageWindow, "window", 24*time.Hour, "lookback window")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runUsage(cmd *cobra.Command, _ []string) error {
	if usageTenantID == "" {
		return fmt.Errorf("--tenant is required")
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	since := time.Now().UTC().Add(-usageWindow)
	totals, err := store.Usage.AggregateWindow(cmd.Context(), nil, usageTenantID, since)
	if err != nil {
		return fmt.Errorf("aggregate usage: %w", err)
	}

	if flagJSONOutput {
		return printJSON(totals)
	}
	fmt.Println(render(styleTitle, fmt.Sprintf("Usage for %s (last %s)", usageTenantID, usageWindow)))
	fmt.Printf("  Requests:         %d\n", totals.Requests)
	fmt.Printf("  Input tokens:     %d\n", totals.InputTokens)
	fmt.Printf("  Output tokens:    %d\n", totals.OutputTokens)
	fmt.Printf("  Knowledge tokens: %d\n", totals.KnowledgeTokens)
	fmt.Printf("  Estimated cost:   $%.4f\n", totals.Cost)
	return nil
}
