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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	jobsObjectIDs []string // explicit object ids for discovery
	jobsSince     string   // RFC3339 cutoff for discovery
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// jobsCmd triggers background jobs on a running gateway.
//
// # Description
//
// Calls the authenticated /jobs endpoints. Discovery over a single object
// runs inline and prints its summary; larger selections are accepted for
// background processing and print the job id.
//
// # Examples
//
//	gatewayctl jobs discover --object 9a2e...
//	gatewayctl jobs discover --since 2026-08-01T00:00:00Z
//	gatewayctl jobs summarize session-42
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Trigger relationship discovery and session summarization",
}

var jobsDiscoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run relationship discovery over knowledge objects",
	Args:  cobra.NoArgs,
	RunE:  runJobsDiscover,
}

var jobsSummarizeCmd = &cobra.Command{
	Use:   "summarize <session-id>",
	Short: "Summarize and archive a dialogue session",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsSummarize,
}

func init() {
	jobsDiscoverCmd.Flags().StringArrayVar(&jobsObjectIDs, "object", nil, "object id to analyze (repeatable)")
	jobsDiscoverCmd.Flags().StringVar(&jobsSince, "since", "", "analyze objects created since this RFC3339 time")

	jobsCmd.AddCommand(jobsDiscoverCmd)
	jobsCmd.AddCommand(jobsSummarizeCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runJobsDiscover(cmd *cobra.Command, _ []string) error {
	if len(jobsObjectIDs) == 0 && jobsSince == "" {
		return fmt.Errorf("one of --object or --since is required")
	}

	req := datatypes.RelationshipJobRequest{
		ObjectIDs: jobsObjectIDs,
		Since:     jobsSince,
	}
	// The response shape depends on the selection size: a single object
	// returns an inline summary, anything larger a job acceptance.
	var result map[string]any
	if err := callGateway(cmd.Context(), "POST", "/jobs/relationship-discovery", req, &result); err != nil {
		return err
	}

	if flagJSONOutput {
		return printJSON(result)
	}
	if jobID, ok := result["job_id"].(string); ok {
		fmt.Println(render(styleOK, "Discovery job accepted"))
		fmt.Printf("  Job ID:   %s\n", jobID)
		if n, ok := result["enqueued"].(float64); ok {
			fmt.Printf("  Enqueued: %d objects\n", int(n))
		}
		return nil
	}
	fmt.Println(render(styleOK, "Discovery completed"))
	return printJSON(result)
}

func runJobsSummarize(cmd *cobra.Command, args []string) error {
	req := datatypes.SummarizeJobRequest{SessionID: args[0]}
	var result map[string]any
	if err := callGateway(cmd.Context(), "POST", "/jobs/session-summarize", req, &result); err != nil {
		return err
	}

	if flagJSONOutput {
		return printJSON(result)
	}
	fmt.Println(render(styleOK, fmt.Sprintf("Session %s summarized", args[0])))
	return printJSON(result)
}
