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
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// healthCmd probes a running gateway.
//
// # Description
//
// Fetches /health and renders component status. The server's reported
// version is compared against this CLI's version: a major.minor mismatch
// prints a warning because admin semantics (key format, job endpoints)
// may have drifted.
//
// # Examples
//
//	gatewayctl health
//	gatewayctl health --server https://gateway.prod.internal
//	gatewayctl health --json | jq .components
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check gateway and component health",
	Args:  cobra.NoArgs,
	RunE:  runHealth,
}

// healthReport mirrors the gateway's /health body.
type healthReport struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	SchemaVersion int64             `json:"schema_version,omitempty"`
	Components    map[string]string `json:"components"`
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runHealth(cmd *cobra.Command, _ []string) error {
	var report healthReport
	// /health returns 503 with the same body when degraded; surface the
	// body instead of failing on the status code.
	err := callGateway(cmd.Context(), "GET", "/health", nil, &report)
	if err != nil && report.Status == "" {
		return err
	}

	if flagJSONOutput {
		return printJSON(report)
	}

	statusStyle := styleOK
	if report.Status != "ok" {
		statusStyle = styleErr
	}
	fmt.Printf("%s %s\n", render(styleTitle, "Gateway:"), render(statusStyle, report.Status))
	fmt.Printf("  Version: %s (cli %s)\n", report.Version, strings.TrimPrefix(CLIVersion, "v"))
	if report.SchemaVersion > 0 {
		fmt.Printf("  Schema:  %d\n", report.SchemaVersion)
	}

	names := make([]string, 0, len(report.Components))
	for name := range report.Components {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := report.Components[name]
		var style lipgloss.Style
		switch {
		case name == "provider" || name == "embedder":
			// Backend names, not probe results.
			style = styleDim
		case state == "ok":
			style = styleOK
		case state == "skipped":
			style = styleDim
		default:
			style = styleErr
		}
		fmt.Printf("  %-10s %s\n", name+":", render(style, state))
	}

	if warning := versionWarning(report.Version); warning != "" {
		fmt.Println(render(styleWarn, warning))
	}
	if report.Status != "ok" {
		return fmt.Errorf("gateway is degraded")
	}
	return nil
}

// versionWarning compares the server version against CLIVersion and
// returns a warning line on a major.minor mismatch, or "" when compatible.
func versionWarning(serverVersion string) string {
	sv := serverVersion
	if !strings.HasPrefix(sv, "v") {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return fmt.Sprintf("Warning: server reports unparseable version %q", serverVersion)
	}
	if semver.MajorMinor(sv) != semver.MajorMinor(CLIVersion) {
		return fmt.Sprintf("Warning: server is %s but this CLI targets %s; admin commands may not match",
			serverVersion, strings.TrimPrefix(CLIVersion, "v"))
	}
	return ""
}
