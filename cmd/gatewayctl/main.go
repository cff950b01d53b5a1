// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// gatewayctl is the operator CLI for the gateway: tenant and key
// administration against the knowledge database, job triggers and health
// checks against a running gateway, and a plain streaming chat client.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// CLIVersion is compared against the server's reported version by the
// health command.
const CLIVersion = "v1.0.0"

// =============================================================================
// Global Flags
// =============================================================================

var (
	flagServerURL   string // gateway base URL for HTTP commands
	flagAPIKey      string // bearer key for HTTP commands
	flagDatabaseURL string // Postgres DSN for admin commands
	flagJSONOutput  bool   // machine-readable output
)

// =============================================================================
// Styles
// =============================================================================

var (
	styleTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#20B9B4"))
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("#2CD7C7"))
	styleWarn  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B"))
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("#E06C75"))
	styleDim   = lipgloss.NewStyle().Faint(true)
)

// colorize reports whether styled output should be used. Piped output
// and NO_COLOR both disable it so scripts get plain text.
func colorize() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func render(style lipgloss.Style, s string) string {
	if !colorize() {
		return s
	}
	return style.Render(s)
}

// =============================================================================
// Root Command
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "gatewayctl",
	Short: "Operator CLI for the Aleutian gateway",
	Long: `gatewayctl administers a gateway deployment.

Tenant and key commands talk directly to the knowledge database
(--database-url or DATABASE_URL). Job, health, usage, and chat commands
talk to a running gateway (--server or GATEWAY_URL, --key or GATEWAY_KEY).`,
	SilenceUsage: true,
}

func main() {
	// The CLI reports errors through cobra; keep slog quiet unless asked.
	if os.Getenv("GATEWAYCTL_DEBUG") == "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, render(styleErr, "Error: ")+err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server", envOr("GATEWAY_URL", "http://localhost:12300"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "key", os.Getenv("GATEWAY_KEY"), "API key for authenticated endpoints")
	rootCmd.PersistentFlags().StringVar(&flagDatabaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres DSN for admin commands")
	rootCmd.PersistentFlags().BoolVar(&flagJSONOutput, "json", false, "emit JSON instead of styled text")

	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(usageCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
