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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	tenantPlan        string // plan for tenant create
	tenantTokenBudget int    // per-tenant context budget override
	tenantListLimit   int    // page size for tenant list
	tenantListOffset  int    // page offset for tenant list
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// tenantCmd groups tenant administration.
//
// # Description
//
// Creates and lists tenants directly in the gateway database. These are
// operator actions: the gateway itself exposes no tenant management
// endpoints.
//
// # Examples
//
//	gatewayctl tenant create "Acme Corp" --plan SUBSCRIPTION
//	gatewayctl tenant create "Side Project"                  # FREE plan
//	gatewayctl tenant list
//	gatewayctl tenant list --json | jq '.[].tenant_id'
var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenants in the gateway database",
}

var tenantCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a tenant",
	Args:  cobra.ExactArgs(1),
	RunE:  runTenantCreate,
}

var tenantListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants",
	Args:  cobra.NoArgs,
	RunE:  runTenantList,
}

func init() {
	tenantCreateCmd.Flags().StringVar(&tenantPlan, "plan", string(datatypes.PlanFree), "billing plan: FREE, SUBSCRIPTION, or TOKEN_BILLED")
	tenantCreateCmd.Flags().IntVar(&tenantTokenBudget, "token-budget", 0, "per-tenant context token budget override (0 = gateway default)")
	tenantListCmd.Flags().IntVar(&tenantListLimit, "limit", 100, "maximum tenants to return")
	tenantListCmd.Flags().IntVar(&tenantListOffset, "offset", 0, "pagination offset")

	tenantCmd.AddCommand(tenantCreateCmd)
	tenantCmd.AddCommand(tenantListCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func parsePlan(raw string) (datatypes.Plan, error) {
	switch datatypes.Plan(strings.ToUpper(raw)) {
	case datatypes.PlanFree:
		return datatypes.PlanFree, nil
	case datatypes.PlanSubscription:
		return datatypes.PlanSubscription, nil
	case datatypes.PlanTokenBilled:
		return datatypes.PlanTokenBilled, nil
	default:
		return "", fmt.Errorf("unknown plan %q: expected FREE, SUBSCRIPTION, or TOKEN_BILLED", raw)
	}
}

func runTenantCreate(cmd *cobra.Command, args []string) error {
	plan, err := parsePlan(tenantPlan)
	if err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	tenant := &datatypes.Tenant{
		ID:          uuid.NewString(),
		Name:        args[0],
		Plan:        plan,
		Active:      true,
		TokenBudget: tenantTokenBudget,
		CreatedAt:   time.Now().UTC(),
	}
	if err := store.Tenants.CreateTenant(cmd.Context(), nil, tenant); err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}

	if flagJSONOutput {
		return printJSON(tenant)
	}
	fmt.Println(render(styleTitle, "Tenant created"))
	fmt.Printf("  ID:   %s\n", tenant.ID)
	fmt.Printf("  Name: %s\n", tenant.Name)
	fmt.Printf("  Plan: %s\n", tenant.Plan)
	if tenant.TokenBudget > 0 {
		fmt.Printf("  Token budget: %d\n", tenant.TokenBudget)
	}
	return nil
}

func runTenantList(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}

	tenants, err := store.Tenants.ListTenants(cmd.Context(), nil, tenantListLimit, tenantListOffset)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	if flagJSONOutput {
		return printJSON(tenants)
	}
	if len(tenants) == 0 {
		fmt.Println(render(styleDim, "No tenants."))
		return nil
	}
	fmt.Println(render(styleTitle, fmt.Sprintf("%-38s %-24s %-14s %-8s %s", "ID", "NAME", "PLAN", "ACTIVE", "CREATED")))
	for _, t := range tenants {
		line := fmt.Sprintf("%-38s %-24s %-14s %-8t %s",
			t.ID, truncate(t.Name, 24), t.Plan, t.Active, t.CreatedAt.Format(time.RFC3339))
		if !t.Active {
			line = render(styleDim, line)
		}
		fmt.Println(line)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
