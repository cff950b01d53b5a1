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

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGateway/services/gateway/auth"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	keyName     string // display name for key create
	keyTenantID string // tenant scope for key commands
	keyForce    bool   // skip the revoke confirmation
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// keyCmd groups API key administration.
//
// # Description
//
// Mints, lists, and revokes API keys for a tenant. Only the SHA-256 hash
// of a key is stored; the plaintext is printed exactly once at creation
// and cannot be recovered afterwards.
//
// # Examples
//
//	gatewayctl key create --tenant 4f1c... --name "ci-bot"
//	gatewayctl key list --tenant 4f1c...
//	gatewayctl key revoke 9a2e... --tenant 4f1c...
//	gatewayctl key revoke 9a2e... --tenant 4f1c... --force   # no prompt
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage API keys in the gateway database",
}

var keyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new API key for a tenant",
	Args:  cobra.NoArgs,
	RunE:  runKeyCreate,
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's API keys",
	Args:  cobra.NoArgs,
	RunE:  runKeyList,
}

var keyRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Deactivate an API key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyRevoke,
}

func init() {
	keyCmd.PersistentFlags().StringVar(&keyTenantID, "tenant", "", "tenant id (required)")
	keyCreateCmd.Flags().StringVar(&keyName, "name", "", "display name for the key (required)")
	keyRevokeCmd.Flags().BoolVar(&keyForce, "force", false, "revoke without confirmation")

	keyCmd.AddCommand(keyCreateCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keyRevokeCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func requireTenantFlag() error {
	if keyTenantID == "" {
		return fmt.Errorf("--tenant is required")
	}
	return nil
}

func runKeyCreate(cmd *cobra.Command, _ []string) error {
	if err := requireTenantFlag(); err != nil {
		return err
	}
	if keyName == "" {
		return fmt.Errorf("--name is required")
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	tenant, err := store.Tenants.GetTenant(cmd.Context(), nil, keyTenantID)
	if err != nil {
		return fmt.Errorf("look up tenant: %w", err)
	}
	if tenant == nil {
		return fmt.Errorf("tenant %s does not exist", keyTenantID)
	}

	plaintext, hash, err := auth.GenerateKey()
	if err != nil {
		return err
	}

	key := &datatypes.APIKey{
		ID:        uuid.NewString(),
		KeyHash:   hash,
		TenantID:  tenant.ID,
		Name:      keyName,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.Tenants.CreateAPIKey(cmd.Context(), nil, key); err != nil {
		return fmt.Errorf("store key: %w", err)
	}

	if flagJSONOutput {
		return printJSON(map[string]string{
			"id":        key.ID,
			"tenant_id": key.TenantID,
			"name":      key.Name,
			"key":       plaintext,
		})
	}
	fmt.Println(render(styleTitle, "API key created"))
	fmt.Printf("  ID:     %s\n", key.ID)
	fmt.Printf("  Tenant: %s (%s)\n", tenant.Name, tenant.ID)
	fmt.Printf("  Key:    %s\n", render(styleOK, plaintext))
	fmt.Println(render(styleWarn, "Store this key now. It is shown once and cannot be recovered."))
	return nil
}

func runKeyList(cmd *cobra.Command, _ []string) error {
	if err := requireTenantFlag(); err != nil {
		return err
	}

	store, err := openStore()
	if err != nil {
		return err
	}

	keys, err := store.Tenants.ListAPIKeys(cmd.Context(), nil, keyTenantID)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}

	if flagJSONOutput {
		return printJSON(keys)
	}
	if len(keys) == 0 {
		fmt.Println(render(styleDim, "No keys for this tenant."))
		return nil
	}
	fmt.Println(render(styleTitle, fmt.Sprintf("%-38s %-24s %-8s %-22s %s", "ID", "NAME", "ACTIVE", "CREATED", "LAST USED")))
	for _, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Format(time.RFC3339)
		}
		line := fmt.Sprintf("%-38s %-24s %-8t %-22s %s",
			k.ID, truncate(k.Name, 24), k.Active, k.CreatedAt.Format("2006-01-02 15:04"), lastUsed)
		if !k.Active {
			line = render(styleDim, line)
		}
		fmt.Println(line)
	}
	return nil
}

func runKeyRevoke(cmd *cobra.Command, args []string) error {
	if err := requireTenantFlag(); err != nil {
		return err
	}
	keyID := args[0]

	if !keyForce {
		var confirmed bool
		prompt := huh.NewConfirm().
			Title(fmt.Sprintf("Revoke key %s?", keyID)).
			Description("Clients using this key will start receiving 401 responses immediately.").
			Affirmative("Revoke").
			Negative("Cancel").
			Value(&confirmed)
		if err := prompt.Run(); err != nil {
			return fmt.Errorf("confirmation prompt: %w", err)
		}
		if !confirmed {
			fmt.Println(render(styleDim, "Aborted."))
			return nil
		}
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	if err := store.Tenants.DeactivateAPIKey(cmd.Context(), nil, keyTenantID, keyID); err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}

	if flagJSONOutput {
		return printJSON(map[string]string{"id": keyID, "status": "revoked"})
	}
	fmt.Println(render(styleOK, "Key revoked."))
	return nil
}
