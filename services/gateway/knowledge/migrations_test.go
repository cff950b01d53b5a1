// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package knowledge

import (
	"strings"
	"testing"
)

// TestMigrations_StrictlyIncreasing guards the append-only contract: the
// list must stay ordered with no duplicate versions or names.
func TestMigrations_StrictlyIncreasing(t *testing.T) {
	t.Parallel()

	if len(migrations) == 0 {
		t.Fatal("no migrations registered")
	}
	seenNames := map[string]bool{}
	var prev int64
	for _, m := range migrations {
		if m.Version <= prev {
			t.Errorf("version %d (%s) does not increase past %d", m.Version, m.Name, prev)
		}
		if m.Name == "" || m.Apply == nil {
			t.Errorf("version %d missing name or apply func", m.Version)
		}
		if seenNames[m.Name] {
			t.Errorf("duplicate migration name %q", m.Name)
		}
		seenNames[m.Name] = true
		prev = m.Version
	}
	if LatestSchemaVersion() != migrations[len(migrations)-1].Version {
		t.Errorf("LatestSchemaVersion = %d, want %d", LatestSchemaVersion(), migrations[len(migrations)-1].Version)
	}
}

func TestCheckLedger(t *testing.T) {
	t.Parallel()

	latest := LatestSchemaVersion()

	tests := []struct {
		name    string
		rows    []SchemaMigration
		wantErr string
	}{
		{
			name: "fresh database",
			rows: nil,
		},
		{
			name: "prefix applied",
			rows: []SchemaMigration{{Version: 1, Name: "base_tables"}},
		},
		{
			name: "fully applied",
			rows: func() []SchemaMigration {
				out := make([]SchemaMigration, 0, len(migrations))
				for _, m := range migrations {
					out = append(out, SchemaMigration{Version: m.Version, Name: m.Name})
				}
				return out
			}(),
		},
		{
			name:    "schema ahead of binary",
			rows:    []SchemaMigration{{Version: latest + 1, Name: "from_the_future"}},
			wantErr: "newer than this binary",
		},
		{
			name: "applied above a gap",
			rows: []SchemaMigration{
				{Version: 1, Name: "base_tables"},
				{Version: latest, Name: "latest"},
			},
			wantErr: "above a gap",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			applied, err := checkLedger(tc.rows)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if len(applied) != len(tc.rows) {
					t.Errorf("applied map has %d entries, want %d", len(applied), len(tc.rows))
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}
