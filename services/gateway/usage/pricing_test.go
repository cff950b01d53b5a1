// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package usage

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testTable = `models:
  gpt-4o-mini:
    input_per_1k: 0.00015
    output_per_1k: 0.0006
  gpt-4o:
    input_per_1k: 0.0025
    output_per_1k: 0.01
`

func writeTable(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "pricing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestCost_KnownModel(t *testing.T) {
	path := writeTable(t, t.TempDir(), testTable)
	p, err := LoadPricing(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	// 1000 in + 2000 out on gpt-4o-mini.
	got := p.Cost("gpt-4o-mini", 1000, 2000)
	assert.InDelta(t, 0.00015+2*0.0006, got, 1e-9)
}

func TestCost_UnknownModelIsZero(t *testing.T) {
	path := writeTable(t, t.TempDir(), testTable)
	p, err := LoadPricing(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	assert.Zero(t, p.Cost("nonexistent-model", 5000, 5000))
}

func TestLoadPricing_MissingFileBootsEmpty(t *testing.T) {
	p, err := LoadPricing(filepath.Join(t.TempDir(), "absent.yaml"), quietLogger())
	require.NoError(t, err, "a missing table must not stop the boot")
	defer p.Close()

	assert.Empty(t, p.Models())
	assert.Zero(t, p.Cost("gpt-4o", 1000, 1000))
}

func TestLoadPricing_InvalidFileIsFatal(t *testing.T) {
	path := writeTable(t, t.TempDir(), "models: [not, a, map]")
	_, err := LoadPricing(path, quietLogger())
	assert.Error(t, err, "a present-but-broken table is a deploy mistake")
}

func TestReload_PicksUpRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, testTable)
	p, err := LoadPricing(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	updated := `models:
  gpt-4o-mini:
    input_per_1k: 1.0
    output_per_1k: 1.0
`
	// Replace-by-rename, the way config mounts and editors update files.
	tmp := filepath.Join(dir, "pricing.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(updated), 0o644))
	require.NoError(t, os.Rename(tmp, path))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Cost("gpt-4o-mini", 1000, 0) == 1.0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("reload did not pick up the new table; cost = %v", p.Cost("gpt-4o-mini", 1000, 0))
}

func TestReload_BadRewriteKeepsLastGoodTable(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, testTable)
	p, err := LoadPricing(path, quietLogger())
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, os.WriteFile(path, []byte("{{{ not yaml"), 0o644))

	// The watcher may take a moment to see the write; either way the
	// old rates must keep answering.
	time.Sleep(300 * time.Millisecond)
	assert.InDelta(t, 0.00015, p.Cost("gpt-4o-mini", 1000, 0), 1e-9)
}
