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
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ModelRate prices one model per 1000 tokens by direction.
type ModelRate struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// pricingDoc is the on-disk YAML shape.
//
//	models:
//	  gpt-4o-mini:
//	    input_per_1k: 0.00015
//	    output_per_1k: 0.0006
type pricingDoc struct {
	Models map[string]ModelRate `yaml:"models"`
}

// Pricing is the reloadable rate table.
//
// # Description
//
// The table is loaded once at startup and re-read whenever fsnotify
// reports the file written, created, or renamed (editors and config
// mounts typically replace rather than rewrite). Readers take an atomic
// snapshot under RLock; a reload swaps the whole map so a request sees
// either the old table or the new one, never a mix.
//
// Unknown models cost 0 and log one warning per model per reload, so a
// missing rate shows up in logs without flooding them.
type Pricing struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	rates  map[string]ModelRate
	warned map[string]bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadPricing reads the table and starts the reload watcher.
//
// # Description
//
// A missing or unreadable file is not fatal: the gateway boots with an
// empty table (all costs 0) and picks the file up when it appears. A
// present-but-invalid file at startup is an error, because that is a
// deploy mistake worth stopping on.
func LoadPricing(path string, logger *slog.Logger) (*Pricing, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pricing{
		path:   path,
		logger: logger,
		rates:  map[string]ModelRate{},
		warned: map[string]bool{},
		done:   make(chan struct{}),
	}

	if _, err := os.Stat(path); err == nil {
		if err := p.reload(); err != nil {
			return nil, fmt.Errorf("load pricing table: %w", err)
		}
	} else {
		logger.Warn("Pricing table not found, all model costs default to 0", "path", path)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Reload is a convenience, not a correctness requirement.
		logger.Warn("Pricing hot-reload disabled", "error", err)
		return p, nil
	}
	// Watch the directory: replace-by-rename never fires on the file
	// itself once the original inode is gone.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("Pricing hot-reload disabled", "error", err)
		_ = watcher.Close()
		return p, nil
	}
	p.watcher = watcher
	go p.watchLoop()
	return p, nil
}

// Cost prices one request. Unknown models return 0.
func (p *Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	p.mu.RLock()
	rate, ok := p.rates[model]
	p.mu.RUnlock()

	if !ok {
		p.warnOnce(model)
		return 0
	}
	return float64(inputTokens)/1000.0*rate.InputPer1K +
		float64(outputTokens)/1000.0*rate.OutputPer1K
}

// Models returns the currently priced model names, for the CLI report.
func (p *Pricing) Models() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.rates))
	for name := range p.rates {
		names = append(names, name)
	}
	return names
}

// Close stops the watcher.
func (p *Pricing) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *Pricing) warnOnce(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.warned[model] {
		return
	}
	p.warned[model] = true
	p.logger.Warn("No pricing for model, recording cost 0", "model", model, "path", p.path)
}

// reload parses the file and swaps the snapshot.
func (p *Pricing) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", p.path, err)
	}
	var doc pricingDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse %s: %w", p.path, err)
	}
	if doc.Models == nil {
		doc.Models = map[string]ModelRate{}
	}

	p.mu.Lock()
	p.rates = doc.Models
	p.warned = map[string]bool{}
	p.mu.Unlock()

	p.logger.Info("Pricing table loaded", "path", p.path, "models", len(doc.Models))
	return nil
}

func (p *Pricing) watchLoop() {
	for {
		select {
		case <-p.done:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(p.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := p.reload(); err != nil {
				// Keep serving the previous snapshot.
				p.logger.Error("Pricing reload failed, keeping previous table", "error", err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("Pricing watcher error", "error", err)
		}
	}
}
