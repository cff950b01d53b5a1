// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedcache is an on-disk cache in front of the embedding
// provider. Entries are keyed by sha256(model, text) and expire after a
// TTL, so re-ingesting the same content never pays for the same
// embedding twice. The cache is strictly best-effort: any cache failure
// degrades to a direct provider call.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

const (
	// DefaultTTL is how long a cached embedding stays valid.
	DefaultTTL = 30 * 24 * time.Hour

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5

	keyPrefix = "embed:"
)

// Config holds configuration for the cache.
type Config struct {
	// Path is the directory for the cache files.
	// Required unless InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// TTL is the entry lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// Logger receives badger's internal logging. If nil, that logging
	// is disabled.
	Logger *slog.Logger
}

// Cache is a TTL'd embedding cache backed by BadgerDB.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open creates the cache directory if needed and opens the database.
//
// # Description
//
// Opens a BadgerDB at cfg.Path (or in memory) and starts a background
// value log GC loop for persistent caches. Callers must Close() the
// cache on shutdown.
//
// # Inputs
//
//	cfg - Cache configuration. Path is required unless InMemory is true.
//
// # Outputs
//
//	*Cache - The opened cache, safe for concurrent use.
//	error - Non-nil if the path is invalid or the database cannot open.
func Open(cfg Config) (*Cache, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent cache")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	// Cache entries are rebuildable, so trade durability for latency.
	opts = opts.WithSyncWrites(false)
	opts = opts.WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		db:     db,
		ttl:    ttl,
		logger: cfg.Logger,
		stopGC: make(chan struct{}),
		doneGC: make(chan struct{}),
	}
	if cfg.InMemory {
		close(c.doneGC)
	} else {
		go c.gcLoop()
	}
	return c, nil
}

// Key derives the cache key for one (model, text) pair. The model is
// part of the key because the same text embeds differently per model.
func Key(model, text string) []byte {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(text))
	sum := h.Sum(nil)

	key := make([]byte, 0, len(keyPrefix)+len(sum))
	key = append(key, keyPrefix...)
	return append(key, sum...)
}

// Get returns the cached vector for (model, text), or nil on a miss.
func (c *Cache) Get(ctx context.Context, model, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var vector []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(Key(model, text))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vector, err = decodeVector(val)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("cache read: %w", err)
	}
	return vector, nil
}

// Put stores a vector for (model, text) with the configured TTL.
func (c *Cache) Put(ctx context.Context, model, text string, vector []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) == 0 {
		return errors.New("refusing to cache an empty vector")
	}

	entry := badger.NewEntry(Key(model, text), encodeVector(vector)).WithTTL(c.ttl)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// Close stops the GC loop and closes the database.
func (c *Cache) Close() error {
	close(c.stopGC)
	<-c.doneGC
	return c.db.Close()
}

func (c *Cache) gcLoop() {
	defer close(c.doneGC)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			err := c.db.RunValueLogGC(gcDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				if c.logger != nil {
					c.logger.Warn("embedding cache GC error", slog.String("error", err.Error()))
				}
			}
		}
	}
}

// encodeVector packs a float32 slice into big-endian bytes.
func encodeVector(vector []float32) []byte {
	buf := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.BigEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks bytes written by encodeVector.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("corrupt cached vector of %d bytes", len(buf))
	}
	vector := make([]float32, len(buf)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.BigEndian.Uint32(buf[i*4:]))
	}
	return vector, nil
}
