// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blobstore holds oversized variant payloads outside the
// database. A stored payload is addressed by the URI recorded on its
// content variant, so the relational row stays small and the full text
// remains reachable.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrNotFound is returned when a URI resolves to nothing.
var ErrNotFound = errors.New("blob not found")

// BlobStore stores and resolves externalized variant content.
type BlobStore interface {
	// Store writes data and returns the URI to record on the variant.
	Store(ctx context.Context, tenantID, objectID string, data []byte) (string, error)
	// Fetch resolves a URI produced by Store.
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// GCSStore is the Google Cloud Storage implementation.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore connects to GCS.
//
// # Inputs
//
//	bucket - Target bucket name. Required.
//	saKeyPath - Service account key file. Empty means application
//	default credentials.
func NewGCSStore(ctx context.Context, bucket, saKeyPath string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("bucket name is required")
	}

	var client *storage.Client
	var err error
	if saKeyPath != "" {
		if _, statErr := os.Stat(saKeyPath); os.IsNotExist(statErr) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(saKeyPath))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &GCSStore{client: client, bucket: bucket}, nil
}

// Store writes the payload under tenants/<tenant>/objects/<id> and
// returns its gs:// URI.
func (s *GCSStore) Store(ctx context.Context, tenantID, objectID string, data []byte) (string, error) {
	if tenantID == "" || objectID == "" {
		return "", errors.New("tenant id and object id are required")
	}

	key := ObjectKey(tenantID, objectID)
	writer := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "text/plain; charset=utf-8"

	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to copy payload to GCS object %s: %w", key, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", key, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, key), nil
}

// Fetch reads a payload back by its gs:// URI.
func (s *GCSStore) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, key, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uri)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS object %s: %w", uri, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", uri, err)
	}
	return data, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// ObjectKey is the bucket-relative location of one object's payload.
func ObjectKey(tenantID, objectID string) string {
	return path.Join("tenants", tenantID, "objects", objectID)
}

// ParseURI splits a gs://bucket/key URI.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("unsupported blob uri %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed blob uri %q", uri)
	}
	return bucket, key, nil
}
