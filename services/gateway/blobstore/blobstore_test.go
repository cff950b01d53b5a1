// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blobstore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseURI covers well-formed and malformed gs:// URIs.
func TestParseURI(t *testing.T) {
	t.Parallel()

	bucket, key, err := ParseURI("gs://my-bucket/tenants/t1/objects/o1")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "tenants/t1/objects/o1", key)

	for _, bad := range []string{"", "s3://bucket/key", "gs://bucket-only", "gs:///no-bucket"} {
		_, _, err := ParseURI(bad)
		assert.Error(t, err, "uri %q should not parse", bad)
	}
}

// TestObjectKey verifies payload placement under the tenant prefix.
func TestObjectKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tenants/t1/objects/o1", ObjectKey("t1", "o1"))
}

// TestMemStore_RoundTrip verifies stored payloads come back intact and
// isolated from later mutation.
func TestMemStore_RoundTrip(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	ctx := context.Background()

	payload := []byte("the full raw content of a large variant")
	uri, err := store.Store(ctx, "tenant-1", "object-1", payload)
	require.NoError(t, err)
	assert.Equal(t, "mem://tenants/tenant-1/objects/object-1", uri)

	payload[0] = 'X' // caller mutation must not reach the store

	got, err := store.Fetch(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []byte("the full raw content of a large variant"), got)
	assert.Equal(t, 1, store.Len())
}

// TestMemStore_FetchMissing verifies unknown URIs map to ErrNotFound.
func TestMemStore_FetchMissing(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	_, err := store.Fetch(context.Background(), "mem://tenants/none/objects/none")
	assert.True(t, errors.Is(err, ErrNotFound))
}
