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
	"hash/fnv"
	"sync"
)

// sessionLockShards is fixed so the lock table never grows with session
// count. Colliding sessions over-serialize, which is harmless.
const sessionLockShards = 256

// SessionLocks serializes DialogueState read-modify-write cycles per
// session. The memory pipeline and the summarization job both mutate the
// same row; without this, an interleaved Get/Save loses one side's
// counters.
type SessionLocks struct {
	shards [sessionLockShards]sync.Mutex
}

// NewSessionLocks returns an empty lock table.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{}
}

// Lock acquires the shard for (tenantID, sessionID) and returns the
// unlock function.
func (l *SessionLocks) Lock(tenantID, sessionID string) func() {
	shard := &l.shards[shardIndex(tenantID, sessionID)]
	shard.Lock()
	return shard.Unlock
}

func shardIndex(tenantID, sessionID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	return h.Sum32() % sessionLockShards
}
