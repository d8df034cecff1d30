package store

import (
	"fmt"
	"sync"
	"testing"
)

func TestSessionLockStableAndBounded(t *testing.T) {
	s := NewWithQuerier(nil)

	if s.sessionLock("sess_a") != s.sessionLock("sess_a") {
		t.Error("same session must map to the same lock")
	}

	// The lock table is a fixed shard array; it must not grow with the
	// number of sessions ever seen.
	seen := make(map[*sync.Mutex]struct{})
	for i := 0; i < 10*sessionLockShards; i++ {
		seen[s.sessionLock(fmt.Sprintf("sess_%d", i))] = struct{}{}
	}
	if len(seen) > sessionLockShards {
		t.Errorf("distinct locks = %d, want at most %d", len(seen), sessionLockShards)
	}
}
