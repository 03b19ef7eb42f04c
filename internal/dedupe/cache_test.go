// ABOUTME: Tests for the send dedupe cache
// ABOUTME: Covers lookup/record, TTL expiry, size-bounded eviction, and Close

package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLookup_MissThenHit(t *testing.T) {
	c := New(time.Minute, 10)
	defer c.Close()

	_, ok := c.Lookup("key-1")
	assert.False(t, ok)

	c.Record("key-1", "msg-1")

	id, ok := c.Lookup("key-1")
	assert.True(t, ok)
	assert.Equal(t, "msg-1", id)
}

func TestLookup_ExpiresAfterTTL(t *testing.T) {
	c := New(20*time.Millisecond, 10)
	defer c.Close()

	c.Record("key-1", "msg-1")
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Lookup("key-1")
	assert.False(t, ok)
}

func TestRecord_EvictsOldestAtCapacity(t *testing.T) {
	c := New(time.Minute, 3)
	defer c.Close()

	for i := 1; i <= 3; i++ {
		c.Record(fmt.Sprintf("key-%d", i), fmt.Sprintf("msg-%d", i))
	}
	c.Record("key-4", "msg-4")

	_, ok := c.Lookup("key-1")
	assert.False(t, ok, "oldest entry evicted")
	_, ok = c.Lookup("key-4")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestRecord_RefreshMovesToBack(t *testing.T) {
	c := New(time.Minute, 2)
	defer c.Close()

	c.Record("key-1", "msg-1")
	c.Record("key-2", "msg-2")
	c.Record("key-1", "msg-1") // refresh makes key-2 the oldest
	c.Record("key-3", "msg-3")

	_, ok := c.Lookup("key-1")
	assert.True(t, ok)
	_, ok = c.Lookup("key-2")
	assert.False(t, ok)
}

func TestClose_Idempotent(t *testing.T) {
	c := New(time.Minute, 10)
	c.Close()
	c.Close()
}
