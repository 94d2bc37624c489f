package gossip

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestMarkSeenDeduplicates(t *testing.T) {
	c := newSeenCache(16, time.Minute)
	now := time.Unix(1700000000, 0)
	id := uuid.New()

	assert.False(t, c.MarkSeen(id, now))
	assert.True(t, c.MarkSeen(id, now))
	assert.True(t, c.MarkSeen(id, now.Add(30*time.Second)))
}

func TestMarkSeenExpiresAfterTTL(t *testing.T) {
	c := newSeenCache(16, time.Minute)
	now := time.Unix(1700000000, 0)
	id := uuid.New()

	assert.False(t, c.MarkSeen(id, now))
	assert.False(t, c.MarkSeen(id, now.Add(2*time.Minute)), "expired entries are forgotten")
}

func TestMarkSeenEvictsOldestAtCapacity(t *testing.T) {
	c := newSeenCache(3, time.Hour)
	now := time.Unix(1700000000, 0)

	oldest := uuid.New()
	c.MarkSeen(oldest, now)
	for i := 0; i < 3; i++ {
		c.MarkSeen(uuid.New(), now.Add(time.Duration(i+1)*time.Second))
	}

	assert.Equal(t, 3, c.Len())
	assert.False(t, c.MarkSeen(oldest, now.Add(10*time.Second)), "oldest was evicted")
}
