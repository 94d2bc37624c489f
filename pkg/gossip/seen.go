package gossip

import (
	"container/list"
	"time"

	"github.com/google/uuid"
)

// seenCache is the flood-dedup set: message IDs already delivered. Bounded
// by capacity (oldest-first eviction) and TTL so memory stays constant
// under continuous churn.
type seenCache struct {
	cap   int
	ttl   time.Duration
	ids   map[uuid.UUID]*list.Element
	order *list.List
}

type seenEntry struct {
	id        uuid.UUID
	expiresAt time.Time
}

func newSeenCache(capacity int, ttl time.Duration) *seenCache {
	return &seenCache{
		cap:   capacity,
		ttl:   ttl,
		ids:   make(map[uuid.UUID]*list.Element),
		order: list.New(),
	}
}

// MarkSeen records id and reports whether it had been seen already.
func (c *seenCache) MarkSeen(id uuid.UUID, now time.Time) bool {
	c.prune(now)

	if _, ok := c.ids[id]; ok {
		return true
	}

	if len(c.ids) >= c.cap {
		c.evictOldest()
	}
	c.ids[id] = c.order.PushFront(&seenEntry{id: id, expiresAt: now.Add(c.ttl)})
	return false
}

func (c *seenCache) Len() int {
	return len(c.ids)
}

func (c *seenCache) prune(now time.Time) {
	for el := c.order.Back(); el != nil; el = c.order.Back() {
		ent := el.Value.(*seenEntry)
		if ent.expiresAt.After(now) {
			return
		}
		c.order.Remove(el)
		delete(c.ids, ent.id)
	}
}

func (c *seenCache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	ent := el.Value.(*seenEntry)
	c.order.Remove(el)
	delete(c.ids, ent.id)
}
