package pclntab

import "container/list"

// defaultCacheCapacity is the resolver cache size named in spec §4.F
// ("Caching: ... LRU (capacity 4,096)").
const defaultCacheCapacity = 4096

type lruEntry struct {
	pc    uint64
	frame Frame
}

// lru is a process-local, non-concurrent-safe LRU cache keyed by PC (spec
// §4.F: "Cache is process-local, not shared across sessions"). It is only
// ever touched from the single user-space thread driving a session (spec
// §5), so it takes no lock.
type lru struct {
	capacity int
	ll       *list.List
	items    map[uint64]*list.Element

	hits, misses uint64
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[uint64]*list.Element, capacity),
	}
}

// get reports whether pc is already resolved, tallying hits and misses so
// callers can verify resolution idempotence without re-parsing the table.
func (c *lru) get(pc uint64) (Frame, bool) {
	el, ok := c.items[pc]
	if !ok {
		c.misses++
		return Frame{}, false
	}
	c.hits++
	c.ll.MoveToFront(el)
	return el.Value.(*lruEntry).frame, true
}

func (c *lru) put(pc uint64, frame Frame) {
	if el, ok := c.items[pc]; ok {
		el.Value.(*lruEntry).frame = frame
		c.ll.MoveToFront(el)
		return
	}

	el := c.ll.PushFront(&lruEntry{pc: pc, frame: frame})
	c.items[pc] = el

	for c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).pc)
	}
}

func (c *lru) len() int { return c.ll.Len() }
