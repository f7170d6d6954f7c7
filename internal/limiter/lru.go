package limiter

import "container/list"

// lruKeys tracks identities in least-recently-used order. It is not safe
// for concurrent use; callers hold the owning shard's lock.
type lruKeys struct {
	max   int
	items map[string]*list.Element
	list  *list.List
}

func newLRUKeys(max int) *lruKeys {
	if max < 1 {
		max = 1
	}
	return &lruKeys{
		max:   max,
		items: make(map[string]*list.Element),
		list:  list.New(),
	}
}

// touch marks a key as most recently used, adding it if absent.
func (lru *lruKeys) touch(key string) {
	if element, ok := lru.items[key]; ok {
		lru.list.MoveToFront(element)
		return
	}
	lru.items[key] = lru.list.PushFront(key)
}

func (lru *lruKeys) len() int {
	return len(lru.items)
}

// evict removes least recently used keys until size <= limit. Keys for
// which pinned returns true are skipped and stay tracked.
func (lru *lruKeys) evict(limit int, pinned func(key string) bool) []string {
	if len(lru.items) <= limit {
		return nil
	}

	count := len(lru.items) - limit
	evicted := make([]string, 0, count)
	for element := lru.list.Back(); element != nil && len(evicted) < count; {
		prev := element.Prev()
		key := element.Value.(string)
		if !pinned(key) {
			evicted = append(evicted, key)
			lru.list.Remove(element)
			delete(lru.items, key)
		}
		element = prev
	}
	return evicted
}
