package ca

import (
	"container/list"
	"sync"
)

// lru is a small mutex-guarded LRU cache keyed by hostname.
type lru[V any] struct {
	capacity int

	mu sync.Mutex
	l  *list.List
	m  map[string]*list.Element
}

type lruEntry[V any] struct {
	key   string
	value V
}

func newLRU[V any](capacity int) *lru[V] {
	return &lru[V]{
		capacity: capacity,
		l:        list.New(),
		m:        make(map[string]*list.Element),
	}
}

// add inserts or replaces key, evicting the least recently used entry when
// the cache is full.
func (c *lru[V]) add(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.m[key]; ok {
		c.l.MoveToFront(e)
		e.Value.(*lruEntry[V]).value = value
		return
	}

	c.m[key] = c.l.PushFront(&lruEntry[V]{key: key, value: value})
	if c.capacity > 0 && c.l.Len() > c.capacity {
		if e := c.l.Back(); e != nil {
			c.l.Remove(e)
			delete(c.m, e.Value.(*lruEntry[V]).key)
		}
	}
}

func (c *lru[V]) get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.m[key]; ok {
		c.l.MoveToFront(e)
		return e.Value.(*lruEntry[V]).value, true
	}
	var zero V
	return zero, false
}

func (c *lru[V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.l.Len()
}
