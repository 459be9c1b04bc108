package storage

import (
	"container/list"
	"sync"

	"github.com/credfold/relay/wire"
)

// credentialCache keeps recently opened rows decoded in memory, keyed
// by credential identity, so repeated retrieve and hint listings do
// not re-open and re-decode every sealed row. Least recently used
// entries are evicted once the cache is full.
type credentialCache struct {
	capacity int

	mu      sync.Mutex
	recency *list.List // front is most recently used
	byKey   map[wire.Key]*list.Element
}

type cachedRow struct {
	key  wire.Key
	cred wire.Credential
}

func newCredentialCache(capacity int) *credentialCache {
	return &credentialCache{
		capacity: capacity,
		recency:  list.New(),
		byKey:    make(map[wire.Key]*list.Element),
	}
}

// Lookup returns the decoded credential for key, refreshing its
// recency on a hit.
func (c *credentialCache) Lookup(key wire.Key) (wire.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.byKey[key]
	if !ok {
		return wire.Credential{}, false
	}
	c.recency.MoveToFront(elem)
	return elem.Value.(*cachedRow).cred, true
}

// Store records a decoded credential under its identity, replacing any
// cached version and evicting the least recently used entry when full.
func (c *credentialCache) Store(cred wire.Credential) {
	key := cred.IdentityKey()
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		elem.Value.(*cachedRow).cred = cred
		c.recency.MoveToFront(elem)
		return
	}

	if len(c.byKey) >= c.capacity {
		oldest := c.recency.Back()
		if oldest != nil {
			c.recency.Remove(oldest)
			delete(c.byKey, oldest.Value.(*cachedRow).key)
		}
	}
	c.byKey[key] = c.recency.PushFront(&cachedRow{key: key, cred: cred})
}

// Drop removes the entry for key, if cached.
func (c *credentialCache) Drop(key wire.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.byKey[key]; ok {
		c.recency.Remove(elem)
		delete(c.byKey, key)
	}
}

// Reset empties the cache.
func (c *credentialCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recency.Init()
	c.byKey = make(map[wire.Key]*list.Element)
}
