package validation

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"

	"github.com/modelexchange/mxf/pkg/models"
)

// stripeCount spreads lock contention across independent LRU shards.
const stripeCount = 16

// verdictLRU is the L1 in-memory verdict cache: bounded, TTL'd, with
// striped locking.
type verdictLRU struct {
	stripes [stripeCount]*lruStripe
}

type lruStripe struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	order    *list.List
	entries  map[string]*list.Element
}

type lruEntry struct {
	key     string
	verdict models.Verdict
	expires time.Time
}

func newVerdictLRU(maxEntries int, ttl time.Duration) *verdictLRU {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	perStripe := maxEntries / stripeCount
	if perStripe < 1 {
		perStripe = 1
	}
	cache := &verdictLRU{}
	for i := range cache.stripes {
		cache.stripes[i] = &lruStripe{
			capacity: perStripe,
			ttl:      ttl,
			order:    list.New(),
			entries:  make(map[string]*list.Element),
		}
	}
	return cache
}

func (c *verdictLRU) stripe(key string) *lruStripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.stripes[h.Sum32()%stripeCount]
}

func (c *verdictLRU) get(key string) (*models.Verdict, bool) {
	s := c.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	if time.Now().After(entry.expires) {
		s.order.Remove(el)
		delete(s.entries, key)
		return nil, false
	}
	s.order.MoveToFront(el)
	clone := entry.verdict
	return &clone, true
}

func (c *verdictLRU) put(key string, verdict *models.Verdict) {
	s := c.stripe(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*lruEntry)
		entry.verdict = *verdict
		entry.expires = time.Now().Add(s.ttl)
		s.order.MoveToFront(el)
		return
	}
	for s.order.Len() >= s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*lruEntry).key)
	}
	el := s.order.PushFront(&lruEntry{
		key:     key,
		verdict: *verdict,
		expires: time.Now().Add(s.ttl),
	})
	s.entries[key] = el
}

func (c *verdictLRU) len() int {
	n := 0
	for _, s := range c.stripes {
		s.mu.Lock()
		n += s.order.Len()
		s.mu.Unlock()
	}
	return n
}
