package store

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Dedup is a TTL-bound LRU of relayed message digests.
type Dedup struct {
	mu    sync.Mutex
	cap   int
	ttl   time.Duration
	now   func() time.Time
	ll    *list.List               // most-recent at front
	items map[uint64]*list.Element // digest -> element
}

type entry struct {
	key uint64
	exp time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dedup{cap: maxKeys, ttl: ttl, now: time.Now, ll: list.New(), items: make(map[uint64]*list.Element, maxKeys)}
}

// Digest returns the key for a serialized message.
func Digest(b []byte) uint64 { return xxhash.Sum64(b) }

func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ll.Len()
}

// Seen reports whether key was marked and has not expired.
func (d *Dedup) Seen(key uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if el, ok := d.items[key]; ok {
		en := el.Value.(entry)
		if d.now().Before(en.exp) {
			d.ll.MoveToFront(el)
			return true
		}
		d.ll.Remove(el)
		delete(d.items, key)
	}
	return false
}

// Mark records key, refreshing its expiry if already present.
func (d *Dedup) Mark(key uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if el, ok := d.items[key]; ok {
		en := el.Value.(entry)
		en.exp = now.Add(d.ttl)
		el.Value = en
		d.ll.MoveToFront(el)
		return
	}
	d.items[key] = d.ll.PushFront(entry{key: key, exp: now.Add(d.ttl)})
	d.evict(now)
}

// evict trims the tail while over capacity or expired.
func (d *Dedup) evict(now time.Time) {
	for t := d.ll.Back(); t != nil; t = d.ll.Back() {
		en := t.Value.(entry)
		if d.ll.Len() <= d.cap && now.Before(en.exp) {
			return
		}
		d.ll.Remove(t)
		delete(d.items, en.key)
	}
}
