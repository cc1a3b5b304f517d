// Copyright 2025 The AnyRouter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package probe

import (
	"sync"
	"time"
)

type cacheEntry struct {
	key    string
	ips    []string
	expire time.Time
}

// lruCache is a very simple bounded cache for resolved IP sets. It ignores
// DNS TTLs and does not dedup duplicate in-flight lookups.
type lruCache struct {
	mux     sync.Mutex
	ttl     time.Duration
	entries []cacheEntry
}

func newLRUCache(numEntries int, ttl time.Duration) *lruCache {
	return &lruCache{ttl: ttl, entries: make([]cacheEntry, 0, numEntries)}
}

func (c *lruCache) removeExpired() {
	now := time.Now()
	last := 0
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, entry := range c.entries {
		if entry.expire.After(now) {
			c.entries[last] = entry
			last++
		}
	}
	c.entries = c.entries[:last]
}

// Lookup returns the cached IPs for key and moves the entry to the front.
func (c *lruCache) Lookup(key string) ([]string, bool) {
	c.removeExpired()
	c.mux.Lock()
	defer c.mux.Unlock()
	for i, entry := range c.entries {
		if entry.key == key {
			copy(c.entries[1:i+1], c.entries[:i])
			c.entries[0] = entry
			return entry.ips, true
		}
	}
	return nil, false
}

// Remove drops key if present.
func (c *lruCache) Remove(key string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for i, entry := range c.entries {
		if entry.key == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// Add inserts key at the front, evicting the least recently used entry when
// the cache is full.
func (c *lruCache) Add(key string, ips []string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	newSize := len(c.entries) + 1
	if newSize > cap(c.entries) {
		newSize = cap(c.entries)
	}
	c.entries = c.entries[:newSize]
	copy(c.entries[1:], c.entries[:newSize-1])
	c.entries[0] = cacheEntry{key: key, ips: ips, expire: time.Now().Add(c.ttl)}
}
