// Package recent caches extracted transcripts briefly. Transcript
// extraction walks a chat's full history, so repeated requests within a
// few seconds should not hit the archive twice. Any change tick clears
// the whole cache rather than guessing which chats were touched.
package recent

import (
	"sync"
	"time"

	"github.com/Napageneral/pulse/imessage"
)

// DefaultTTL is how long a cached transcript stays fresh.
const DefaultTTL = 30 * time.Second

type entry struct {
	messages []imessage.ExtractedMessage
	storedAt time.Time
}

// Cache is a TTL cache of extracted transcripts keyed by chat id.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]entry
	now     func() time.Time
}

// New creates a cache. ttl <= 0 picks DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[int64]entry),
		now:     time.Now,
	}
}

// Get returns the cached transcript for a chat, or false if absent or
// expired.
func (c *Cache) Get(chatID int64) ([]imessage.ExtractedMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID]
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.storedAt) > c.ttl {
		delete(c.entries, chatID)
		return nil, false
	}
	return e.messages, true
}

// Put stores a transcript for a chat.
func (c *Cache) Put(chatID int64, messages []imessage.ExtractedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[chatID] = entry{messages: messages, storedAt: c.now()}
}

// Clear drops every entry. Called whenever the archive changes.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64]entry)
}
