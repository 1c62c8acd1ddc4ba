// Package contactcache persists handle-to-name mappings in a small
// SQLite database and resolves unknown handles in the background. The
// read path (cached lookups and name search) is synchronous; actual
// directory lookups are slow and run on a single paced worker.
package contactcache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Napageneral/pulse/imessage"
	"github.com/Napageneral/pulse/internal/ratelimit"
)

// LookupFunc asks the platform address book for the display name of a
// handle. Returning ("", nil) means "looked up, no match"; that result
// is cached too so the handle is not retried on every page load.
type LookupFunc func(ctx context.Context, handle string) (string, error)

// Cache implements imessage.ContactResolver over a SQLite store.
type Cache struct {
	db     *sql.DB
	log    *zap.Logger
	lookup LookupFunc
	bucket *ratelimit.LeakyBucket

	queue chan string

	mu       sync.Mutex
	enqueued map[string]struct{}

	// onChange fires when a lookup lands a new name, throttled so a
	// burst of resolutions produces one UI refresh, not dozens.
	onChange       func()
	changeThrottle time.Duration
	lastChange     time.Time
}

// Options tunes the cache. Zero values pick sensible defaults.
type Options struct {
	// QueueSize bounds the pending-resolution queue. Overflow is
	// dropped; the handle gets re-queued on its next appearance.
	QueueSize int
	// LookupRPM paces directory lookups. <= 0 disables pacing.
	LookupRPM int
	// OnChange is invoked (throttled) after new names are cached.
	OnChange func()
}

const (
	defaultQueueSize      = 256
	defaultChangeThrottle = 5 * time.Second
)

// Open creates or opens the contact cache at path.
func Open(path string, lookup LookupFunc, opts Options, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open contact cache: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contact_names (
			handle     TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init contact cache schema: %w", err)
	}

	return &Cache{
		db:             db,
		log:            log,
		lookup:         lookup,
		bucket:         ratelimit.NewLeakyBucketFromRPM(opts.LookupRPM),
		queue:          make(chan string, opts.QueueSize),
		enqueued:       make(map[string]struct{}),
		onChange:       opts.OnChange,
		changeThrottle: defaultChangeThrottle,
	}, nil
}

// Close releases the database and the pacing bucket. The worker exits
// via its context.
func (c *Cache) Close() error {
	c.bucket.Close()
	return c.db.Close()
}

// LookupCachedName returns the cached display name for a handle. The
// second return is false when the handle has never been resolved. An
// empty cached name means "resolved, no match" and returns true.
func (c *Cache) LookupCachedName(handle string) (string, bool) {
	var name string
	err := c.db.QueryRow(
		`SELECT name FROM contact_names WHERE handle = ?`, handle,
	).Scan(&name)
	if err != nil {
		if err != sql.ErrNoRows {
			c.log.Warn("contact cache read failed", zap.Error(err))
		}
		return "", false
	}
	return name, true
}

// QueueForResolution asks the background worker to resolve a handle.
// Non-blocking: a full queue drops the request.
func (c *Cache) QueueForResolution(handle string) {
	if handle == "" {
		return
	}

	c.mu.Lock()
	if _, ok := c.enqueued[handle]; ok {
		c.mu.Unlock()
		return
	}
	c.enqueued[handle] = struct{}{}
	c.mu.Unlock()

	select {
	case c.queue <- handle:
	default:
		c.mu.Lock()
		delete(c.enqueued, handle)
		c.mu.Unlock()
	}
}

// SearchCachedByName returns handles whose cached name contains the
// query, case-insensitively. Used to widen chat search to contact
// names.
func (c *Cache) SearchCachedByName(query string) []imessage.HandleName {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil
	}
	rows, err := c.db.Query(
		`SELECT handle, name FROM contact_names
		 WHERE name != '' AND LOWER(name) LIKE '%' || LOWER(?) || '%'
		 LIMIT 50`, q)
	if err != nil {
		c.log.Warn("contact name search failed", zap.Error(err))
		return nil
	}
	defer rows.Close()

	var out []imessage.HandleName
	for rows.Next() {
		var hn imessage.HandleName
		if err := rows.Scan(&hn.Handle, &hn.Name); err != nil {
			continue
		}
		out = append(out, hn)
	}
	return out
}

// Store writes a handle's resolved name directly. Exposed for import
// tooling and tests; the worker uses it internally.
func (c *Cache) Store(handle, name string) error {
	_, err := c.db.Exec(
		`INSERT INTO contact_names (handle, name, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(handle) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		handle, name, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store contact name: %w", err)
	}
	return nil
}

// Worker drains the resolution queue until ctx is cancelled. Lookups
// are paced by the leaky bucket so a cold start with hundreds of
// unknown handles does not hammer the directory.
func (c *Cache) Worker(ctx context.Context) {
	if c.lookup == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case handle := <-c.queue:
			c.resolveOne(ctx, handle)
		}
	}
}

func (c *Cache) resolveOne(ctx context.Context, handle string) {
	defer func() {
		c.mu.Lock()
		delete(c.enqueued, handle)
		c.mu.Unlock()
	}()

	if err := c.bucket.Wait(ctx); err != nil {
		return
	}

	// Another queue entry may have resolved it meanwhile.
	if _, ok := c.LookupCachedName(handle); ok {
		return
	}

	name, err := c.lookup(ctx, handle)
	if err != nil {
		c.log.Warn("contact lookup failed", zap.String("handle", handle), zap.Error(err))
		return
	}

	if err := c.Store(handle, name); err != nil {
		c.log.Warn("contact cache write failed", zap.Error(err))
		return
	}
	if name != "" {
		c.log.Info("resolved contact", zap.String("handle", handle))
		c.notifyChange()
	}
}

func (c *Cache) notifyChange() {
	if c.onChange == nil {
		return
	}
	c.mu.Lock()
	now := time.Now()
	if now.Sub(c.lastChange) < c.changeThrottle {
		c.mu.Unlock()
		return
	}
	c.lastChange = now
	c.mu.Unlock()

	c.onChange()
}
