// Package catcache is the read-through cache in front of sender-category and
// group-membership lookups. Evaluators hit it on every CATEGORY/GROUP
// condition; entries are keyed by account+sender (or group id), expire on a
// TTL, and are invalidated explicitly when categories or groups are edited.
package catcache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mailpilot/mailpilot/internal/storage"
)

// Lookups is the slice of the store the cache reads through.
type Lookups interface {
	GetSenderCategory(ctx context.Context, accountID int64, sender string) (int64, bool, error)
	GetGroupPatterns(ctx context.Context, groupID int64, limit int) ([]storage.GroupPattern, error)
}

type categoryEntry struct {
	categoryID int64
	found      bool
	expiresAt  time.Time
}

type groupEntry struct {
	patterns  []storage.GroupPattern
	expiresAt time.Time
}

// Cache caches category membership and group patterns.
type Cache struct {
	lookups     Lookups
	ttl         time.Duration
	maxPatterns int
	logger      zerolog.Logger

	mu         sync.RWMutex
	categories map[string]categoryEntry
	groups     map[int64]groupEntry

	// Singleflight prevents thundering herd on cache miss
	sfGroup singleflight.Group

	hits   uint64
	misses uint64
}

// New creates a cache. maxPatterns bounds how many group patterns one lookup
// loads; groups larger than the cap match on their first maxPatterns entries
// by insertion order.
func New(lookups Lookups, ttl time.Duration, maxPatterns int, logger zerolog.Logger) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if maxPatterns <= 0 {
		maxPatterns = 50
	}
	return &Cache{
		lookups:     lookups,
		ttl:         ttl,
		maxPatterns: maxPatterns,
		logger:      logger.With().Str("component", "catcache").Logger(),
		categories:  make(map[string]categoryEntry),
		groups:      make(map[int64]groupEntry),
	}
}

func categoryKey(accountID int64, sender string) string {
	return fmt.Sprintf("%d:%s", accountID, strings.ToLower(sender))
}

// SenderCategory returns the sender's category id and whether the sender is
// categorized at all. Negative results are cached too.
func (c *Cache) SenderCategory(ctx context.Context, accountID int64, sender string) (int64, bool, error) {
	key := categoryKey(accountID, sender)

	c.mu.RLock()
	entry, ok := c.categories[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.categoryID, entry.found, nil
	}

	v, err, _ := c.sfGroup.Do("cat:"+key, func() (interface{}, error) {
		id, found, err := c.lookups.GetSenderCategory(ctx, accountID, sender)
		if err != nil {
			return nil, err
		}
		e := categoryEntry{categoryID: id, found: found, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Lock()
		c.misses++
		c.categories[key] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return 0, false, err
	}

	e := v.(categoryEntry)
	return e.categoryID, e.found, nil
}

// GroupPatterns returns a group's patterns, capped at the configured bound.
func (c *Cache) GroupPatterns(ctx context.Context, groupID int64) ([]storage.GroupPattern, error) {
	c.mu.RLock()
	entry, ok := c.groups[groupID]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return entry.patterns, nil
	}

	v, err, _ := c.sfGroup.Do(fmt.Sprintf("grp:%d", groupID), func() (interface{}, error) {
		patterns, err := c.lookups.GetGroupPatterns(ctx, groupID, c.maxPatterns)
		if err != nil {
			return nil, err
		}
		e := groupEntry{patterns: patterns, expiresAt: time.Now().Add(c.ttl)}
		c.mu.Lock()
		c.misses++
		c.groups[groupID] = e
		c.mu.Unlock()
		return e, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(groupEntry).patterns, nil
}

// InvalidateSender drops the cached category of one sender
func (c *Cache) InvalidateSender(accountID int64, sender string) {
	c.mu.Lock()
	delete(c.categories, categoryKey(accountID, sender))
	c.mu.Unlock()
}

// InvalidateGroup drops a group's cached patterns
func (c *Cache) InvalidateGroup(groupID int64) {
	c.mu.Lock()
	delete(c.groups, groupID)
	c.mu.Unlock()
}

// InvalidateAccount drops every cached entry belonging to the account.
// Called when categories are rebuilt by bulk categorization.
func (c *Cache) InvalidateAccount(accountID int64) {
	prefix := fmt.Sprintf("%d:", accountID)
	c.mu.Lock()
	for key := range c.categories {
		if strings.HasPrefix(key, prefix) {
			delete(c.categories, key)
		}
	}
	c.mu.Unlock()
}

// Stats returns hit/miss counters
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
