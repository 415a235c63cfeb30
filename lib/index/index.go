// Package index holds the shared filter index: the structure that maps every
// registered filter to its owning subscription and matches each freshly
// published event against the whole population of filters.
//
// Filters are bucketed by their most selective present dimension (ids, then
// authors, then kinds, then tags, then a residual bucket for filters
// constrained only by time or not at all). Matching an event therefore only
// touches the buckets the event can possibly hit instead of scanning every
// registered filter.
package index

import (
	"fmt"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relayforge/relayforge/lib/bus"
)

// Subscription is the unit of delivery de-duplication: a client-named set of
// filters owned by one connection, with its own delivery queue.
type Subscription struct {
	// Owner is the connection id the subscription belongs to.
	Owner string
	// ID is the client-supplied subscription id, scoped to the owner.
	ID string
	// Queue receives every live match exactly once per event.
	Queue *bus.Queue
}

// Entry is one registered filter together with its owning subscription.
// Entries are registered and removed by identity, so re-subscribing with an
// equal filter never collides with the previous registration.
type Entry struct {
	Sub    *Subscription
	Filter nostr.Filter

	// Bucket coordinates recorded by Insert. Delete removes the entry from
	// exactly these buckets; recomputing them would not be stable for
	// filters with several tag dimensions, since map iteration order picks
	// the dimension.
	idKeys     []string
	authorKeys []string
	kindKeys   []int
	tagKeys    []string
	residual   bool
}

type bucket struct {
	mu      sync.RWMutex
	entries map[*Entry]struct{}
	// dead marks a bucket that has been emptied and unlinked; writers that
	// raced the unlink retry and get a fresh bucket
	dead bool
}

func newBucket() *bucket {
	return &bucket{entries: make(map[*Entry]struct{})}
}

// Index is safe for concurrent use: inserts, deletes and matches from many
// connections contend only on the buckets they actually touch.
type Index struct {
	ids      *xsync.MapOf[string, *bucket]
	authors  *xsync.MapOf[string, *bucket]
	kinds    *xsync.MapOf[int, *bucket]
	tags     *xsync.MapOf[string, *bucket]
	residual *bucket
}

// New creates an empty filter index.
func New() *Index {
	return &Index{
		ids:      xsync.NewMapOf[string, *bucket](),
		authors:  xsync.NewMapOf[string, *bucket](),
		kinds:    xsync.NewMapOf[int, *bucket](),
		tags:     xsync.NewMapOf[string, *bucket](),
		residual: newBucket(),
	}
}

func tagBucketKey(name, value string) string {
	return name + "\x00" + value
}

// ValidateFilter rejects filters that would poison the index. Rejection is
// reported to the session as a subscribe failure instead of leaving a bad
// entry behind.
func ValidateFilter(filter nostr.Filter) error {
	if filter.Limit < 0 {
		return fmt.Errorf("filter limit must not be negative")
	}
	if filter.Since != nil && filter.Until != nil && *filter.Since > *filter.Until {
		return fmt.Errorf("filter since bound is after its until bound")
	}
	for name, values := range filter.Tags {
		if name == "" || name == "#" {
			return fmt.Errorf("filter tag name is empty")
		}
		for _, value := range values {
			if value == "" {
				return fmt.Errorf("filter tag %q has an empty value", name)
			}
		}
	}
	return nil
}

// recordPlacements computes and stores the bucket coordinates for an entry:
// one dimension, every value of it. An event matching the filter necessarily
// carries one of these values, so looking up the event's own coordinates
// finds the entry.
func (entry *Entry) recordPlacements() {
	filter := entry.Filter
	switch {
	case len(filter.IDs) > 0:
		entry.idKeys = filter.IDs
	case len(filter.Authors) > 0:
		entry.authorKeys = filter.Authors
	case len(filter.Kinds) > 0:
		entry.kindKeys = filter.Kinds
	case len(filter.Tags) > 0:
		// One tag dimension suffices; the full match covers the rest
		for name, values := range filter.Tags {
			for _, value := range values {
				entry.tagKeys = append(entry.tagKeys, tagBucketKey(normalizeTagName(name), value))
			}
			break
		}
	default:
		entry.residual = true
	}
}

func normalizeTagName(name string) string {
	if len(name) > 0 && name[0] == '#' {
		return name[1:]
	}
	return name
}

// lockedBucket returns the bucket for key with its write lock held,
// creating it if needed.
func lockedBucket[K comparable](m *xsync.MapOf[K, *bucket], key K) *bucket {
	for {
		b, _ := m.LoadOrCompute(key, newBucket)
		b.mu.Lock()
		if b.dead {
			b.mu.Unlock()
			continue
		}
		return b
	}
}

func addTo[K comparable](m *xsync.MapOf[K, *bucket], key K, entry *Entry) {
	b := lockedBucket(m, key)
	b.entries[entry] = struct{}{}
	b.mu.Unlock()
}

func removeFrom[K comparable](m *xsync.MapOf[K, *bucket], key K, entry *Entry) {
	b, ok := m.Load(key)
	if !ok {
		return
	}
	b.mu.Lock()
	if !b.dead {
		delete(b.entries, entry)
		if len(b.entries) == 0 {
			b.dead = true
			m.Delete(key)
		}
	}
	b.mu.Unlock()
}

// Insert registers the entry for live matching. Malformed filters are
// rejected and nothing is stored.
func (ix *Index) Insert(entry *Entry) error {
	if err := ValidateFilter(entry.Filter); err != nil {
		return err
	}

	entry.recordPlacements()
	for _, key := range entry.idKeys {
		addTo(ix.ids, key, entry)
	}
	for _, key := range entry.authorKeys {
		addTo(ix.authors, key, entry)
	}
	for _, key := range entry.kindKeys {
		addTo(ix.kinds, key, entry)
	}
	for _, key := range entry.tagKeys {
		addTo(ix.tags, key, entry)
	}
	if entry.residual {
		ix.residual.mu.Lock()
		ix.residual.entries[entry] = struct{}{}
		ix.residual.mu.Unlock()
	}
	return nil
}

// Delete removes the exact entry from the buckets Insert placed it in.
// Deleting an entry that was never inserted (or was already removed) is a
// no-op.
func (ix *Index) Delete(entry *Entry) {
	for _, key := range entry.idKeys {
		removeFrom(ix.ids, key, entry)
	}
	for _, key := range entry.authorKeys {
		removeFrom(ix.authors, key, entry)
	}
	for _, key := range entry.kindKeys {
		removeFrom(ix.kinds, key, entry)
	}
	for _, key := range entry.tagKeys {
		removeFrom(ix.tags, key, entry)
	}
	if entry.residual {
		ix.residual.mu.Lock()
		delete(ix.residual.entries, entry)
		ix.residual.mu.Unlock()
	}
}

func collect[K comparable](m *xsync.MapOf[K, *bucket], key K, out map[*Entry]struct{}) {
	b, ok := m.Load(key)
	if !ok {
		return
	}
	b.mu.RLock()
	for entry := range b.entries {
		out[entry] = struct{}{}
	}
	b.mu.RUnlock()
}

// MatchAndNotify computes the distinct subscriptions with at least one
// filter matching the event and pushes the event once onto each of their
// delivery queues. A subscription with several matching filters still gets
// exactly one delivery. Returns the number of subscriptions notified.
//
// Safe to call concurrently with Insert/Delete: a filter inserted while a
// publish is in flight may or may not see that event, but a filter present
// before the publish started and still present after it returns is always
// considered.
func (ix *Index) MatchAndNotify(event *nostr.Event) int {
	candidates := make(map[*Entry]struct{})

	collect(ix.ids, event.ID, candidates)
	collect(ix.authors, event.PubKey, candidates)
	collect(ix.kinds, event.Kind, candidates)
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] != "" {
			collect(ix.tags, tagBucketKey(tag[0], tag[1]), candidates)
		}
	}
	ix.residual.mu.RLock()
	for entry := range ix.residual.entries {
		candidates[entry] = struct{}{}
	}
	ix.residual.mu.RUnlock()

	// Full conjunctive match on every candidate, de-duplicated per
	// subscription
	matched := make(map[*Subscription]struct{})
	for entry := range candidates {
		if _, done := matched[entry.Sub]; done {
			continue
		}
		if entry.Filter.Matches(event) {
			matched[entry.Sub] = struct{}{}
		}
	}

	for sub := range matched {
		sub.Queue.Enqueue(event)
	}

	return len(matched)
}

// Size returns the number of registered entries. Intended for tests and
// diagnostics; it takes every bucket's read lock.
func (ix *Index) Size() int {
	unique := make(map[*Entry]struct{})

	gather := func(b *bucket) {
		b.mu.RLock()
		for entry := range b.entries {
			unique[entry] = struct{}{}
		}
		b.mu.RUnlock()
	}

	ix.ids.Range(func(_ string, b *bucket) bool { gather(b); return true })
	ix.authors.Range(func(_ string, b *bucket) bool { gather(b); return true })
	ix.kinds.Range(func(_ int, b *bucket) bool { gather(b); return true })
	ix.tags.Range(func(_ string, b *bucket) bool { gather(b); return true })
	gather(ix.residual)

	return len(unique)
}
