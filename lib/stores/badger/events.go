package badger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/relayforge/relayforge/lib/stores"
)

// ───────────────────────────────────────────────────────────────────
// Key Schema (raw BadgerDB)
//
//   ev:{eventID}                                        → CBOR(eventRecord)
//   ix:kind:{kind}:{hexTime16}:{eventID}                → nil
//   ix:auth:{pubkey}:{hexTime16}:{eventID}              → nil
//   ix:time:{hexTime16}:{eventID}                       → nil
//   ix:tag:{tagName}:{tagValue}\x00{hexTime16}:{eventID}→ nil
//
// hexTime16 = fmt.Sprintf("%016x", uint64(createdAt)) so keys sort by
// creation time lexicographically.
// ───────────────────────────────────────────────────────────────────

const (
	prefixEvent  = "ev:"
	prefixKind   = "ix:kind:"
	prefixAuthor = "ix:auth:"
	prefixTime   = "ix:time:"
	prefixTag    = "ix:tag:"

	defaultMaxLimit = 500
)

// eventRecord is the CBOR value stored at ev:{id}. The id lives in the key
// and is not duplicated here.
type eventRecord struct {
	PubKey    string     `cbor:"p"`
	CreatedAt int64      `cbor:"c"`
	Kind      int        `cbor:"k"`
	Tags      nostr.Tags `cbor:"t"`
	Content   string     `cbor:"n"`
	Sig       string     `cbor:"s"`
}

// ──────── key builders ────────

func eventKey(id string) []byte {
	return []byte(prefixEvent + id)
}

func kindKey(kind int, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%d:%016x:%s", prefixKind, kind, uint64(ts), id))
}

func authorKey(pubkey string, ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x:%s", prefixAuthor, pubkey, uint64(ts), id))
}

func timeKey(ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%016x:%s", prefixTime, uint64(ts), id))
}

func tagKey(name, value string, ts int64, id string) []byte {
	// \x00 separates the variable-length value from the fixed-length suffix
	return []byte(fmt.Sprintf("%s%s:%s\x00%016x:%s", prefixTag, name, value, uint64(ts), id))
}

// ──────── key parsers ────────

// eventIDFromKey returns the trailing 64-char event id of any index key.
func eventIDFromKey(key []byte) string {
	if len(key) < 64 {
		return ""
	}
	return string(key[len(key)-64:])
}

// timestampFromKey returns the embedded timestamp. Layout: …{16hex}:{64id}
func timestampFromKey(key []byte) int64 {
	if len(key) < 64+1+16 {
		return 0
	}
	ts, _ := strconv.ParseUint(string(key[len(key)-64-1-16:len(key)-64-1]), 16, 64)
	return int64(ts)
}

// seekEnd returns prefix + 0xFF padding so a reverse iterator starts past
// all matching keys.
func seekEnd(prefix []byte) []byte {
	out := make([]byte, 0, len(prefix)+84)
	out = append(out, prefix...)
	for i := 0; i < 84; i++ {
		out = append(out, 0xFF)
	}
	return out
}

// seekBefore positions a reverse iterator at or before a timestamp within a
// prefix, for Until bounds.
func seekBefore(prefix []byte, until int64) []byte {
	out := make([]byte, 0, len(prefix)+17+64)
	out = append(out, prefix...)
	out = append(out, []byte(fmt.Sprintf("%016x:", uint64(until)))...)
	for i := 0; i < 64; i++ {
		out = append(out, 0xFF)
	}
	return out
}

// getEvent fetches and decodes one event by id within a read transaction.
func getEvent(tx *badger.Txn, id string) (*nostr.Event, error) {
	item, err := tx.Get(eventKey(id))
	if err != nil {
		return nil, err
	}
	var rec eventRecord
	err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &nostr.Event{
		ID:        id,
		PubKey:    rec.PubKey,
		CreatedAt: nostr.Timestamp(rec.CreatedAt),
		Kind:      rec.Kind,
		Tags:      rec.Tags,
		Content:   rec.Content,
		Sig:       rec.Sig,
	}, nil
}

// ──────── StoreEvent ────────

// StoreEvent persists the event and all of its index keys in one
// transaction. A second store of the same id returns
// stores.ErrDuplicateEvent and changes nothing.
func (store *BadgerStore) StoreEvent(ev *nostr.Event) error {
	ts := int64(ev.CreatedAt)

	val, err := cbor.Marshal(eventRecord{
		PubKey:    ev.PubKey,
		CreatedAt: ts,
		Kind:      ev.Kind,
		Tags:      ev.Tags,
		Content:   ev.Content,
		Sig:       ev.Sig,
	})
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	return store.db.Update(func(tx *badger.Txn) error {
		// First writer wins
		if _, err := tx.Get(eventKey(ev.ID)); err == nil {
			return stores.ErrDuplicateEvent
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		if err := tx.Set(eventKey(ev.ID), val); err != nil {
			return err
		}
		if err := tx.Set(kindKey(ev.Kind, ts, ev.ID), nil); err != nil {
			return err
		}
		if err := tx.Set(authorKey(ev.PubKey, ts, ev.ID), nil); err != nil {
			return err
		}
		if err := tx.Set(timeKey(ts, ev.ID), nil); err != nil {
			return err
		}
		for _, tag := range ev.Tags {
			if len(tag) < 2 || len(tag[0]) != 1 {
				continue
			}
			if err := tx.Set(tagKey(tag[0], tag[1], ts, ev.ID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// HasEvent reports whether an event with the given id is stored.
func (store *BadgerStore) HasEvent(id string) (bool, error) {
	found := false
	err := store.db.View(func(tx *badger.Txn) error {
		_, err := tx.Get(eventKey(id))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// DeleteEvent removes a stored event and its index entries.
func (store *BadgerStore) DeleteEvent(id string) error {
	var ev *nostr.Event
	err := store.db.View(func(tx *badger.Txn) error {
		var e error
		ev, e = getEvent(tx, id)
		return e
	})
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("event not found for deletion: %w", err)
	}

	ts := int64(ev.CreatedAt)

	return store.db.Update(func(tx *badger.Txn) error {
		if err := tx.Delete(eventKey(id)); err != nil {
			return err
		}
		// Best-effort index deletes
		_ = tx.Delete(kindKey(ev.Kind, ts, id))
		_ = tx.Delete(authorKey(ev.PubKey, ts, id))
		_ = tx.Delete(timeKey(ts, id))
		for _, tag := range ev.Tags {
			if len(tag) < 2 || len(tag[0]) != 1 {
				continue
			}
			_ = tx.Delete(tagKey(tag[0], tag[1], ts, id))
		}
		return nil
	})
}

// ──────── QueryEvents ────────

// QueryEvents walks the narrowest index the filter allows (ids, then tags,
// then authors, then kinds, then the global time index), applies the full
// filter to every candidate and returns up to limit events creation-time
// ascending. When the limit truncates, the newest events win.
func (store *BadgerStore) QueryEvents(filter nostr.Filter) ([]*nostr.Event, error) {
	limit := filter.Limit
	if limit <= 0 || limit > store.maxLimit {
		limit = store.maxLimit
	}

	var events []*nostr.Event

	// Only single-letter tag names have index keys; a filter led by an
	// unindexed tag name falls through to the next dimension and the tag
	// constraint is applied by the full-filter pass.
	tagPfx := tagPrefixes(filter)

	err := store.db.View(func(tx *badger.Txn) error {
		var e error
		switch {
		case len(filter.IDs) > 0:
			events, e = queryByIDs(tx, filter, limit)
		case len(tagPfx) > 0:
			events, e = collectFromPrefixes(tx, tagPfx, filter, limit)
		case len(filter.Authors) > 0:
			events, e = collectFromPrefixes(tx, authorPrefixes(filter), filter, limit)
		case len(filter.Kinds) > 0:
			events, e = collectFromPrefixes(tx, kindPrefixes(filter), filter, limit)
		default:
			events, e = collectFromPrefixes(tx, [][]byte{[]byte(prefixTime)}, filter, limit)
		}
		return e
	})
	if err != nil {
		return nil, err
	}

	// collectFromPrefixes returns newest-first; callers get ascending order
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt < events[j].CreatedAt
	})

	return events, nil
}

func queryByIDs(tx *badger.Txn, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	var results []*nostr.Event
	for _, id := range filter.IDs {
		if len(results) >= limit {
			break
		}
		ev, err := getEvent(tx, id)
		if err != nil {
			continue
		}
		if filter.Matches(ev) {
			results = append(results, ev)
		}
	}
	return results, nil
}

// tagPrefixes returns index prefixes for the filter's first indexable tag
// dimension; the full filter match applied to every candidate covers the
// rest. Returns nil when no tag name has index keys.
func tagPrefixes(filter nostr.Filter) [][]byte {
	for tagName, values := range filter.Tags {
		name := strings.TrimPrefix(tagName, "#")
		if len(name) != 1 || len(values) == 0 {
			continue
		}
		prefixes := make([][]byte, len(values))
		for i, v := range values {
			prefixes[i] = []byte(fmt.Sprintf("%s%s:%s\x00", prefixTag, name, v))
		}
		return prefixes
	}
	return nil
}

func authorPrefixes(filter nostr.Filter) [][]byte {
	prefixes := make([][]byte, len(filter.Authors))
	for i, a := range filter.Authors {
		prefixes[i] = []byte(prefixAuthor + a + ":")
	}
	return prefixes
}

func kindPrefixes(filter nostr.Filter) [][]byte {
	prefixes := make([][]byte, len(filter.Kinds))
	for i, k := range filter.Kinds {
		prefixes[i] = []byte(fmt.Sprintf("%s%d:", prefixKind, k))
	}
	return prefixes
}

// collectFromPrefixes reverse-iterates one or more index prefixes, fetches
// each candidate event, applies the full filter and returns up to limit
// results newest-first.
func collectFromPrefixes(tx *badger.Txn, prefixes [][]byte, filter nostr.Filter, limit int) ([]*nostr.Event, error) {
	seen := make(map[string]struct{})
	var results []*nostr.Event

	for _, prefix := range prefixes {
		// A single prefix can stop at the limit; multiple prefixes keep
		// collecting and get merged afterwards.
		if len(prefixes) == 1 && len(results) >= limit {
			break
		}

		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // index keys carry no value
		opts.Reverse = true
		opts.Prefix = prefix

		it := tx.NewIterator(opts)

		var sk []byte
		if filter.Until != nil {
			sk = seekBefore(prefix, int64(*filter.Until))
		} else {
			sk = seekEnd(prefix)
		}

		it.Seek(sk)
		for it.ValidForPrefix(prefix) {
			key := it.Item().KeyCopy(nil)

			// Everything older than Since can be skipped
			if filter.Since != nil && timestampFromKey(key) < int64(*filter.Since) {
				break
			}

			id := eventIDFromKey(key)
			if _, dup := seen[id]; dup {
				it.Next()
				continue
			}
			seen[id] = struct{}{}

			ev, err := getEvent(tx, id)
			if err != nil {
				it.Next()
				continue
			}

			if filter.Matches(ev) {
				results = append(results, ev)
				if len(prefixes) == 1 && len(results) >= limit {
					break
				}
			}

			it.Next()
		}
		it.Close()
	}

	// Multiple prefixes interleave timestamps; re-sort newest-first and
	// truncate before handing back.
	if len(prefixes) > 1 {
		sort.Slice(results, func(i, j int) bool {
			return results[i].CreatedAt > results[j].CreatedAt
		})
		if len(results) > limit {
			results = results[:limit]
		}
	}

	return results, nil
}
