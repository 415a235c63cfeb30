package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/relayforge/lib/bus"
)

func newTestSub(id string) *Subscription {
	return &Subscription{Owner: "conn-1", ID: id, Queue: bus.NewQueue(16)}
}

func pending(sub *Subscription) []*nostr.Event {
	var events []*nostr.Event
	for {
		select {
		case ev := <-sub.Queue.Events():
			events = append(events, ev)
		default:
			return events
		}
	}
}

func testEvent() *nostr.Event {
	return &nostr.Event{
		ID:        "e1",
		PubKey:    "alice",
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      1,
		Tags:      nostr.Tags{nostr.Tag{"p", "bob"}, nostr.Tag{"t", "news"}},
		Content:   "hello",
	}
}

func ts(v int64) *nostr.Timestamp {
	t := nostr.Timestamp(v)
	return &t
}

func TestMatchSemantics(t *testing.T) {
	cases := []struct {
		name    string
		filter  nostr.Filter
		matches bool
	}{
		{"empty filter matches everything", nostr.Filter{}, true},
		{"kind match", nostr.Filter{Kinds: []int{1}}, true},
		{"kind disjunction", nostr.Filter{Kinds: []int{7, 1}}, true},
		{"kind mismatch", nostr.Filter{Kinds: []int{7}}, false},
		{"author match", nostr.Filter{Authors: []string{"alice"}}, true},
		{"author mismatch", nostr.Filter{Authors: []string{"carol"}}, false},
		{"id match", nostr.Filter{IDs: []string{"e1"}}, true},
		{"id mismatch", nostr.Filter{IDs: []string{"e2"}}, false},
		{"tag match", nostr.Filter{Tags: nostr.TagMap{"p": {"bob"}}}, true},
		{"tag value disjunction", nostr.Filter{Tags: nostr.TagMap{"p": {"carol", "bob"}}}, true},
		{"tag mismatch", nostr.Filter{Tags: nostr.TagMap{"p": {"carol"}}}, false},
		{"absent tag name", nostr.Filter{Tags: nostr.TagMap{"e": {"bob"}}}, false},
		{"since satisfied", nostr.Filter{Since: ts(1600000000)}, true},
		{"since violated", nostr.Filter{Since: ts(1800000000)}, false},
		{"until satisfied", nostr.Filter{Until: ts(1800000000)}, true},
		{"until violated", nostr.Filter{Until: ts(1600000000)}, false},
		{"conjunction across dimensions", nostr.Filter{Kinds: []int{1}, Authors: []string{"alice"}, Tags: nostr.TagMap{"t": {"news"}}}, true},
		{"conjunction fails on one dimension", nostr.Filter{Kinds: []int{1}, Authors: []string{"carol"}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ix := New()
			sub := newTestSub("s1")
			require.NoError(t, ix.Insert(&Entry{Sub: sub, Filter: tc.filter}))

			notified := ix.MatchAndNotify(testEvent())

			if tc.matches {
				assert.Equal(t, 1, notified)
				require.Len(t, pending(sub), 1)
			} else {
				assert.Equal(t, 0, notified)
				assert.Empty(t, pending(sub))
			}
		})
	}
}

func TestDeliveryIsPerSubscription(t *testing.T) {
	ix := New()
	sub := newTestSub("s1")

	// Three filters on one subscription, two of which match the event
	require.NoError(t, ix.Insert(&Entry{Sub: sub, Filter: nostr.Filter{Kinds: []int{1}}}))
	require.NoError(t, ix.Insert(&Entry{Sub: sub, Filter: nostr.Filter{Authors: []string{"alice"}}}))
	require.NoError(t, ix.Insert(&Entry{Sub: sub, Filter: nostr.Filter{Kinds: []int{7}}}))

	notified := ix.MatchAndNotify(testEvent())

	assert.Equal(t, 1, notified)
	assert.Len(t, pending(sub), 1, "a subscription with multiple matching filters gets exactly one delivery")
}

func TestFanOutToMultipleSubscriptions(t *testing.T) {
	ix := New()
	subA := newTestSub("a")
	subB := newTestSub("b")
	subC := newTestSub("c")

	require.NoError(t, ix.Insert(&Entry{Sub: subA, Filter: nostr.Filter{Kinds: []int{1}}}))
	require.NoError(t, ix.Insert(&Entry{Sub: subB, Filter: nostr.Filter{Authors: []string{"alice"}}}))
	require.NoError(t, ix.Insert(&Entry{Sub: subC, Filter: nostr.Filter{Kinds: []int{7}}}))

	notified := ix.MatchAndNotify(testEvent())

	assert.Equal(t, 2, notified)
	assert.Len(t, pending(subA), 1)
	assert.Len(t, pending(subB), 1)
	assert.Empty(t, pending(subC))
}

func TestDeleteStopsMatching(t *testing.T) {
	ix := New()
	sub := newTestSub("s1")
	entry := &Entry{Sub: sub, Filter: nostr.Filter{Kinds: []int{1}}}

	require.NoError(t, ix.Insert(entry))
	require.Equal(t, 1, ix.MatchAndNotify(testEvent()))

	ix.Delete(entry)

	assert.Equal(t, 0, ix.MatchAndNotify(testEvent()))
	assert.Equal(t, 0, ix.Size())
}

func TestDeleteAbsentEntryIsNoop(t *testing.T) {
	ix := New()
	sub := newTestSub("s1")

	ix.Delete(&Entry{Sub: sub, Filter: nostr.Filter{Kinds: []int{1}}})
	assert.Equal(t, 0, ix.Size())
}

func TestIdenticalFiltersAreDistinctEntries(t *testing.T) {
	ix := New()
	subA := newTestSub("a")
	subB := newTestSub("b")
	entryA := &Entry{Sub: subA, Filter: nostr.Filter{Kinds: []int{1}}}
	entryB := &Entry{Sub: subB, Filter: nostr.Filter{Kinds: []int{1}}}

	require.NoError(t, ix.Insert(entryA))
	require.NoError(t, ix.Insert(entryB))

	// Removing one connection's filter leaves the other's equal filter alive
	ix.Delete(entryA)

	assert.Equal(t, 1, ix.MatchAndNotify(testEvent()))
	assert.Empty(t, pending(subA))
	assert.Len(t, pending(subB), 1)
}

func TestResidualFiltersAlwaysConsidered(t *testing.T) {
	ix := New()
	sub := newTestSub("s1")
	entry := &Entry{Sub: sub, Filter: nostr.Filter{Since: ts(1600000000)}}

	require.NoError(t, ix.Insert(entry))
	assert.Equal(t, 1, ix.MatchAndNotify(testEvent()))

	ix.Delete(entry)
	assert.Equal(t, 0, ix.MatchAndNotify(testEvent()))
}

func TestDeleteFilterWithSeveralTagNames(t *testing.T) {
	ix := New()
	sub := newTestSub("s1")
	filter := nostr.Filter{Tags: nostr.TagMap{"e": {"aaa"}, "p": {"bbb"}}}

	// Map iteration picks the indexing tag dimension, so repeat enough
	// times to cover every ordering; removal must always hit the buckets
	// insertion chose
	for i := 0; i < 32; i++ {
		entry := &Entry{Sub: sub, Filter: filter}
		require.NoError(t, ix.Insert(entry))
		ix.Delete(entry)
		require.Equal(t, 0, ix.Size(), "iteration %d left an orphaned entry", i)
	}

	// The filter still matches while registered and stops once removed
	entry := &Entry{Sub: sub, Filter: filter}
	require.NoError(t, ix.Insert(entry))
	ev := &nostr.Event{
		ID:        "e1",
		PubKey:    "alice",
		CreatedAt: nostr.Timestamp(1700000000),
		Kind:      1,
		Tags:      nostr.Tags{nostr.Tag{"e", "aaa"}, nostr.Tag{"p", "bbb"}},
	}
	assert.Equal(t, 1, ix.MatchAndNotify(ev))
	require.Len(t, pending(sub), 1)

	ix.Delete(entry)
	assert.Equal(t, 0, ix.MatchAndNotify(ev))
	assert.Equal(t, 0, ix.Size())
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter(nostr.Filter{Kinds: []int{1}, Limit: 10}))
	assert.NoError(t, ValidateFilter(nostr.Filter{Since: ts(1), Until: ts(2)}))

	assert.Error(t, ValidateFilter(nostr.Filter{Limit: -1}))
	assert.Error(t, ValidateFilter(nostr.Filter{Since: ts(2), Until: ts(1)}))
	assert.Error(t, ValidateFilter(nostr.Filter{Tags: nostr.TagMap{"": {"x"}}}))
	assert.Error(t, ValidateFilter(nostr.Filter{Tags: nostr.TagMap{"p": {""}}}))
}

func TestInsertRejectsMalformedFilter(t *testing.T) {
	ix := New()
	sub := newTestSub("s1")

	err := ix.Insert(&Entry{Sub: sub, Filter: nostr.Filter{Limit: -1}})
	require.Error(t, err)
	assert.Equal(t, 0, ix.Size(), "a rejected filter leaves no entry behind")
}

func TestConcurrentInsertDeleteMatch(t *testing.T) {
	ix := New()

	// A stable population that must survive the churn around it
	stable := newTestSub("stable")
	stableEntry := &Entry{Sub: stable, Filter: nostr.Filter{Kinds: []int{1}}}
	require.NoError(t, ix.Insert(stableEntry))

	const workers = 8
	const iterations = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			sub := newTestSub(fmt.Sprintf("churn-%d", w))
			for i := 0; i < iterations; i++ {
				entry := &Entry{Sub: sub, Filter: nostr.Filter{Authors: []string{fmt.Sprintf("author-%d", w)}}}
				if err := ix.Insert(entry); err != nil {
					t.Error(err)
					return
				}
				ix.MatchAndNotify(testEvent())
				ix.Delete(entry)
			}
		}(w)
	}
	wg.Wait()

	// The stable filter was present before and after every publish, so it
	// must still match; the churned entries must all be gone
	assert.Equal(t, 1, ix.Size())
	assert.Equal(t, 1, ix.MatchAndNotify(testEvent()))
}
