package topicindex

import (
	"fmt"
	"sync"
	"testing"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/topicindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrie_SubscribeResults(t *testing.T) {
	trie := NewTrie()

	assert.Equal(t, topicindex.NewTopic, trie.Subscribe("acme.alerts/1/", "h1"))
	assert.Equal(t, topicindex.AlreadyPresent, trie.Subscribe("acme.alerts/1/", "h1"))
	assert.Equal(t, topicindex.NewSubscriberOnExistingTopic, trie.Subscribe("acme.alerts/1/", "h2"))
	assert.Equal(t, []string{"h1", "h2"}, trie.LookupExact("acme.alerts/1/"))
	assert.Equal(t, 1, trie.Len())
}

func TestTrie_LookupIsExact(t *testing.T) {
	trie := NewTrie()
	trie.Subscribe("acme.alerts/", "all")
	trie.Subscribe("acme.alerts/1/2/", "node")
	trie.Subscribe("acme.alerts", "unscoped")

	assert.Equal(t, []string{"node"}, trie.LookupExact("acme.alerts/1/2/"))
	assert.Equal(t, []string{"all"}, trie.LookupExact("acme.alerts/"))
	assert.Equal(t, []string{"unscoped"}, trie.LookupExact("acme.alerts"))
	assert.Empty(t, trie.LookupExact("acme.alerts/1/"))
	assert.Empty(t, trie.LookupExact("other.alerts/1/2/"))
}

// Subscribing and unsubscribing the same number of times leaves nothing behind,
// and only the first subscribe and the last unsubscribe are transitions.
func TestTrie_TransitionCounting(t *testing.T) {
	trie := NewTrie()
	topic := "acme.news/1/2/3/"
	handles := []string{"a", "b", "c"}

	var activations, deactivations int
	for _, h := range handles {
		if trie.Subscribe(topic, h) == topicindex.NewTopic {
			activations++
		}
	}
	for _, h := range handles {
		if trie.Unsubscribe(topic, h) > 0 && len(trie.LookupExact(topic)) == 0 {
			deactivations++
		}
		// a repeated unsubscribe removes nothing and must not count again
		assert.Equal(t, 0, trie.Unsubscribe(topic, h))
	}

	assert.Equal(t, 1, activations)
	assert.Equal(t, 1, deactivations)
	assert.Equal(t, 0, trie.Len())
	assert.Empty(t, trie.Entries())
	assert.Empty(t, trie.root.children, "branches must be pruned")
}

func TestTrie_InterestCounters(t *testing.T) {
	trie := NewTrie()
	topic := "acme.news/1/"

	assert.Equal(t, topicindex.Activated, trie.AdjustNorthInterest(topic, 1))
	assert.Equal(t, topicindex.Unchanged, trie.AdjustNorthInterest(topic, 1))
	assert.Equal(t, topicindex.Activated, trie.AdjustSouthInterest(topic, 1))

	trie.Subscribe(topic, "h")
	assert.Equal(t, 1, trie.Unsubscribe(topic, "h"))
	assert.Equal(t, 1, trie.Len(), "interest keeps the entry alive")

	assert.Equal(t, topicindex.Unchanged, trie.AdjustNorthInterest(topic, -1))
	assert.Equal(t, topicindex.Deactivated, trie.AdjustNorthInterest(topic, -1))
	assert.Equal(t, topicindex.Deactivated, trie.AdjustSouthInterest(topic, -1))
	assert.Equal(t, 0, trie.Len())

	// decrementing an unknown topic is a no-op and never goes negative
	assert.Equal(t, topicindex.Unchanged, trie.AdjustSouthInterest(topic, -1))
	assert.Equal(t, topicindex.Unchanged, trie.AdjustSouthInterest(topic, 0))
	assert.Equal(t, 0, trie.Len())
}

func TestTrie_UnsubscribeAll(t *testing.T) {
	trie := NewTrie()
	trie.Subscribe("acme.a/", "h1")
	trie.Subscribe("acme.b/", "h1")
	trie.Subscribe("acme.b/", "h2")

	orphaned := trie.UnsubscribeAll("h1")
	assert.Equal(t, []string{"acme.a/"}, orphaned)
	assert.Empty(t, trie.LookupExact("acme.a/"))
	assert.Equal(t, []string{"h2"}, trie.LookupExact("acme.b/"))

	assert.Empty(t, trie.UnsubscribeAll("h1"))
}

func TestTrie_Entries(t *testing.T) {
	trie := NewTrie()
	trie.Subscribe("acme.b/1/", "h1")
	trie.Subscribe("acme.a/", "h2")
	trie.AdjustSouthInterest("acme.c/", 2)

	entries := trie.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "acme.a/", entries[0].Topic)
	assert.Equal(t, "acme.b/1/", entries[1].Topic)
	assert.Equal(t, []string{"h1"}, entries[1].Subscribers)
	assert.Equal(t, 2, entries[2].South)
}

func TestTrie_ConcurrentReaders(t *testing.T) {
	trie := NewTrie()
	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					_ = trie.Entries()
					_ = trie.LookupExact("acme.t0/")
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		topic := fmt.Sprintf("acme.t%d/", i%10)
		trie.Subscribe(topic, "h")
		trie.Unsubscribe(topic, "h")
	}
	close(done)
	wg.Wait()
	assert.Equal(t, 0, trie.Len())
}
