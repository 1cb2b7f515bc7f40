// Package topicindex implements the subscription trie and scope expansion.
package topicindex

import (
	"sort"
	"strings"
	"sync"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/topicindex"
)

type entry struct {
	subscribers map[string]struct{}
	north       int
	south       int
}

func (e *entry) empty() bool {
	return len(e.subscribers) == 0 && e.north == 0 && e.south == 0
}

type node struct {
	segment  string
	parent   *node
	children map[string]*node
	entry    *entry
}

// Trie is a topicindex.Index over '/' separated topic segments.
type Trie struct {
	mu       sync.RWMutex
	root     *node
	size     int
	byHandle map[string]map[string]struct{}
}

var _ topicindex.Index = (*Trie)(nil)

// NewTrie creates an empty index.
func NewTrie() *Trie {
	return &Trie{
		root:     &node{children: make(map[string]*node)},
		byHandle: make(map[string]map[string]struct{}),
	}
}

// segments keeps the separator on each segment so "a/" and "a" stay distinct.
func segments(topic string) []string {
	parts := strings.SplitAfter(topic, "/")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}

func (t *Trie) find(topic string) *node {
	n := t.root
	for _, seg := range segments(topic) {
		next, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = next
	}
	return n
}

// ensure returns the entry for topic, creating nodes along the way.
func (t *Trie) ensure(topic string) *entry {
	n := t.root
	for _, seg := range segments(topic) {
		next, ok := n.children[seg]
		if !ok {
			next = &node{segment: seg, parent: n, children: make(map[string]*node)}
			n.children[seg] = next
		}
		n = next
	}
	if n.entry == nil {
		n.entry = &entry{subscribers: make(map[string]struct{})}
		t.size++
	}
	return n.entry
}

// prune drops the entry of n when it is empty and removes dead branches.
func (t *Trie) prune(n *node) {
	if n.entry != nil && n.entry.empty() {
		n.entry = nil
		t.size--
	}
	for n != t.root && n.entry == nil && len(n.children) == 0 {
		delete(n.parent.children, n.segment)
		n = n.parent
	}
}

func (t *Trie) Subscribe(topic, handle string) topicindex.SubscribeResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.ensure(topic)
	if _, ok := e.subscribers[handle]; ok {
		return topicindex.AlreadyPresent
	}
	first := len(e.subscribers) == 0
	e.subscribers[handle] = struct{}{}

	topics, ok := t.byHandle[handle]
	if !ok {
		topics = make(map[string]struct{})
		t.byHandle[handle] = topics
	}
	topics[topic] = struct{}{}

	if first {
		return topicindex.NewTopic
	}
	return topicindex.NewSubscriberOnExistingTopic
}

func (t *Trie) Unsubscribe(topic, handle string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unsubscribe(topic, handle)
}

func (t *Trie) unsubscribe(topic, handle string) int {
	n := t.find(topic)
	if n == nil || n.entry == nil {
		return 0
	}
	if _, ok := n.entry.subscribers[handle]; !ok {
		return 0
	}
	delete(n.entry.subscribers, handle)
	if topics, ok := t.byHandle[handle]; ok {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(t.byHandle, handle)
		}
	}
	t.prune(n)
	return 1
}

func (t *Trie) UnsubscribeAll(handle string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	topics := make([]string, 0, len(t.byHandle[handle]))
	for topic := range t.byHandle[handle] {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var orphaned []string
	for _, topic := range topics {
		if t.unsubscribe(topic, handle) == 0 {
			continue
		}
		if n := t.find(topic); n == nil || n.entry == nil || len(n.entry.subscribers) == 0 {
			orphaned = append(orphaned, topic)
		}
	}
	return orphaned
}

func (t *Trie) LookupExact(topic string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.find(topic)
	if n == nil || n.entry == nil || len(n.entry.subscribers) == 0 {
		return nil
	}
	handles := make([]string, 0, len(n.entry.subscribers))
	for h := range n.entry.subscribers {
		handles = append(handles, h)
	}
	sort.Strings(handles)
	return handles
}

func (t *Trie) AdjustNorthInterest(topic string, delta int) topicindex.Transition {
	return t.adjust(topic, delta, func(e *entry) *int { return &e.north })
}

func (t *Trie) AdjustSouthInterest(topic string, delta int) topicindex.Transition {
	return t.adjust(topic, delta, func(e *entry) *int { return &e.south })
}

func (t *Trie) adjust(topic string, delta int, counter func(*entry) *int) topicindex.Transition {
	if delta == 0 {
		return topicindex.Unchanged
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if delta < 0 {
		// never create an entry just to decrement it
		n := t.find(topic)
		if n == nil || n.entry == nil {
			return topicindex.Unchanged
		}
		c := counter(n.entry)
		before := *c
		*c = max(0, before+delta)
		after := *c
		t.prune(n)
		if before > 0 && after == 0 {
			return topicindex.Deactivated
		}
		return topicindex.Unchanged
	}

	c := counter(t.ensure(topic))
	before := *c
	*c += delta
	if before == 0 && *c > 0 {
		return topicindex.Activated
	}
	return topicindex.Unchanged
}

func (t *Trie) Entries() []topicindex.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]topicindex.Entry, 0, t.size)
	var walk func(n *node, prefix string)
	walk = func(n *node, prefix string) {
		if n.entry != nil {
			subs := make([]string, 0, len(n.entry.subscribers))
			for h := range n.entry.subscribers {
				subs = append(subs, h)
			}
			sort.Strings(subs)
			out = append(out, topicindex.Entry{
				Topic:       prefix,
				Subscribers: subs,
				North:       n.entry.north,
				South:       n.entry.south,
			})
		}
		for seg, child := range n.children {
			walk(child, prefix+seg)
		}
	}
	walk(t.root, "")
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (t *Trie) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}
