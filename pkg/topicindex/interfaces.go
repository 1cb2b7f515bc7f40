// Package topicindex defines the subscription index a broker keeps per exact,
// scope-expanded topic.
//
// Keys look like "tenant.topic/1/2/": the tenant prefix keeps tenants apart and
// the trailing segments encode the scope the subscriber asked for, already
// expanded against the subscribing broker's position in the tree. Each entry
// tracks the local subscriber handles plus two interest counters fed by
// announcements from neighbouring brokers.
//
// Example usage:
//
//	switch index.Subscribe("acme.alerts/1/2/3/", handle) {
//	case topicindex.NewTopic:
//		announce(true, "acme.alerts/1/2/3/")
//	case topicindex.AlreadyPresent:
//		// duplicate SUB from the same client
//	}
//
//	for _, h := range index.LookupExact("acme.alerts/1/2/3/") {
//		deliver(h)
//	}
package topicindex

// SubscribeResult reports what a Subscribe call changed.
type SubscribeResult int

const (
	// AlreadyPresent means the handle was already subscribed to the topic.
	AlreadyPresent SubscribeResult = iota
	// NewTopic means the topic had no local subscriber before this call.
	NewTopic
	// NewSubscriberOnExistingTopic means another local subscriber already existed.
	NewSubscriberOnExistingTopic
)

func (r SubscribeResult) String() string {
	switch r {
	case AlreadyPresent:
		return "AlreadyPresent"
	case NewTopic:
		return "NewTopic"
	case NewSubscriberOnExistingTopic:
		return "NewSubscriberOnExistingTopic"
	default:
		return "Unknown"
	}
}

// Transition reports how an interest counter moved across zero.
type Transition int

const (
	// Unchanged means the counter stayed on the same side of zero.
	Unchanged Transition = iota
	// Activated means the counter went from 0 to 1.
	Activated
	// Deactivated means the counter went from 1 to 0.
	Deactivated
)

// Entry is a point-in-time copy of one topic.
type Entry struct {
	Topic       string   `json:"topic"`
	Subscribers []string `json:"subscribers"`
	North       int      `json:"north"`
	South       int      `json:"south"`
}

// Index is the subscription index. Implementations must be safe for one writer
// and concurrent readers.
type Index interface {
	// Subscribe adds handle as a local subscriber of topic.
	Subscribe(topic, handle string) SubscribeResult

	// Unsubscribe removes handle from topic and returns the number of removed
	// subscriptions (0 or 1).
	Unsubscribe(topic, handle string) int

	// UnsubscribeAll removes every subscription of handle and returns the topics
	// that were left without local subscribers.
	UnsubscribeAll(handle string) []string

	// LookupExact returns the local subscribers of exactly topic.
	LookupExact(topic string) []string

	// AdjustNorthInterest moves the north interest counter of topic by delta.
	AdjustNorthInterest(topic string, delta int) Transition

	// AdjustSouthInterest moves the south interest counter of topic by delta.
	AdjustSouthInterest(topic string, delta int) Transition

	// Entries returns a copy of every topic, sorted by topic.
	Entries() []Entry

	// Len returns the number of topics.
	Len() int
}
