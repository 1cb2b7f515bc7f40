// Package addrtable holds the broker's address tables: local clients by
// connection handle and by name, distant clients by name, and child brokers by
// connection handle.
//
// Every table is a copy-on-write map published through an atomic pointer.
// Writers clone, mutate and swap under a mutex; readers load the current map and
// iterate it without locking, so a reader never blocks the writer and never sees
// a half-applied change. Entries dropped from the table stay valid for readers
// still holding an older snapshot.
package addrtable

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrNameConflict is returned when a client name is already known locally
	// or through a child broker.
	ErrNameConflict = errors.New("client name already registered")
	// ErrHandleInUse is returned when a connection handle is already registered.
	ErrHandleInUse = errors.New("connection handle already registered")
)

// Aging is embedded by entries the supervisor ages.
type Aging struct {
	age atomic.Int32
}

// Age returns the number of sweeps since the entry was last heard from.
func (a *Aging) Age() int32 { return a.age.Load() }

// Tick increments the age and returns the new value.
func (a *Aging) Tick() int32 { return a.age.Add(1) }

// Touch resets the age.
func (a *Aging) Touch() { a.age.Store(0) }

// LocalClient is a client connected directly to this broker.
type LocalClient struct {
	Aging
	Handle     string
	Cookie     uint64
	Tenant     string
	Name       string
	PrefixName string
}

// NewLocalClient builds a LocalClient with PrefixName set to tenant.name.
func NewLocalClient(handle string, cookie uint64, tenant, name string) *LocalClient {
	return &LocalClient{
		Handle:     handle,
		Cookie:     cookie,
		Tenant:     tenant,
		Name:       name,
		PrefixName: tenant + "." + name,
	}
}

// DistantClient is a client reachable through a child broker.
type DistantClient struct {
	Name     string
	Broker   string
	Distance uint32
}

// ChildBroker is a broker registered below this one.
type ChildBroker struct {
	Aging
	Handle string
	Cookie uint64
}

// Counts is the size of each table.
type Counts struct {
	Brokers int `json:"brokers"`
	Local   int `json:"local"`
	Distant int `json:"distant"`
}

type cowMap[V any] struct {
	p atomic.Pointer[map[string]V]
}

func (m *cowMap[V]) load() map[string]V {
	if p := m.p.Load(); p != nil {
		return *p
	}
	return nil
}

func (m *cowMap[V]) update(fn func(map[string]V)) {
	next := maps.Clone(m.load())
	if next == nil {
		next = make(map[string]V)
	}
	fn(next)
	m.p.Store(&next)
}

// Tables is the set of address tables of one broker.
type Tables struct {
	mu      sync.Mutex
	locals  cowMap[*LocalClient]
	names   cowMap[*LocalClient]
	distant cowMap[*DistantClient]
	brokers cowMap[*ChildBroker]
}

// New returns empty tables.
func New() *Tables {
	return &Tables{}
}

func (t *Tables) nameTaken(name string) bool {
	if _, ok := t.names.load()[name]; ok {
		return true
	}
	_, ok := t.distant.load()[name]
	return ok
}

// InsertLocal registers c under both its handle and its prefix name.
func (t *Tables) InsertLocal(c *LocalClient) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.locals.load()[c.Handle]; ok {
		return fmt.Errorf("%w: %s", ErrHandleInUse, c.Handle)
	}
	if t.nameTaken(c.PrefixName) {
		return fmt.Errorf("%w: %s", ErrNameConflict, c.PrefixName)
	}
	t.locals.update(func(m map[string]*LocalClient) { m[c.Handle] = c })
	t.names.update(func(m map[string]*LocalClient) { m[c.PrefixName] = c })
	return nil
}

// RemoveLocal unlinks the client with handle from both local maps.
func (t *Tables) RemoveLocal(handle string) (*LocalClient, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.locals.load()[handle]
	if !ok {
		return nil, false
	}
	t.locals.update(func(m map[string]*LocalClient) { delete(m, handle) })
	t.names.update(func(m map[string]*LocalClient) { delete(m, c.PrefixName) })
	return c, true
}

// LocalByHandle looks a local client up by connection handle.
func (t *Tables) LocalByHandle(handle string) (*LocalClient, bool) {
	c, ok := t.locals.load()[handle]
	return c, ok
}

// LocalByName looks a local client up by prefix name.
func (t *Tables) LocalByName(name string) (*LocalClient, bool) {
	c, ok := t.names.load()[name]
	return c, ok
}

// InsertDistant registers d unless its name is already known.
func (t *Tables) InsertDistant(d *DistantClient) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nameTaken(d.Name) {
		return fmt.Errorf("%w: %s", ErrNameConflict, d.Name)
	}
	t.distant.update(func(m map[string]*DistantClient) { m[d.Name] = d })
	return nil
}

// Distant looks a distant client up by name.
func (t *Tables) Distant(name string) (*DistantClient, bool) {
	d, ok := t.distant.load()[name]
	return d, ok
}

// RemoveDistant drops the distant client called name.
func (t *Tables) RemoveDistant(name string) (*DistantClient, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.distant.load()[name]
	if !ok {
		return nil, false
	}
	t.distant.update(func(m map[string]*DistantClient) { delete(m, name) })
	return d, true
}

// RemoveDistantByOwner drops every distant client owned by the broker with
// handle owner and returns their names, sorted.
func (t *Tables) RemoveDistantByOwner(owner string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var names []string
	for name, d := range t.distant.load() {
		if d.Broker == owner {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)
	t.distant.update(func(m map[string]*DistantClient) {
		for _, name := range names {
			delete(m, name)
		}
	})
	return names
}

// InsertBroker registers a child broker.
func (t *Tables) InsertBroker(b *ChildBroker) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.brokers.load()[b.Handle]; ok {
		return fmt.Errorf("%w: %s", ErrHandleInUse, b.Handle)
	}
	t.brokers.update(func(m map[string]*ChildBroker) { m[b.Handle] = b })
	return nil
}

// Broker looks a child broker up by connection handle.
func (t *Tables) Broker(handle string) (*ChildBroker, bool) {
	b, ok := t.brokers.load()[handle]
	return b, ok
}

// RemoveBroker drops the child broker with handle. Its distant clients are left
// to RemoveDistantByOwner.
func (t *Tables) RemoveBroker(handle string) (*ChildBroker, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.brokers.load()[handle]
	if !ok {
		return nil, false
	}
	t.brokers.update(func(m map[string]*ChildBroker) { delete(m, handle) })
	return b, true
}

// Locals returns the current local client snapshot keyed by handle.
// The map must not be modified.
func (t *Tables) Locals() map[string]*LocalClient { return t.locals.load() }

// DistantClients returns the current distant client snapshot keyed by name.
// The map must not be modified.
func (t *Tables) DistantClients() map[string]*DistantClient { return t.distant.load() }

// Brokers returns the current child broker snapshot keyed by handle.
// The map must not be modified.
func (t *Tables) Brokers() map[string]*ChildBroker { return t.brokers.load() }

// Counts returns the size of each table.
func (t *Tables) Counts() Counts {
	return Counts{
		Brokers: len(t.brokers.load()),
		Local:   len(t.locals.load()),
		Distant: len(t.distant.load()),
	}
}

// Clear empties every table.
func (t *Tables) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.locals.p.Store(nil)
	t.names.p.Store(nil)
	t.distant.p.Store(nil)
	t.brokers.p.Store(nil)
}
