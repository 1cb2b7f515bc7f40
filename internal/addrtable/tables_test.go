package addrtable

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTables_LocalClients(t *testing.T) {
	tables := New()
	a := NewLocalClient("h1", 11, "acme", "A")
	require.NoError(t, tables.InsertLocal(a))
	assert.Equal(t, "acme.A", a.PrefixName)

	got, ok := tables.LocalByHandle("h1")
	require.True(t, ok)
	assert.Same(t, a, got)
	got, ok = tables.LocalByName("acme.A")
	require.True(t, ok)
	assert.Same(t, a, got)

	err := tables.InsertLocal(NewLocalClient("h2", 12, "acme", "A"))
	assert.ErrorIs(t, err, ErrNameConflict)
	err = tables.InsertLocal(NewLocalClient("h1", 12, "acme", "Z"))
	assert.ErrorIs(t, err, ErrHandleInUse)

	removed, ok := tables.RemoveLocal("h1")
	require.True(t, ok)
	assert.Same(t, a, removed)
	_, ok = tables.LocalByName("acme.A")
	assert.False(t, ok)
	_, ok = tables.RemoveLocal("h1")
	assert.False(t, ok, "second removal is a no-op")
}

func TestTables_NamesAreSharedBetweenLocalAndDistant(t *testing.T) {
	tables := New()
	require.NoError(t, tables.InsertDistant(&DistantClient{Name: "acme.C", Broker: "b1", Distance: 1}))

	err := tables.InsertLocal(NewLocalClient("h1", 1, "acme", "C"))
	assert.ErrorIs(t, err, ErrNameConflict)

	require.NoError(t, tables.InsertLocal(NewLocalClient("h2", 1, "acme", "D")))
	err = tables.InsertDistant(&DistantClient{Name: "acme.D", Broker: "b1"})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestTables_RemoveDistantByOwner(t *testing.T) {
	tables := New()
	require.NoError(t, tables.InsertBroker(&ChildBroker{Handle: "b1", Cookie: 1}))
	require.NoError(t, tables.InsertBroker(&ChildBroker{Handle: "b2", Cookie: 2}))
	require.NoError(t, tables.InsertDistant(&DistantClient{Name: "acme.Y", Broker: "b1"}))
	require.NoError(t, tables.InsertDistant(&DistantClient{Name: "acme.X", Broker: "b1"}))
	require.NoError(t, tables.InsertDistant(&DistantClient{Name: "acme.Z", Broker: "b2"}))

	assert.Equal(t, []string{"acme.X", "acme.Y"}, tables.RemoveDistantByOwner("b1"))
	assert.Empty(t, tables.RemoveDistantByOwner("b1"))
	assert.Equal(t, Counts{Brokers: 2, Local: 0, Distant: 1}, tables.Counts())

	_, ok := tables.Distant("acme.Z")
	assert.True(t, ok)
}

func TestTables_SnapshotsAreStable(t *testing.T) {
	tables := New()
	require.NoError(t, tables.InsertLocal(NewLocalClient("h1", 1, "acme", "A")))

	snap := tables.Locals()
	require.NoError(t, tables.InsertLocal(NewLocalClient("h2", 2, "acme", "B")))
	tables.RemoveLocal("h1")

	assert.Len(t, snap, 1, "old snapshot is unaffected by later writes")
	assert.Contains(t, snap, "h1")
	assert.Len(t, tables.Locals(), 1)
	assert.Contains(t, tables.Locals(), "h2")
}

func TestAging(t *testing.T) {
	b := &ChildBroker{Handle: "b1"}
	assert.Equal(t, int32(1), b.Tick())
	assert.Equal(t, int32(2), b.Tick())
	b.Touch()
	assert.Equal(t, int32(0), b.Age())
}

func TestTables_ConcurrentReadDuringWrites(t *testing.T) {
	tables := New()
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
				}
				for h, c := range tables.Locals() {
					// entries are never torn: handle and name always agree
					if c.Handle != h {
						t.Errorf("torn entry %s != %s", c.Handle, h)
					}
					c.Tick()
				}
			}
		}()
	}
	for i := 0; i < 500; i++ {
		h := fmt.Sprintf("h%d", i)
		require.NoError(t, tables.InsertLocal(NewLocalClient(h, uint64(i), "acme", h)))
		if i%2 == 0 {
			tables.RemoveLocal(h)
		}
	}
	close(done)
	wg.Wait()
	assert.Equal(t, 250, tables.Counts().Local)

	tables.Clear()
	assert.Equal(t, Counts{}, tables.Counts())
}
