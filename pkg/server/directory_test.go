package server

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// pipeConn returns a Conn backed by one end of an in-memory pipe
func pipeConn(t testing.TB) *Conn {
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewConn(server, "test", 0)
}

func TestDirectoryBindLookup(t *testing.T) {
	d := NewDirectory()
	alice := pipeConn(t)
	bob := pipeConn(t)

	require.NoError(t, d.Bind("alice", alice))
	require.NoError(t, d.Bind("bob", bob))

	c, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, alice, c)

	name, ok := d.WhoIs(bob)
	require.True(t, ok)
	assert.Equal(t, "bob", name)

	_, ok = d.Lookup("carol")
	assert.False(t, ok)

	assert.Equal(t, []string{"alice", "bob"}, d.Snapshot())
	assert.Equal(t, 2, d.Len())
}

func TestDirectoryNameInUse(t *testing.T) {
	d := NewDirectory()
	first := pipeConn(t)
	second := pipeConn(t)

	require.NoError(t, d.Bind("alice", first))
	assert.ErrorIs(t, d.Bind("alice", second), ErrNameInUse)

	// The original binding is untouched
	c, ok := d.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, c)
	_, ok = d.WhoIs(second)
	assert.False(t, ok)
}

func TestDirectoryRebindSamePair(t *testing.T) {
	d := NewDirectory()
	c := pipeConn(t)

	require.NoError(t, d.Bind("alice", c))
	require.NoError(t, d.Bind("alice", c))
	assert.ErrorIs(t, d.Bind("alice2", c), ErrAlreadyConnected)
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryUnbindIdempotent(t *testing.T) {
	d := NewDirectory()
	c := pipeConn(t)
	require.NoError(t, d.Bind("alice", c))

	name, ok := d.Unbind(c)
	assert.True(t, ok)
	assert.Equal(t, "alice", name)

	_, ok = d.Unbind(c)
	assert.False(t, ok)

	_, ok = d.Lookup("alice")
	assert.False(t, ok)

	// The name is free again
	assert.NoError(t, d.Bind("alice", pipeConn(t)))
}

func TestDirectoryUnbindWithHoldsName(t *testing.T) {
	d := NewDirectory()
	old := pipeConn(t)
	require.NoError(t, d.Bind("alice", old))

	rebound := make(chan error, 1)
	name, ok := d.UnbindWith(old, func(name string) {
		assert.Equal(t, "alice", name)
		go func() { rebound <- d.Bind(name, pipeConn(t)) }()

		// The new bind waits for the release step to finish
		select {
		case err := <-rebound:
			t.Errorf("bind finished during release: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
	})
	require.True(t, ok)
	assert.Equal(t, "alice", name)

	select {
	case err := <-rebound:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bind never completed")
	}

	called := false
	_, ok = d.UnbindWith(old, func(string) { called = true })
	assert.False(t, ok)
	assert.False(t, called)
}

func TestDirectorySnapshotIsCopy(t *testing.T) {
	d := NewDirectory()
	require.NoError(t, d.Bind("alice", pipeConn(t)))

	snap := d.Snapshot()
	snap[0] = "mallory"

	assert.Equal(t, []string{"alice"}, d.Snapshot())
}

func TestDirectoryConcurrentBind(t *testing.T) {
	d := NewDirectory()

	const n = 50
	conns := make([]*Conn, n)
	for i := range conns {
		conns[i] = pipeConn(t)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, c := range conns {
		wg.Add(1)
		go func(c *Conn) {
			defer wg.Done()
			if d.Bind("contested", c) == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, d.Len())
}

func TestDirectoryBindingsStayConsistent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := NewDirectory()
		names := rapid.SliceOfN(rapid.SampledFrom([]string{"alice", "bob", "carol", "dave"}), 1, 20).Draw(rt, "names")

		bound := make(map[string]*Conn)
		for i, name := range names {
			server, client := net.Pipe()
			defer server.Close()
			defer client.Close()
			c := NewConn(server, "test", 0)

			err := d.Bind(name, c)
			if prev, taken := bound[name]; taken {
				if err == nil {
					rt.Fatalf("bind %d: %s bound twice", i, name)
				}
				if got, _ := d.Lookup(name); got != prev {
					rt.Fatalf("bind %d: failed bind replaced the holder of %s", i, name)
				}
				continue
			}
			if err != nil {
				rt.Fatalf("bind %d: %v", i, err)
			}
			bound[name] = c

			// Occasionally drop a random binding
			if rapid.Bool().Draw(rt, fmt.Sprintf("unbind%d", i)) {
				if _, ok := d.Unbind(c); !ok {
					rt.Fatalf("unbind %s failed", name)
				}
				delete(bound, name)
			}
		}

		if d.Len() != len(bound) {
			rt.Fatalf("directory has %d names, want %d", d.Len(), len(bound))
		}
		for name, c := range bound {
			got, ok := d.Lookup(name)
			if !ok || got != c {
				rt.Fatalf("lookup %s returned the wrong connection", name)
			}
			if who, _ := d.WhoIs(c); who != name {
				rt.Fatalf("whois returned %q, want %q", who, name)
			}
		}
	})
}
