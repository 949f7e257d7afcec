package listener

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oldani/taxy/proxy"
)

type fakePort struct {
	addr   *net.TCPAddr
	events []proxy.Event
}

func (f *fakePort) ListenAddr() *net.TCPAddr { return f.addr }
func (f *fakePort) Event(ev proxy.Event)     { f.events = append(f.events, ev) }

// freeTCPAddr briefly binds an ephemeral port to discover one that's free,
// then releases it. Good enough for tests that need two distinct addresses
// without colliding on the same "Port: 0" reconciliation key.
func freeTCPAddr(t *testing.T) *net.TCPAddr {
	t.Helper()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())
	return addr
}

func TestPoolUpdateBindsAndReportsListening(t *testing.T) {
	p := New()
	port := &fakePort{addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}}

	p.Update([]Port{port})
	defer func() {
		p.Update(nil)
	}()

	require.Len(t, port.events, 1)
	require.Equal(t, proxy.SocketListening, port.events[0].SocketStateUpdated)
	require.True(t, p.HasActiveListeners())
}

func TestPoolUpdateIsIdempotent(t *testing.T) {
	p := New()
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer ln.Close()

	port := &fakePort{addr: ln.Addr().(*net.TCPAddr)}

	l := &indexedListener{inner: ln, addr: port.addr}
	p.mu.Lock()
	p.listeners[port.addr.String()] = l
	p.mu.Unlock()
	go p.acceptLoop(l)

	p.Update([]Port{port})
	p.Update([]Port{port})

	require.Len(t, port.events, 2)
	require.Equal(t, proxy.SocketListening, port.events[0].SocketStateUpdated)
	require.Equal(t, proxy.SocketListening, port.events[1].SocketStateUpdated)

	p.mu.Lock()
	require.Len(t, p.listeners, 1, "reconciling twice with the same desired set must not rebind")
	p.mu.Unlock()
}

func TestPoolUpdateDropsStaleListeners(t *testing.T) {
	p := New()
	port := &fakePort{addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}}
	p.Update([]Port{port})
	require.True(t, p.HasActiveListeners())

	p.Update(nil)
	require.False(t, p.HasActiveListeners())
}

// TestPoolSelectDeliversEveryConnection dials several connections back to
// back against a single bound listener and asserts Select() hands back
// every one of them under index 0, with no connection ever accepted into a
// channel nobody reads (the failure mode a per-call accept fan-out has).
func TestPoolSelectDeliversEveryConnection(t *testing.T) {
	p := New()
	port := &fakePort{addr: &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}}
	p.Update([]Port{port})
	defer p.Update(nil)

	p.mu.Lock()
	var bound *net.TCPAddr
	for _, l := range p.listeners {
		bound = l.addr
	}
	p.mu.Unlock()
	require.NotNil(t, bound)

	const n = 5
	for i := 0; i < n; i++ {
		conn, err := net.DialTCP("tcp", nil, bound)
		require.NoError(t, err)
		defer conn.Close()
	}

	seen := 0
	for i := 0; i < n; i++ {
		idx, conn, ok := p.Select()
		require.True(t, ok)
		require.Equal(t, 0, idx)
		require.NotNil(t, conn)
		conn.Close()
		seen++
	}
	require.Equal(t, n, seen, "every accepted connection must be delivered exactly once")
}

// TestPoolSelectIndexTracksReconciliation confirms the index a connection
// is reported under reflects the listener's current position, even when
// the accept goroutine predates the most recent Update call.
func TestPoolSelectIndexTracksReconciliation(t *testing.T) {
	p := New()
	portA := &fakePort{addr: freeTCPAddr(t)}
	portB := &fakePort{addr: freeTCPAddr(t)}
	p.Update([]Port{portA, portB})
	defer p.Update(nil)

	p.mu.Lock()
	l, ok := p.listeners[portA.addr.String()]
	p.mu.Unlock()
	require.True(t, ok)

	// Reconcile again with portA now second in the list; its pre-existing
	// accept goroutine must report the new index on the next connection.
	p.Update([]Port{portB, portA})
	require.Equal(t, int32(1), l.index.Load())
}
