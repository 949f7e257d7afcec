// Package listener owns bound TCP sockets and reconciles them against the
// operator's current set of port contexts on every Update call, following
// the teacher's own listener-hotswap idiom (caddy's fakeCloseListener /
// listenerPool in listen.go and listeners.go) specialized to the simpler
// diff-and-rebind contract the spec describes in §4.6, rather than caddy's
// full usage-counted cross-reload socket sharing (which solves a problem —
// sharing one socket across independently reloading app configs — this
// module does not have, since PortContext.Apply already preserves identity
// across edits at the port-context layer).
package listener

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/oldani/taxy/proxy"
	"github.com/oldani/taxy/taxylog"
	"go.uber.org/zap"
)

// reservedAddr is the synthetic HTTP-01 challenge binding the pool adds
// when challenges are enabled and no configured port already binds 80
// (§4.6 step 2, §6).
var reservedAddr = &net.TCPAddr{IP: net.IPv4zero, Port: 80}

// Port is the subset of *proxy.PortContext the pool needs: its listen
// address and the ability to receive socket-state events. Declared as an
// interface so the pool package doesn't import proxy's full surface.
type Port interface {
	ListenAddr() *net.TCPAddr
	Event(proxy.Event)
}

// acceptResult is one completed Accept() from a single listener's dedicated
// accept goroutine, tagged with that listener's current port index.
type acceptResult struct {
	index int
	conn  net.Conn
}

// Pool owns the set of bound sockets and multiplexes accept readiness
// across all of them (§4.6). Each bound listener has exactly one long-lived
// accept goroutine for its lifetime, feeding the pool's single shared
// result channel — so every connection the kernel hands back is read
// exactly once by Select, never raced for or dropped on the floor (§9
// "cancellation-safe: if not polled to completion, no stream is lost
// silently").
type Pool struct {
	mu             sync.Mutex
	listeners      map[string]*indexedListener // keyed by local address string
	httpChallenges bool

	accepted chan acceptResult
	logger   *zap.Logger
}

type indexedListener struct {
	index atomic.Int32
	inner *net.TCPListener
	addr  *net.TCPAddr
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{
		listeners: make(map[string]*indexedListener),
		accepted:  make(chan acceptResult),
		logger:    taxylog.Named("listener"),
	}
}

// SetHTTPChallenges enables or disables the synthetic 0.0.0.0:80 reservation
// used to satisfy HTTP-01 challenges (§6).
func (p *Pool) SetHTTPChallenges(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.httpChallenges = enabled
}

// HasActiveListeners reports whether the pool currently owns any bound
// socket.
func (p *Pool) HasActiveListeners() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners) > 0
}

// Update reconciles the pool's bound sockets against ports (§4.6 steps 1–6):
// it drops listeners whose address is no longer desired, reuses or binds
// listeners for every desired address (adding the synthetic reserved
// address if HTTP-01 challenges are enabled and nothing already binds 80),
// assigns each an index equal to its position in the combined iteration
// (configured ports first, reserved last), and delivers a SocketStateUpdated
// event to every port context with the resolved state. Every newly bound
// listener gets its own accept goroutine, started once and kept running for
// as long as the listener stays open.
//
// Calling Update twice with an unchanged ports slice produces the same set
// of bound addresses and the same (index -> address) mapping (§8
// "reconciliation idempotence"): the retain/reuse path below never rebinds
// an address that is already open, and never spawns a second accept
// goroutine for it.
func (p *Pool) Update(ports []Port) {
	p.mu.Lock()
	defer p.mu.Unlock()

	desired := make([]*net.TCPAddr, 0, len(ports)+1)
	for _, port := range ports {
		desired = append(desired, port.ListenAddr())
	}

	reserve := p.httpChallenges && !addrListed(desired, reservedAddr)
	if reserve {
		desired = append(desired, reservedAddr)
	}

	desiredSet := make(map[string]bool, len(desired))
	for _, a := range desired {
		desiredSet[a.String()] = true
	}

	for key, l := range p.listeners {
		if !desiredSet[key] {
			_ = l.inner.Close()
			delete(p.listeners, key)
		}
	}

	for i, addr := range desired {
		key := addr.String()
		var state proxy.SocketState
		if existing, ok := p.listeners[key]; ok {
			existing.index.Store(int32(i))
			state = proxy.SocketListening
		} else {
			ln, err := net.ListenTCP("tcp", addr)
			if err != nil {
				state = mapBindError(err)
				p.logger.Error("failed to listen", zap.Stringer("bind", addr), zap.Error(err))
			} else {
				p.logger.Info("listening", zap.Stringer("bind", addr))
				l := &indexedListener{inner: ln, addr: addr}
				l.index.Store(int32(i))
				p.listeners[key] = l
				go p.acceptLoop(l)
				state = proxy.SocketListening
			}
		}
		if i < len(ports) {
			ports[i].Event(proxy.Event{SocketStateUpdated: state})
		}
	}
}

// acceptLoop runs for the entire lifetime of one bound listener: it accepts
// connections in a tight loop and feeds each one, tagged with the
// listener's current index, to the pool's shared result channel. It exits
// only once the listener is closed (by Update dropping a stale address),
// at which point Accept returns net.ErrClosed and there is nothing left to
// forward.
func (p *Pool) acceptLoop(l *indexedListener) {
	for {
		conn, err := l.inner.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Debug("accept error", zap.Stringer("bind", l.addr), zap.Error(err))
			continue
		}
		p.accepted <- acceptResult{index: int(l.index.Load()), conn: conn}
	}
}

func addrListed(addrs []*net.TCPAddr, target *net.TCPAddr) bool {
	for _, a := range addrs {
		if a.Port == target.Port && (a.IP.IsUnspecified() || target.IP.IsUnspecified()) {
			return true
		}
	}
	return false
}

func mapBindError(err error) proxy.SocketState {
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		return proxy.SocketPortAlreadyInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return proxy.SocketPermissionDenied
	case errors.Is(err, syscall.EADDRNOTAVAIL):
		return proxy.SocketAddressNotAvailable
	default:
		return proxy.SocketError
	}
}

// Select returns the next ready (index, conn) pair across every live
// listener's accept goroutine, blocking until one arrives. Unlike a
// per-call fan-out, no accepted connection is ever left stranded in a
// channel nobody reads again: every listener has exactly one goroutine and
// one destination channel for its entire lifetime (§4.6 "select()").
func (p *Pool) Select() (int, net.Conn, bool) {
	p.mu.Lock()
	empty := len(p.listeners) == 0
	p.mu.Unlock()
	if empty {
		return 0, nil, false
	}

	r := <-p.accepted
	return r.index, r.conn, true
}
