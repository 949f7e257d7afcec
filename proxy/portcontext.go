package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oldani/taxy/keyring"
	"github.com/oldani/taxy/netaddr"
	"github.com/oldani/taxy/taxyapi"
	"github.com/oldani/taxy/taxylog"
	"go.uber.org/zap"
)

// PortEntry is the operator-supplied configuration for one port: a listen
// multi-address, a list of upstream multi-addresses, and an optional set of
// server names the TLS termination for this port should answer SNI for.
// This is the plain Go struct an external config loader (out of scope, §1)
// populates before handing it to NewPortContext.
type PortEntry struct {
	ID                string
	Listen            string
	Upstreams         []string
	TLSServerNames    []string // read only when HasTLSTermination is set
	HasTLSTermination bool     // requests TLS termination for this port
}

// PortContext is the runtime state machine for one operator-configured
// listen endpoint (§4.5): listen address, upstream list, status, optional
// TLS termination, optional shared outbound TLS client config, round-robin
// counter, and the stop signal shared with every forwarder it spawns.
//
// A PortContext is mutated only on the control goroutine during Event,
// Setup, Refresh and Apply (§5) — no mutex guards these fields, matching
// the single-task-owns-mutable-state rule.
type PortContext struct {
	ID     string
	Listen netaddr.Listen

	servers         []Connection
	status          PortStatus
	tlsTermination  *TLSTermination
	tlsClientConfig *tls.Config

	roundRobinCounter uint64 // accessed atomically by StartProxy and Apply
	stopNotifier      *notifier

	logger *zap.Logger
}

// NewPortContext constructs a PortContext from a port entry (§4.5 step 1):
// parses the listen address, parses each upstream into a Connection, and
// builds a TLS termination block if one is declared or the listen stack
// ends in /tls (in which case an absent termination block is fatal).
func NewPortContext(entry PortEntry) (*PortContext, error) {
	listen, err := netaddr.ParseListen(entry.Listen)
	if err != nil {
		return nil, err
	}

	servers := make([]Connection, 0, len(entry.Upstreams))
	for _, raw := range entry.Upstreams {
		u, err := netaddr.ParseUpstream(raw)
		if err != nil {
			return nil, err
		}
		servers = append(servers, NewConnection(u))
	}

	var termination *TLSTermination
	switch {
	case entry.HasTLSTermination:
		names := make([]taxyapi.SubjectName, 0, len(entry.TLSServerNames))
		for _, s := range entry.TLSServerNames {
			n, err := taxyapi.ParseSubjectName(s)
			if err != nil {
				return nil, taxyapi.NewError(taxyapi.ErrInvalidListeningAddress, err)
			}
			names = append(names, n)
		}
		termination = NewTLSTermination(names)
	case listen.TLS:
		return nil, taxyapi.NewError(taxyapi.ErrTLSTerminationConfigMissing, nil)
	}

	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	return &PortContext{
		ID:             id,
		Listen:         listen,
		servers:        servers,
		tlsTermination: termination,
		stopNotifier:   newNotifier(),
		logger:         taxylog.Named("proxy").With(zap.String("resource_id", id), zap.Stringer("listen", listenStringer{listen})),
	}, nil
}

type listenStringer struct{ netaddr.Listen }

func (l listenStringer) String() string {
	return l.SocketAddr().String()
}

// Setup lazily builds the shared outbound TLS client config (if any
// upstream requires outbound TLS) and provisions the TLS termination
// acceptor from the keyring (§4.5 step 2). Loading the platform trust
// store is best-effort: individual root failures are warnings, not fatal,
// trading a possibly smaller trust set for availability in constrained
// environments (§9).
func (p *PortContext) Setup(kr *keyring.Keyring) error {
	useTLS := false
	for _, s := range p.servers {
		if s.TLS {
			useTLS = true
			break
		}
	}
	if p.tlsClientConfig == nil && useTLS {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			p.logger.Warn("failed to load platform trust store, starting with an empty pool", zap.Error(err))
			pool = x509.NewCertPool()
		}
		p.tlsClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	if p.tlsTermination != nil {
		if err := p.tlsTermination.Setup(kr); err != nil {
			ready := TLSFailed
			p.status.TLS = &ready
			return err
		}
		ready := TLSReady
		p.status.TLS = &ready
	}
	return nil
}

// Refresh re-runs TLS termination setup using the updated keyring. It does
// not re-bind the socket (§4.5 step 3).
func (p *PortContext) Refresh(kr *keyring.Keyring) error {
	if p.tlsTermination == nil {
		return nil
	}
	if err := p.tlsTermination.Refresh(kr); err != nil {
		failed := TLSFailed
		p.status.TLS = &failed
		return err
	}
	ready := TLSReady
	p.status.TLS = &ready
	return nil
}

// Apply replaces the port's configuration wholesale while carrying forward
// the round-robin counter and the stop notifier (§4.5 step 4, §9 "hot
// reconfiguration"), so in-flight connections spawned before the edit still
// observe the same stop signal a subsequent Reset broadcasts on.
func (p *PortContext) Apply(next *PortContext) {
	next.roundRobinCounter = atomic.LoadUint64(&p.roundRobinCounter)
	next.stopNotifier = p.stopNotifier
	*p = *next
}

// Event applies a socket-state transition delivered by the listener pool
// (§4.5 step 5): entering Listening stamps StartedAt; leaving it clears it.
func (p *PortContext) Event(ev Event) {
	wasListening := p.status.Socket == SocketListening
	isListening := ev.SocketStateUpdated == SocketListening
	if wasListening != isListening {
		if isListening {
			now := time.Now()
			p.status.StartedAt = &now
		} else {
			p.status.StartedAt = nil
		}
	}
	p.status.Socket = ev.SocketStateUpdated
}

// Status returns the port's current observable status.
func (p *PortContext) Status() PortStatus {
	return p.status
}

// ListenAddr returns the socket address the listener pool should bind for
// this port (§4.6), satisfying listener.Port.
func (p *PortContext) ListenAddr() *net.TCPAddr {
	return p.Listen.SocketAddr()
}

// Reset broadcasts on the stop notifier, terminating every in-flight
// forwarder after its current copy batch (§4.5 step 6, §5 cancellation).
func (p *PortContext) Reset() {
	p.stopNotifier.broadcast()
}

// StartProxy dispatches an accepted connection to a newly spawned
// forwarding task (§4.7). If there are no upstreams configured, the
// connection is shut down immediately.
func (p *PortContext) StartProxy(conn net.Conn) {
	if len(p.servers) == 0 {
		_ = conn.Close()
		return
	}

	idx := atomic.AddUint64(&p.roundRobinCounter, 1) - 1
	target := p.servers[idx%uint64(len(p.servers))]

	var tlsClient *tls.Config
	if target.TLS {
		tlsClient = p.tlsClientConfig
	}
	var acceptor *tls.Config
	if p.tlsTermination != nil {
		acceptor = p.tlsTermination.Acceptor()
	}

	stop := p.stopNotifier
	logger := p.logger
	listenAddr := p.Listen.SocketAddr().String()

	go func() {
		stream := newBufStream(conn.(*net.TCPConn))
		if err := forward(forwardParams{
			logger:     logger,
			listenAddr: listenAddr,
			stream:     stream,
			conn:       target,
			tlsClient:  tlsClient,
			acceptor:   acceptor,
			stop:       stop,
		}); err != nil {
			logger.Error("forward failed", zap.Error(err))
		}
	}()
}

// notifier is a minimal broadcast-once-per-signal primitive matching the
// semantics of tokio::sync::Notify::notify_waiters: every goroutine that
// calls wait() before the next broadcast() observes it exactly once.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	close(n.ch)
	n.ch = make(chan struct{})
}
