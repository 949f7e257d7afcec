// Package netaddr parses the multi-layer listen and upstream address
// strings the spec's §4.1/§6 grammar describes:
//
//	/ip4/A.B.C.D/tcp/P[/tls]
//	/ip6/.../tcp/P[/tls]
//	/dns/NAME/tcp/P[/tls]   (upstream only)
//
// This is a small, purpose-built parser in the spirit of the teacher's own
// ParseNetworkAddress in listeners.go (segment-by-segment validation with
// semantic errors), generalized to the libp2p-multiaddr-flavored stack
// syntax the original Rust implementation used — no Go library in the
// examples pack implements that grammar, so it is hand-rolled here rather
// than pulled in from the ecosystem.
package netaddr

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/oldani/taxy/taxyapi"
)

// Listen is a parsed listen address: an IP host, a TCP port, and whether the
// port entry declares inbound TLS termination.
type Listen struct {
	Addr net.IP
	Port uint16
	TLS  bool
}

// SocketAddr renders the parsed listen address as a Go net.TCPAddr.
func (l Listen) SocketAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: l.Addr, Port: int(l.Port)}
}

// Upstream is a parsed upstream address: either an IP literal or a DNS name,
// a TCP port, and whether the connection to this upstream uses outbound TLS.
type Upstream struct {
	Name taxyapi.SubjectName
	Port uint16
	TLS  bool
}

// ParseListen parses a listen multi-address of the form
// /ip4/A.B.C.D/tcp/P[/tls] or /ip6/.../tcp/P[/tls].
func ParseListen(addr string) (Listen, error) {
	stack, err := splitStack(addr)
	if err != nil {
		return Listen{}, taxyapi.NewError(taxyapi.ErrInvalidListeningAddress, err)
	}
	tls := trimTrailingTLS(&stack)

	if len(stack) != 4 || stack[2] != "tcp" {
		return Listen{}, taxyapi.NewError(taxyapi.ErrInvalidListeningAddress,
			fmt.Errorf("malformed listen address %q", addr))
	}

	var ip net.IP
	switch stack[0] {
	case "ip4":
		ip = net.ParseIP(stack[1]).To4()
	case "ip6":
		ip = net.ParseIP(stack[1]).To16()
	default:
		return Listen{}, taxyapi.NewError(taxyapi.ErrInvalidListeningAddress,
			fmt.Errorf("unsupported transport %q in %q", stack[0], addr))
	}
	if ip == nil {
		return Listen{}, taxyapi.NewError(taxyapi.ErrInvalidListeningAddress,
			fmt.Errorf("invalid IP literal in %q", addr))
	}

	port, err := parsePort(stack[3])
	if err != nil {
		return Listen{}, taxyapi.NewError(taxyapi.ErrInvalidListeningAddress, err)
	}

	return Listen{Addr: ip, Port: port, TLS: tls}, nil
}

// ParseUpstream parses an upstream multi-address of the form
// /ip4|ip6/ADDR/tcp/P[/tls] or /dns/NAME/tcp/P[/tls].
func ParseUpstream(addr string) (Upstream, error) {
	stack, err := splitStack(addr)
	if err != nil {
		return Upstream{}, taxyapi.NewError(taxyapi.ErrInvalidServerAddress, err)
	}
	tls := trimTrailingTLS(&stack)

	if len(stack) != 4 || stack[2] != "tcp" {
		return Upstream{}, taxyapi.NewError(taxyapi.ErrInvalidServerAddress,
			fmt.Errorf("malformed upstream address %q", addr))
	}

	port, err := parsePort(stack[3])
	if err != nil {
		return Upstream{}, taxyapi.NewError(taxyapi.ErrInvalidServerAddress, err)
	}

	var name taxyapi.SubjectName
	switch stack[0] {
	case "ip4", "ip6":
		name, err = taxyapi.ParseSubjectName(stack[1])
	case "dns":
		name, err = taxyapi.ParseSubjectName(stack[1])
	default:
		return Upstream{}, taxyapi.NewError(taxyapi.ErrInvalidServerAddress,
			fmt.Errorf("unsupported transport %q in %q", stack[0], addr))
	}
	if err != nil {
		return Upstream{}, taxyapi.NewError(taxyapi.ErrInvalidServerAddress, err)
	}

	return Upstream{Name: name, Port: port, TLS: tls}, nil
}

// HasTrailingTLS reports whether the raw multi-address stack ends in /tls,
// without otherwise validating the rest of the stack, so it answers even for
// an address that ParseListen rejects for unrelated reasons.
func HasTrailingTLS(addr string) bool {
	stack, err := splitStack(addr)
	if err != nil {
		return false
	}
	return len(stack) > 0 && stack[len(stack)-1] == "tls"
}

func splitStack(addr string) ([]string, error) {
	if !strings.HasPrefix(addr, "/") {
		return nil, fmt.Errorf("address %q must start with '/'", addr)
	}
	parts := strings.Split(addr, "/")[1:]
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("address %q has an empty segment", addr)
		}
	}
	return parts, nil
}

func trimTrailingTLS(stack *[]string) bool {
	s := *stack
	if len(s) > 0 && s[len(s)-1] == "tls" {
		*stack = s[:len(s)-1]
		return true
	}
	return false
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must not be zero")
	}
	return uint16(n), nil
}
