// Package taxyapi holds the wire-facing data types shared between the
// keyring, the TLS termination layer and whatever external admin API a
// caller wires on top of this module: subject names, certificate and ACME
// projections, and the closed set of error kinds the core can produce.
package taxyapi

import (
	"fmt"
	"net"
	"strings"
)

// SubjectName is a parsed SNI match key / certificate SAN: either an exact
// DNS name, a wildcard DNS name (single leading label elided), or an IP
// literal. Parsing rejects uppercase, empty labels, non-ASCII input and any
// DNS character other than a-z, 0-9, '-', '_' and '.', so that equality is
// always a plain structural comparison.
type SubjectName struct {
	kind subjectKind
	dns  string // exact or wildcard suffix, lowercase, without the "*."
	ip   net.IP
}

type subjectKind int

const (
	kindDNS subjectKind = iota
	kindWildcard
	kindIP
)

// ParseSubjectName parses s as either a DNS name (optionally wildcarded with
// a leading "*.") or an IPv4/IPv6 literal.
func ParseSubjectName(s string) (SubjectName, error) {
	if s == "" {
		return SubjectName{}, fmt.Errorf("subject name: empty")
	}
	if ip := net.ParseIP(s); ip != nil {
		return SubjectName{kind: kindIP, ip: ip}, nil
	}
	if !isASCII(s) {
		return SubjectName{}, fmt.Errorf("subject name %q: non-ASCII", s)
	}
	name := s
	kind := kindDNS
	if strings.HasPrefix(name, "*.") {
		kind = kindWildcard
		name = name[2:]
	}
	if name == "" {
		return SubjectName{}, fmt.Errorf("subject name %q: empty after wildcard", s)
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return SubjectName{}, fmt.Errorf("subject name %q: empty label", s)
		}
	}
	if strings.ToLower(name) != name {
		return SubjectName{}, fmt.Errorf("subject name %q: must be lowercase", s)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' || c == '_' || c == '.') {
			return SubjectName{}, fmt.Errorf("subject name %q: invalid character %q", s, c)
		}
	}
	return SubjectName{kind: kind, dns: name}, nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

// IsIP reports whether n is an IP-literal subject name.
func (n SubjectName) IsIP() bool { return n.kind == kindIP }

// IP returns the parsed IP literal, or nil if n is not an IP subject name.
func (n SubjectName) IP() net.IP {
	if n.kind != kindIP {
		return nil
	}
	return n.ip
}

// IsWildcard reports whether n is a wildcard DNS subject name.
func (n SubjectName) IsWildcard() bool { return n.kind == kindWildcard }

// String renders n back to its canonical textual form.
func (n SubjectName) String() string {
	switch n.kind {
	case kindIP:
		return n.ip.String()
	case kindWildcard:
		return "*." + n.dns
	default:
		return n.dns
	}
}

// Equal reports structural equality between two subject names.
func (n SubjectName) Equal(other SubjectName) bool {
	if n.kind != other.kind {
		return false
	}
	switch n.kind {
	case kindIP:
		return n.ip.Equal(other.ip)
	default:
		return n.dns == other.dns
	}
}

// Matches reports whether n (typically parsed from a certificate SAN)
// satisfies an SNI lookup for query, per the rules in §4.2 of the spec:
// exact DNS match, wildcard-cert-vs-concrete-name (first label stripped),
// wildcard-vs-wildcard exact, and exact IP match. Non-matching kind pairs
// never match.
func (n SubjectName) Matches(query SubjectName) bool {
	switch {
	case n.kind == kindDNS && query.kind == kindDNS:
		return n.dns == query.dns
	case n.kind == kindWildcard && query.kind == kindDNS:
		return n.dns == stripFirstLabel(query.dns)
	case n.kind == kindWildcard && query.kind == kindWildcard:
		return n.dns == query.dns
	case n.kind == kindIP && query.kind == kindIP:
		return n.ip.Equal(query.ip)
	default:
		return false
	}
}

func stripFirstLabel(name string) string {
	i := strings.IndexByte(name, '.')
	if i < 0 {
		return ""
	}
	return name[i+1:]
}

// MarshalText implements encoding.TextMarshaler so SubjectName round-trips
// through JSON as a plain string, the way the original Rust type does via serde.
func (n SubjectName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *SubjectName) UnmarshalText(text []byte) error {
	parsed, err := ParseSubjectName(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}
