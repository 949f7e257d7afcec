package proxy

import (
	"crypto/tls"
	"fmt"

	"github.com/oldani/taxy/keyring"
	"github.com/oldani/taxy/taxyapi"
	"github.com/oldani/taxy/taxylog"
	"go.uber.org/zap"
)

// TLSTermination is the per-port container that materializes a dynamic,
// SNI-dispatching TLS acceptor from the live keyring (§4.4). It mirrors the
// teacher's caddytls.Config in spirit — a thin wrapper that owns a
// *tls.Config whose GetCertificate callback walks the keyring on every
// handshake rather than snapshotting certificates at setup time, so a
// Refresh always takes effect for in-flight negotiations that haven't
// called GetCertificate yet.
type TLSTermination struct {
	// ServerNames restricts which SNI values this termination answers for.
	// An empty slice means "accept whatever SNI is requested" (the keyring
	// lookup is still subject-name scoped per certificate).
	ServerNames []taxyapi.SubjectName

	acceptor *tls.Config
	keyring  *keyring.Keyring
}

// NewTLSTermination constructs a termination block for the given server
// names. The acceptor is not built until Setup is called.
func NewTLSTermination(names []taxyapi.SubjectName) *TLSTermination {
	return &TLSTermination{ServerNames: names}
}

// Setup builds the acceptor from the current keyring (§4.4, §4.5 step 2).
func (t *TLSTermination) Setup(kr *keyring.Keyring) error {
	t.keyring = kr
	t.acceptor = &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: t.getCertificate,
	}
	return nil
}

// Refresh rebuilds the acceptor atomically after a keyring mutation,
// without dropping in-flight handshakes: since GetCertificate reads t.keyring
// on every call, swapping the pointer is enough — any handshake already
// past GetCertificate keeps running on the tls.Certificate it already
// chose, and any handshake not yet at that point sees the new keyring.
func (t *TLSTermination) Refresh(kr *keyring.Keyring) error {
	t.keyring = kr
	return nil
}

// Acceptor returns the live *tls.Config, or nil if Setup has not run yet.
func (t *TLSTermination) Acceptor() *tls.Config {
	return t.acceptor
}

// getCertificate implements tls.Config.GetCertificate: it selects the first
// certificate from the keyring's sorted Certs() view that is currently
// valid and has a matching subject name for the ClientHello's SNI. When
// ServerNames is non-empty, an SNI that none of them matches is refused
// before the keyring is consulted. If no certificate is found, the returned
// error makes crypto/tls fail the handshake with an internal_error alert.
func (t *TLSTermination) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if t.keyring == nil {
		return nil, fmt.Errorf("tls termination: no keyring configured")
	}
	query, err := taxyapi.ParseSubjectName(hello.ServerName)
	if err != nil {
		taxylog.Named("tls").Debug("unparseable SNI", zap.String("sni", hello.ServerName), zap.Error(err))
		return nil, fmt.Errorf("unrecognized server name")
	}
	if len(t.ServerNames) > 0 {
		allowed := false
		for _, n := range t.ServerNames {
			if n.Matches(query) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("server name %q is not served by this port", hello.ServerName)
		}
	}
	for _, cert := range t.keyring.Certs() {
		if !cert.IsValid() {
			continue
		}
		if !cert.HasSubjectName(query) {
			continue
		}
		return cert.Certified()
	}
	return nil, fmt.Errorf("no certificate found for %q", hello.ServerName)
}
