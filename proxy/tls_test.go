package proxy

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oldani/taxy/keyring"
	"github.com/oldani/taxy/taxyapi"
)

func TestTLSTerminationGetCertificateMatchesSNI(t *testing.T) {
	name, err := taxyapi.ParseSubjectName("example.com")
	require.NoError(t, err)
	cert, err := keyring.NewSelfSigned([]taxyapi.SubjectName{name})
	require.NoError(t, err)

	kr := keyring.New(cert)
	term := NewTLSTermination([]taxyapi.SubjectName{name})
	require.NoError(t, term.Setup(kr))

	got, err := term.Acceptor().GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestTLSTerminationGetCertificateNoMatch(t *testing.T) {
	kr := keyring.New()
	term := NewTLSTermination(nil)
	require.NoError(t, term.Setup(kr))

	_, err := term.Acceptor().GetCertificate(&tls.ClientHelloInfo{ServerName: "nowhere.example"})
	require.Error(t, err)
}

func TestTLSTerminationRefreshSwapsKeyringLive(t *testing.T) {
	name, err := taxyapi.ParseSubjectName("example.com")
	require.NoError(t, err)

	term := NewTLSTermination([]taxyapi.SubjectName{name})
	require.NoError(t, term.Setup(keyring.New()))

	_, err = term.Acceptor().GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.Error(t, err, "empty keyring must not satisfy the handshake")

	cert, err := keyring.NewSelfSigned([]taxyapi.SubjectName{name})
	require.NoError(t, err)
	require.NoError(t, term.Refresh(keyring.New(cert)))

	_, err = term.Acceptor().GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	require.NoError(t, err, "refresh must take effect without rebuilding the acceptor")
}
