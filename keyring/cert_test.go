package keyring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oldani/taxy/taxyapi"
)

func TestNewSelfSignedLocalhost(t *testing.T) {
	localhost, err := taxyapi.ParseSubjectName("localhost")
	require.NoError(t, err)
	loopback, err := taxyapi.ParseSubjectName("127.0.0.1")
	require.NoError(t, err)

	cert, err := NewSelfSigned([]taxyapi.SubjectName{localhost, loopback})
	require.NoError(t, err)

	require.True(t, cert.IsValid())
	require.True(t, cert.HasSubjectName(localhost))
	require.False(t, cert.HasSubjectName(loopback), "only the leaf's DNS-name SANs are collected, not its IP SANs")
	require.Len(t, cert.ID(), certIDLength)

	tlsCert, err := cert.Certified()
	require.NoError(t, err)
	require.NotEmpty(t, tlsCert.Certificate)
}

func TestParseRoundTripsSelfSigned(t *testing.T) {
	name, err := taxyapi.ParseSubjectName("example.com")
	require.NoError(t, err)

	original, err := NewSelfSigned([]taxyapi.SubjectName{name})
	require.NoError(t, err)

	reparsed, err := Parse(original.rawChain, original.rawKey)
	require.NoError(t, err)

	require.Equal(t, original.Fingerprint(), reparsed.Fingerprint(), "fingerprint must be deterministic across re-parses of the same bytes")
	require.Equal(t, original.ID(), reparsed.ID())
}

func TestParseMetadataComment(t *testing.T) {
	chain := []byte("# acme_id=abc123&created_at=1700000000&is_trusted=true\n-----BEGIN CERTIFICATE-----\n")
	meta := parseMetadataComment(chain)
	require.NotNil(t, meta)
	require.Equal(t, "abc123", meta.AcmeID)
	require.True(t, meta.IsTrusted)
}

func TestParseMetadataCommentAbsent(t *testing.T) {
	chain := []byte("-----BEGIN CERTIFICATE-----\n")
	require.Nil(t, parseMetadataComment(chain))
}

func TestParseInvalidCertificate(t *testing.T) {
	_, err := Parse([]byte("not a pem chain"), []byte("not a pem key"))
	require.Error(t, err)
	var apiErr *taxyapi.Error
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, taxyapi.ErrFailedToReadCertificate, apiErr.Kind)
}
