package keyring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oldani/taxy/taxyapi"
)

func selfSigned(t *testing.T, domain string, trusted bool) *Cert {
	t.Helper()
	name, err := taxyapi.ParseSubjectName(domain)
	require.NoError(t, err)
	c, err := NewSelfSigned([]taxyapi.SubjectName{name})
	require.NoError(t, err)
	if trusted {
		c.metadata = &taxyapi.CertMetadata{IsTrusted: true}
	}
	return c
}

func TestKeyringCertsSortedAndFiltered(t *testing.T) {
	a := selfSigned(t, "a.example.com", false)
	b := selfSigned(t, "b.example.com", true)

	acme := NewAcmeEntry(taxyapi.AcmeRequest{Provider: "letsencrypt"}, nil)

	kr := New(a, b, acme)
	sorted := kr.Certs()
	require.Len(t, sorted, 2)
	require.True(t, sorted[0] == b, "trusted cert must sort first")
}

func TestKeyringAddDeleteRoundTrip(t *testing.T) {
	kr := New()
	c := selfSigned(t, "example.com", false)
	kr.Add(c)

	got, ok := kr.Delete(c.ID())
	require.True(t, ok)
	require.Equal(t, c.ID(), got.ID())

	_, ok = kr.Delete(c.ID())
	require.False(t, ok, "deleting twice must report absence")
}

func TestFindServerCertsByAcme(t *testing.T) {
	c := selfSigned(t, "example.com", false)
	c.metadata = &taxyapi.CertMetadata{AcmeID: "acct-1"}

	other := selfSigned(t, "other.example.com", false)

	kr := New(c, other)
	matches := kr.FindServerCertsByAcme("acct-1")
	require.Len(t, matches, 1)
	require.Equal(t, c.ID(), matches[0].ID())
}

func TestKeyringList(t *testing.T) {
	cert := selfSigned(t, "example.com", false)
	entry := NewAcmeEntry(taxyapi.AcmeRequest{Provider: "letsencrypt"}, nil)

	kr := New(cert, entry)
	list := kr.List()
	require.Len(t, list, 2)
	require.True(t, list[0].ID() <= list[1].ID(), "List must be sorted by identifier ascending")
}
