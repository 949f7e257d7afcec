package netaddr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oldani/taxy/taxyapi"
)

func TestParseListen(t *testing.T) {
	l, err := ParseListen("/ip4/0.0.0.0/tcp/8443/tls")
	require.NoError(t, err)
	require.Equal(t, uint16(8443), l.Port)
	require.True(t, l.TLS)
	require.Equal(t, "0.0.0.0:8443", l.SocketAddr().String())

	_, err = ParseListen("/ip4/0.0.0.0/tcp/0")
	require.Error(t, err)

	_, err = ParseListen("/dns/example.com/tcp/80")
	require.Error(t, err, "dns is not a valid listen transport")

	_, err = ParseListen("ip4/0.0.0.0/tcp/80")
	require.Error(t, err, "must start with /")
}

func TestParseUpstream(t *testing.T) {
	u, err := ParseUpstream("/dns/example.com/tcp/443/tls")
	require.NoError(t, err)
	require.True(t, u.TLS)
	require.Equal(t, uint16(443), u.Port)

	want, err := taxyapi.ParseSubjectName("example.com")
	require.NoError(t, err)
	require.True(t, u.Name.Equal(want))

	_, err = ParseUpstream("/ip4/203.0.113.5/tcp/80")
	require.NoError(t, err)
}

func TestHasTrailingTLS(t *testing.T) {
	require.True(t, HasTrailingTLS("/ip4/0.0.0.0/tcp/8443/tls"))
	require.False(t, HasTrailingTLS("/ip4/0.0.0.0/tcp/8443"))
	require.False(t, HasTrailingTLS("not-an-address"))
}
