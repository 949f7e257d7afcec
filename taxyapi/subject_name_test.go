package taxyapi

import "testing"

import "github.com/stretchr/testify/require"

func TestParseSubjectName(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"example.com", false},
		{"*.example.com", false},
		{"192.0.2.1", false},
		{"::1", false},
		{"", true},
		{"Example.com", true},
		{"exa mple.com", true},
		{"*.", true},
		{"a..b", true},
	}
	for _, tc := range cases {
		_, err := ParseSubjectName(tc.in)
		if tc.wantErr {
			require.Error(t, err, tc.in)
		} else {
			require.NoError(t, err, tc.in)
		}
	}
}

func TestSubjectNameMatches(t *testing.T) {
	wildcard, err := ParseSubjectName("*.example.com")
	require.NoError(t, err)

	concrete, err := ParseSubjectName("foo.example.com")
	require.NoError(t, err)

	nested, err := ParseSubjectName("bar.foo.example.com")
	require.NoError(t, err)

	require.True(t, wildcard.Matches(concrete))
	require.False(t, wildcard.Matches(nested), "wildcard must not match a second level deep")

	exact, err := ParseSubjectName("example.com")
	require.NoError(t, err)
	require.True(t, exact.Matches(exact))
	require.False(t, exact.Matches(concrete))

	ip1, err := ParseSubjectName("192.0.2.1")
	require.NoError(t, err)
	ip2, err := ParseSubjectName("192.0.2.1")
	require.NoError(t, err)
	require.True(t, ip1.Matches(ip2))
}

func TestSubjectNameRoundTrip(t *testing.T) {
	n, err := ParseSubjectName("*.example.com")
	require.NoError(t, err)
	text, err := n.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "*.example.com", string(text))

	var back SubjectName
	require.NoError(t, back.UnmarshalText(text))
	require.True(t, n.Equal(back))
}
