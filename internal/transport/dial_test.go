package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseServerURL_BareHostPort(t *testing.T) {
	addrs, err := ParseServerURL("localhost:9000", 7000)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	require.Contains(t, addrs[0].Host, "9000")
}

func TestParseServerURL_DefaultPort(t *testing.T) {
	addrs, err := ParseServerURL("tcp://localhost", 7000)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	require.Contains(t, addrs[0].Host, "7000")
}

func TestParseServerURL_PasswordFromUserinfo(t *testing.T) {
	addrs, err := ParseServerURL("tcp://secret@localhost:9000", 7000)
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	require.Equal(t, "secret", addrs[0].Password)
}

func TestParseServerURL_RejectsNonTCPScheme(t *testing.T) {
	_, err := ParseServerURL("http://localhost:9000", 7000)
	require.Error(t, err)
}

func TestParseServerURL_RejectsPath(t *testing.T) {
	_, err := ParseServerURL("tcp://localhost:9000/some/path", 7000)
	require.Error(t, err)
}

func TestParseServerURL_RejectsUnresolvableHost(t *testing.T) {
	_, err := ParseServerURL("tcp://this-host-does-not-resolve.invalid:9000", 7000)
	require.Error(t, err)
}
