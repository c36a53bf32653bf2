package netx

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withAddrs(t *testing.T, addrs []net.Addr, err error) {
	t.Helper()
	orig := interfaceAddrs
	interfaceAddrs = func() ([]net.Addr, error) { return addrs, err }
	t.Cleanup(func() { interfaceAddrs = orig })
}

func ipnet(s string) *net.IPNet {
	return &net.IPNet{IP: net.ParseIP(s), Mask: net.CIDRMask(24, 32)}
}

func TestPort(t *testing.T) {
	p, err := Port(":47321")
	require.NoError(t, err)
	assert.Equal(t, 47321, p)

	for _, bad := range []string{"47321", ":0", ":x", "host:70000"} {
		_, err := Port(bad)
		assert.Error(t, err, bad)
	}
}

func TestAdvertisedAddress(t *testing.T) {
	withAddrs(t, []net.Addr{
		ipnet("127.0.0.1"),
		ipnet("169.254.1.1"),
		ipnet("203.0.113.5"),
		ipnet("192.168.1.20"),
	}, nil)

	tests := []struct {
		listen string
		want   string
	}{
		{":47321", "192.168.1.20:47321"},
		{"0.0.0.0:47321", "192.168.1.20:47321"},
		{"10.0.0.7:5000", "10.0.0.7:5000"},
		{"notebook.local:5000", "notebook.local:5000"},
	}
	for _, tt := range tests {
		got, err := AdvertisedAddress(tt.listen)
		require.NoError(t, err, tt.listen)
		assert.Equal(t, tt.want, got, tt.listen)
	}
}

func TestLANAddress_Fallback(t *testing.T) {
	withAddrs(t, []net.Addr{ipnet("127.0.0.1"), ipnet("203.0.113.5")}, nil)
	ip, err := LANAddress()
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.5", ip.String())
}

func TestLANAddress_None(t *testing.T) {
	withAddrs(t, []net.Addr{ipnet("127.0.0.1")}, nil)
	_, err := LANAddress()
	assert.ErrorIs(t, err, ErrNoLANAddress)

	withAddrs(t, nil, errors.New("boom"))
	_, err = LANAddress()
	assert.Error(t, err)
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "10.0.0.1", HostOf("10.0.0.1:443"))
	assert.Equal(t, "10.0.0.1", HostOf("10.0.0.1"))
}
