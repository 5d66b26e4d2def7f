package middleware

import (
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteAddrExtractor(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
		wantErr    bool
	}{
		{name: "IPv4 with port", remoteAddr: "192.168.1.1:54321", want: "192.168.1.1"},
		{name: "IPv4 without port", remoteAddr: "127.0.0.1", want: "127.0.0.1"},
		{name: "IPv6 with port", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "IPv6 expanded is canonicalized", remoteAddr: "[2001:db8:0:0:0:0:0:1]:9000", want: "2001:db8::1"},
		{name: "IPv6 bracketed without port", remoteAddr: "[::1]", want: "::1"},
		{name: "IPv4-mapped IPv6", remoteAddr: "[::ffff:10.0.0.1]:80", want: "10.0.0.1"},
		{name: "hostname", remoteAddr: "example.com:80", wantErr: true},
		{name: "empty", remoteAddr: "", wantErr: true},
	}

	extractor := &RemoteAddrExtractor{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr

			ip, err := extractor.ExtractIP(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip)
		})
	}
}

func TestNewTrustedProxyConfig(t *testing.T) {
	t.Run("disabled ignores proxies", func(t *testing.T) {
		cfg, err := NewTrustedProxyConfig(false, []string{"not-an-ip"})
		require.NoError(t, err)
		assert.False(t, cfg.Enabled)
		assert.Empty(t, cfg.AllowedCIDRs)
	})

	t.Run("single IPs and ranges", func(t *testing.T) {
		cfg, err := NewTrustedProxyConfig(true, []string{"10.0.0.1", " 172.16.0.0/12", "2001:db8::/32", ""})
		require.NoError(t, err)
		assert.Equal(t, []netip.Prefix{
			netip.MustParsePrefix("10.0.0.1/32"),
			netip.MustParsePrefix("172.16.0.0/12"),
			netip.MustParsePrefix("2001:db8::/32"),
		}, cfg.AllowedCIDRs)
	})

	t.Run("invalid entry", func(t *testing.T) {
		_, err := NewTrustedProxyConfig(true, []string{"10.0.0.0/8", "nope"})
		assert.Error(t, err)
	})

	t.Run("enabled without proxies", func(t *testing.T) {
		_, err := NewTrustedProxyConfig(true, nil)
		assert.Error(t, err)
	})
}

func TestTrustedProxyExtractor(t *testing.T) {
	cfg, err := NewTrustedProxyConfig(true, []string{"10.0.0.0/8"})
	require.NoError(t, err)
	extractor := NewTrustedProxyExtractor(cfg)

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{name: "trusted uses first forwarded", remoteAddr: "10.1.2.3:443", xff: "203.0.113.7, 10.1.2.3", want: "203.0.113.7"},
		{name: "trusted falls back to X-Real-IP", remoteAddr: "10.1.2.3:443", realIP: "198.51.100.2", want: "198.51.100.2"},
		{name: "trusted with garbage headers uses peer", remoteAddr: "10.1.2.3:443", xff: "garbage", realIP: "also-garbage", want: "10.1.2.3"},
		{name: "untrusted ignores headers", remoteAddr: "192.0.2.10:5555", xff: "203.0.113.7", realIP: "198.51.100.2", want: "192.0.2.10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			ip, err := extractor.ExtractIP(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ip)
		})
	}
}

func TestNewIPExtractor(t *testing.T) {
	assert.IsType(t, &RemoteAddrExtractor{}, NewIPExtractor(TrustedProxyConfig{}))

	cfg, err := NewTrustedProxyConfig(true, []string{"10.0.0.0/8"})
	require.NoError(t, err)
	assert.IsType(t, &TrustedProxyExtractor{}, NewIPExtractor(cfg))
}
