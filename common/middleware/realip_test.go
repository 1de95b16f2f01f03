package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrustedProxies_Resolve(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", " "})
	require.NoError(t, err)

	tests := []struct {
		name       string
		proxies    *TrustedProxies
		xff        []string
		realIP     string
		remoteAddr string
		want       string
	}{
		{name: "untrusted peer ignores forwarded for", proxies: proxies, xff: []string{"203.0.113.7"}, remoteAddr: "198.51.100.20:443", want: "198.51.100.20"},
		{name: "untrusted peer ignores real ip", proxies: proxies, realIP: "203.0.113.7", remoteAddr: "198.51.100.20:443", want: "198.51.100.20"},
		{name: "no proxies configured", xff: []string{"203.0.113.7"}, remoteAddr: "10.0.0.2:1234", want: "10.0.0.2"},
		{name: "client behind one proxy", proxies: proxies, xff: []string{"203.0.113.7"}, remoteAddr: "10.0.0.2:1234", want: "203.0.113.7"},
		{name: "proxy chain", proxies: proxies, xff: []string{"203.0.113.7, 10.0.0.1"}, remoteAddr: "10.0.0.2:1234", want: "203.0.113.7"},
		{name: "spoofed leading hop", proxies: proxies, xff: []string{"1.2.3.4, 203.0.113.7"}, remoteAddr: "10.0.0.2:1234", want: "203.0.113.7"},
		{name: "repeated headers", proxies: proxies, xff: []string{"1.2.3.4", "203.0.113.8"}, remoteAddr: "192.0.2.1:80", want: "203.0.113.8"},
		{name: "garbage hop stops the walk", proxies: proxies, xff: []string{"not-an-ip, 10.0.0.1"}, remoteAddr: "10.0.0.2:1234", want: "10.0.0.1"},
		{name: "all hops trusted", proxies: proxies, xff: []string{"10.0.0.5, 10.0.0.1"}, remoteAddr: "10.0.0.2:1234", want: "10.0.0.5"},
		{name: "real ip from trusted proxy", proxies: proxies, realIP: "198.51.100.4", remoteAddr: "10.0.0.2:1234", want: "198.51.100.4"},
		{name: "invalid real ip", proxies: proxies, realIP: "x", remoteAddr: "10.0.0.2:1234", want: "10.0.0.2"},
		{name: "ipv4 mapped peer", proxies: proxies, xff: []string{"203.0.113.7"}, remoteAddr: "[::ffff:10.0.0.2]:1234", want: "203.0.113.7"},
		{name: "remote addr without port", proxies: proxies, remoteAddr: "192.0.2.11", want: "192.0.2.11"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, tt.proxies.Resolve(req))
		})
	}
}

func TestParseTrustedProxies_Invalid(t *testing.T) {
	_, err := ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.ErrorContains(t, err, "invalid trusted proxy")

	_, err = ParseTrustedProxies([]string{"proxy.internal"})
	assert.ErrorContains(t, err, "invalid trusted proxy")
}

func TestRealIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	var got string
	handler := RealIP(proxies)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.1.1:9000"
	req.Header.Set("X-Forwarded-For", "203.0.113.50")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "203.0.113.50", got)

	bare := httptest.NewRequest(http.MethodGet, "/", nil)
	bare.RemoteAddr = "198.51.100.1:1"
	bare.Header.Set("X-Forwarded-For", "203.0.113.50")
	assert.Equal(t, "198.51.100.1", ClientIP(bare))
}
