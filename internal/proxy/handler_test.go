package proxy

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFirstLine(t *testing.T) {
	testCases := []struct {
		name       string
		data       string
		wantMethod string
		wantTarget string
		wantOK     bool
	}{{
		name:       "connect",
		data:       "CONNECT example.com:443 HTTP/1.1\r\nHost: example.com\r\n\r\n",
		wantMethod: "CONNECT",
		wantTarget: "example.com:443",
		wantOK:     true,
	}, {
		name:       "get_absolute",
		data:       "GET http://example.com/path HTTP/1.1\r\n\r\n",
		wantMethod: "GET",
		wantTarget: "http://example.com/path",
		wantOK:     true,
	}, {
		name:       "no_version",
		data:       "GET http://example.com/\r\n",
		wantMethod: "GET",
		wantTarget: "http://example.com/",
		wantOK:     true,
	}, {
		name:   "one_token",
		data:   "GARBAGE\r\n\r\n",
		wantOK: false,
	}, {
		name:   "empty",
		data:   "\r\n",
		wantOK: false,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			method, target, ok := parseFirstLine([]byte(tc.data))
			require.Equal(t, tc.wantOK, ok)

			assert.Equal(t, tc.wantMethod, method)
			assert.Equal(t, tc.wantTarget, target)
		})
	}
}

func TestSplitConnectTarget(t *testing.T) {
	testCases := []struct {
		name     string
		target   string
		wantHost string
		wantPort uint16
	}{{
		name:     "host_port",
		target:   "example.com:443",
		wantHost: "example.com",
		wantPort: 443,
	}, {
		name:     "custom_port",
		target:   "example.com:8443",
		wantHost: "example.com",
		wantPort: 8443,
	}, {
		name:     "no_port",
		target:   "example.com",
		wantHost: "example.com",
		wantPort: 443,
	}, {
		name:     "bad_port",
		target:   "example.com:of",
		wantHost: "example.com",
		wantPort: 443,
	}, {
		name:     "ipv6",
		target:   "[2001:db8::1]:443",
		wantHost: "2001:db8::1",
		wantPort: 443,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			host, port := splitConnectTarget(tc.target)

			assert.Equal(t, tc.wantHost, host)
			assert.Equal(t, tc.wantPort, port)
		})
	}
}

func TestSplitHTTPTarget(t *testing.T) {
	testCases := []struct {
		name     string
		target   string
		wantHost string
		wantPort uint16
	}{{
		name:     "absolute",
		target:   "http://example.com/path/to?q=1",
		wantHost: "example.com",
		wantPort: 80,
	}, {
		name:     "absolute_port",
		target:   "http://example.com:8080/",
		wantHost: "example.com",
		wantPort: 8080,
	}, {
		name:     "no_path",
		target:   "http://example.com",
		wantHost: "example.com",
		wantPort: 80,
	}, {
		name:     "bare_host",
		target:   "example.com:8080",
		wantHost: "example.com",
		wantPort: 8080,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			host, port := splitHTTPTarget(tc.target)

			assert.Equal(t, tc.wantHost, host)
			assert.Equal(t, tc.wantPort, port)
		})
	}
}

func TestRewriteConnection(t *testing.T) {
	testCases := []struct {
		name string
		data string
		want string
	}{{
		name: "keep_alive",
		data: "GET / HTTP/1.1\r\nConnection: keep-alive\r\nHost: x\r\n\r\n",
		want: "GET / HTTP/1.1\r\nConnection: close\r\nHost: x\r\n\r\n",
	}, {
		name: "already_close",
		data: "GET / HTTP/1.1\r\nConnection: close\r\n\r\n",
		want: "GET / HTTP/1.1\r\nConnection: close\r\n\r\n",
	}, {
		name: "absent",
		data: "GET / HTTP/1.1\r\nHost: x\r\n\r\nbody",
		want: "GET / HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\nbody",
	}, {
		name: "no_header_end",
		data: "GET / HTT",
		want: "GET / HTT",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := rewriteConnection([]byte(tc.data))

			assert.Equal(t, tc.want, string(got))
		})
	}
}

func TestBlockedPage(t *testing.T) {
	resp := string(blockedPage("ads.example.net", "Domain blocked: ads.example.net"))

	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 403 Forbidden\r\n"))
	assert.Contains(t, resp, "Content-Type: text/html; charset=utf-8\r\n")
	assert.Contains(t, resp, "Connection: close\r\n")
	assert.Contains(t, resp, "Blocked: ads.example.net")
	assert.Contains(t, resp, "Domain blocked: ads.example.net")

	_, body, ok := strings.Cut(resp, "\r\n\r\n")
	require.True(t, ok)

	wantLen := "Content-Length: " + strconv.Itoa(len(body)) + "\r\n"
	assert.Contains(t, resp, wantLen)
}
