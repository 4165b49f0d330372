package transport

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayURL(t *testing.T) {
	tests := []struct {
		in, want string
		ok       bool
	}{
		{"localhost:8081", "http://localhost:8081", true},
		{"http://10.0.0.2:8080", "http://10.0.0.2:8080", true},
		{"socks5://127.0.0.1:9050", "socks5://127.0.0.1:9050", true},
		{"", "", false},
		{"ftp://relay:21", "", false},
		{"http://", "", false},
	}
	for _, tc := range tests {
		u, err := RelayURL(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, u.String())
	}
}

func post(t *testing.T, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	return req
}

func TestHTTPDirect(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		assert.Equal(t, "/dns-query", r.URL.Path)
		w.Write([]byte("answer")) //nolint:errcheck
	}))
	defer srv.Close()

	h, err := NewHTTP(Options{Timeout: 5 * time.Second})
	require.NoError(t, err)
	defer h.Close()

	resp, err := h.Dispatch(post(t, srv.URL+"/dns-query", []byte("query")), "")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, []byte("query"), got)
	assert.Equal(t, "answer", string(body))
}

func TestHTTPThroughRelay(t *testing.T) {
	// A forward proxy sees the absolute target URL.
	var seen string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.String()
		w.Write([]byte("via relay")) //nolint:errcheck
	}))
	defer relay.Close()
	relayAddr := strings.TrimPrefix(relay.URL, "http://")

	h, err := NewHTTP(Options{Relays: []string{relayAddr}})
	require.NoError(t, err)
	defer h.Close()

	resp, err := h.Dispatch(post(t, "http://target.invalid/dns-query", []byte("q")), relayAddr)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "http://target.invalid/dns-query", seen)
	assert.Equal(t, "via relay", string(body))
}

func TestHTTPClientCachedPerRelay(t *testing.T) {
	h, err := NewHTTP(Options{Relays: []string{"localhost:8080"}})
	require.NoError(t, err)

	a, err := h.client("localhost:8080")
	require.NoError(t, err)
	b, err := h.client("localhost:8080")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := h.client("relay.example:8443")
	require.NoError(t, err)
	d, err := h.client("relay.example:8443")
	require.NoError(t, err)
	assert.Same(t, c, d)
	assert.NotSame(t, a, c)

	_, err = h.client("gopher://nope")
	assert.Error(t, err)
}

func TestHTTPDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h, err := NewHTTP(Options{Timeout: time.Second})
	require.NoError(t, err)
	_, err = h.Dispatch(post(t, url, []byte("q")), "")
	assert.Error(t, err)
}

func TestMemoryRoutesByViaAndHost(t *testing.T) {
	m := NewMemory()
	m.Register("relay-1:8080", Respond(http.StatusOK, []byte("relay")))
	m.Register("origin.example", Respond(http.StatusTeapot, []byte("origin")))

	resp, err := m.Dispatch(post(t, "https://odoh.example/dns-query", []byte("a")), "relay-1:8080")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "relay", string(body))

	resp, err = m.Dispatch(post(t, "https://origin.example/dns-query", []byte("bb")), "")
	require.NoError(t, err)
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	_, err = m.Dispatch(post(t, "https://unknown.example/", nil), "")
	assert.Error(t, err)

	calls := m.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "relay-1:8080", calls[0].Via)
	assert.Equal(t, []byte("a"), calls[0].Body)
	assert.Equal(t, "https://origin.example/dns-query", calls[1].URL)

	last, ok := m.Last()
	require.True(t, ok)
	assert.Equal(t, "https://unknown.example/", last.URL)
}

func TestMemoryDeliversBody(t *testing.T) {
	m := NewMemory()
	m.Register("echo", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, int64(len(b)), r.ContentLength)
		assert.Equal(t, "https://target/dns-query", r.URL.String())
		w.Write(b) //nolint:errcheck
	}))

	resp, err := m.Dispatch(post(t, "https://target/dns-query", []byte("echo me")), "echo")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "echo me", string(body))
}
