package proxy

import (
	"bufio"
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/podoh/internal/hop"
	"github.com/Operative-001/podoh/internal/route"
	"github.com/Operative-001/podoh/internal/transport"
)

type stubHandler struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (h *stubHandler) Handle(r *http.Request) (*http.Response, error) {
	h.mu.Lock()
	h.urls = append(h.urls, r.URL.String())
	h.mu.Unlock()
	if h.err != nil {
		return nil, h.err
	}
	body := []byte("stub")
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Length": {strconv.Itoa(len(body))}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}, nil
}

func proxyClient(t *testing.T, h Handler) *http.Client {
	t.Helper()
	s, err := New(Config{Handler: h})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(u),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
		},
	}
}

func TestInterceptPlainHTTP(t *testing.T) {
	h := &stubHandler{}
	c := proxyClient(t, h)

	resp, err := c.Post("http://odoh.example/dns-query", "application/oblivious-dns-message", bytes.NewReader([]byte("q")))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "stub", string(body))
	require.Len(t, h.urls, 1)
	assert.Equal(t, "http://odoh.example/dns-query", h.urls[0])
}

func TestInterceptTLS(t *testing.T) {
	h := &stubHandler{}
	c := proxyClient(t, h)

	resp, err := c.Post("https://odoh.example/dns-query", "application/oblivious-dns-message", bytes.NewReader([]byte("q")))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "stub", string(body))
	require.Len(t, h.urls, 1)
	u, err := url.Parse(h.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "odoh.example", u.Hostname())
	assert.Equal(t, "/dns-query", u.Path)
}

func TestFailureStatus(t *testing.T) {
	for kind, want := range map[hop.Kind]int{
		hop.DecryptionFailed: http.StatusBadRequest,
		hop.DispatchFailed:   http.StatusBadGateway,
		hop.EncodingFailed:   http.StatusInternalServerError,
	} {
		h := &stubHandler{err: &hop.Error{Kind: kind, Err: io.EOF}}
		c := proxyClient(t, h)

		resp, err := c.Post("http://odoh.example/dns-query", "application/oblivious-dns-message", bytes.NewReader([]byte("q")))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, kind.String())
	}
}

func TestRouterBehindProxy(t *testing.T) {
	origin := transport.NewMemory()
	origin.Register("odoh.example", transport.Respond(http.StatusOK, []byte("resolved")))
	r, err := hop.New(hop.Config{Layout: route.LayoutPassthrough, Dispatcher: origin})
	require.NoError(t, err)

	c := proxyClient(t, r)
	resp, err := c.Post("https://odoh.example/dns-query", "application/oblivious-dns-message", bytes.NewReader([]byte("opaque")))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, "resolved", string(body))
	assert.EqualValues(t, len("resolved"), resp.ContentLength)
	assert.Equal(t, strconv.Itoa(len("resolved")), resp.Header.Get("Content-Length"))
	assert.Empty(t, resp.TransferEncoding)

	call, ok := origin.Last()
	require.True(t, ok)
	assert.Equal(t, "https://odoh.example/dns-query", call.URL)
	assert.Equal(t, []byte("opaque"), call.Body)
}

func writeCA(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "podoh test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "ca.pem")
	keyFile := filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return certFile, keyFile
}

func TestLoadCA(t *testing.T) {
	certFile, keyFile := writeCA(t)
	ca, err := loadCA(certFile, keyFile)
	require.NoError(t, err)
	require.NotNil(t, ca.Leaf)
	assert.Equal(t, "podoh test CA", ca.Leaf.Subject.CommonName)

	_, err = New(Config{CertFile: certFile, KeyFile: keyFile, Handler: &stubHandler{}})
	assert.NoError(t, err)

	_, err = New(Config{CertFile: filepath.Join(t.TempDir(), "missing.pem"), KeyFile: keyFile, Handler: &stubHandler{}})
	assert.Error(t, err)

	_, err = New(Config{})
	assert.Error(t, err)
}

func TestTunnelKeepsFraming(t *testing.T) {
	origin := transport.NewMemory()
	origin.Register("odoh.example", transport.Respond(http.StatusOK, []byte("resolved")))
	r, err := hop.New(hop.Config{Layout: route.LayoutPassthrough, Dispatcher: origin})
	require.NoError(t, err)

	s, err := New(Config{Handler: r})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	raw, err := net.Dial("tcp", srv.Listener.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	require.NoError(t, raw.SetDeadline(time.Now().Add(10*time.Second)))

	connect, err := http.NewRequest(http.MethodConnect, "http://odoh.example:443", nil)
	require.NoError(t, err)
	connect.Host = "odoh.example:443"
	require.NoError(t, connect.Write(raw))
	cr, err := http.ReadResponse(bufio.NewReader(raw), connect)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, cr.StatusCode)

	conn := tls.Client(raw, &tls.Config{ServerName: "odoh.example", InsecureSkipVerify: true}) //nolint:gosec
	br := bufio.NewReader(conn)

	// Two requests on one tunnel: the first response must be framed exactly
	// for the second to be readable.
	for i, payload := range []string{"first", "second query"} {
		req, err := http.NewRequest(http.MethodPost, "https://odoh.example/dns-query", bytes.NewReader([]byte(payload)))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/oblivious-dns-message")
		require.NoError(t, req.Write(conn))

		resp, err := http.ReadResponse(br, req)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, resp.StatusCode, i)
		assert.Equal(t, "resolved", string(body), i)
		assert.Empty(t, resp.TransferEncoding, i)
		assert.EqualValues(t, len("resolved"), resp.ContentLength, i)
		assert.Equal(t, "8", resp.Header.Get("Content-Length"), i)
		assert.False(t, resp.Close, i)

		call, ok := origin.Last()
		require.True(t, ok)
		assert.Equal(t, "https://odoh.example/dns-query", call.URL)
		assert.Equal(t, []byte(payload), call.Body)
	}
	assert.Len(t, origin.Calls(), 2)
}

func TestTunnelFailureStatus(t *testing.T) {
	c := proxyClient(t, &stubHandler{err: &hop.Error{Kind: hop.MalformedEnvelope, Err: io.EOF}})

	resp, err := c.Post("https://odoh.example/dns-query", "application/oblivious-dns-message", bytes.NewReader([]byte("q")))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, len(body), resp.ContentLength)
}

func TestWriteResponseSpeaksHTTP11(t *testing.T) {
	body := []byte("answer")
	resp := &http.Response{
		StatusCode:       http.StatusOK,
		Proto:            "HTTP/2.0",
		ProtoMajor:       2,
		Header:           http.Header{"X-Resolver": {"a"}, "Content-Length": {"6"}},
		Body:             io.NopCloser(bytes.NewReader(body)),
		ContentLength:    int64(len(body)),
		TransferEncoding: []string{"chunked"},
	}
	var buf bytes.Buffer
	require.NoError(t, writeResponse(&buf, resp))

	got, err := http.ReadResponse(bufio.NewReader(&buf), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ProtoMajor)
	assert.Equal(t, 1, got.ProtoMinor)
	assert.Equal(t, "a", got.Header.Get("X-Resolver"))
	assert.Equal(t, "6", got.Header.Get("Content-Length"))
	assert.Empty(t, got.TransferEncoding)
	b, _ := io.ReadAll(got.Body)
	assert.Equal(t, body, b)
}
