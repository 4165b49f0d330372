package transport

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
)

// Call is one request seen by a Memory dispatcher.
type Call struct {
	Via    string
	Method string
	URL    string
	Host   string
	Header http.Header
	Body   []byte

	// ContentLength is the request's declared body length.
	ContentLength int64
}

// Memory is an in-process dispatcher for tests. Handlers are registered by
// address: a relay under the address used as via, an origin under the host
// of its URL. Every dispatched request is recorded.
type Memory struct {
	mu       sync.Mutex
	handlers map[string]http.Handler
	calls    []Call
}

// NewMemory creates an empty in-memory network.
func NewMemory() *Memory {
	return &Memory{handlers: make(map[string]http.Handler)}
}

// Register serves requests for addr with h.
func (m *Memory) Register(addr string, h http.Handler) {
	m.mu.Lock()
	m.handlers[addr] = h
	m.mu.Unlock()
}

// Dispatch implements Dispatcher. A request proxied through a relay is
// delivered to the relay's handler with its absolute URL intact, the way a
// forward proxy receives it.
func (m *Memory) Dispatch(req *http.Request, via string) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}

	key := via
	if key == "" {
		key = req.URL.Host
	}

	m.mu.Lock()
	m.calls = append(m.calls, Call{
		Via:           via,
		Method:        req.Method,
		URL:           req.URL.String(),
		Host:          req.Host,
		Header:        req.Header.Clone(),
		Body:          body,
		ContentLength: req.ContentLength,
	})
	h, ok := m.handlers[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("memory transport: no peer at %q", key)
	}

	in := req.Clone(req.Context())
	in.Body = io.NopCloser(bytes.NewReader(body))
	in.ContentLength = int64(len(body))
	in.RequestURI = req.URL.String()
	if in.Host == "" {
		in.Host = req.URL.Host
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, in)
	return rec.Result(), nil
}

// Calls returns a copy of every recorded request in dispatch order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Last returns the most recent request.
func (m *Memory) Last() (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return Call{}, false
	}
	return m.calls[len(m.calls)-1], true
}

// Respond returns a handler that answers every request with status and body.
func Respond(status int, body []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body) //nolint:errcheck
	})
}
