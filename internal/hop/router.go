// Package hop implements the relay side of the protocol.
//
// A Router takes an intercepted request, removes exactly one layer from its
// body and forwards the remainder either to another relay or to the origin
// resolver. The response is buffered and handed back with a Content-Length
// that matches the buffered body.
//
// Per request the router walks
//
//	Received → Decoded → Decrypted → Parsed → Routed → Dispatched → ResponseReceived → Finalized
//
// and stops in Failed on the first error. Layouts whose payload travels in
// the clear skip Decoded and Decrypted.
package hop

import (
	"bytes"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/Operative-001/podoh/internal/crypto"
	"github.com/Operative-001/podoh/internal/protocol"
	"github.com/Operative-001/podoh/internal/route"
	"github.com/Operative-001/podoh/internal/transport"
)

var log = logrus.WithField("at", "hop")

const (
	DefaultQueryPath = "/dns-query"
	DefaultTarget    = "https://odoh.cloudflare-dns.com"
)

// Config configures a Router.
type Config struct {
	// Label names the hop in logs and summaries.
	Label string

	// Keys opens the layer addressed to this hop. Required by sealed layouts.
	Keys *crypto.KeyPair

	Layout route.Layout

	// Exit makes a fixed-layout hop send to the named address as the origin
	// instead of relaying through it.
	Exit bool

	// Pool is the fixed relay pool the hop-count layout picks from.
	Pool []string

	// Seed seeds relay selection. The same seed reproduces the same path.
	Seed int64

	// Target is the base URL requests are posted to when they travel
	// through a relay.
	Target    string
	QueryPath string

	Dispatcher transport.Dispatcher
	Listener   Listener
}

// Decision is where one request goes and what it carries.
type Decision struct {
	Directive route.Directive

	// Via is the relay the request is proxied through; empty for origin.
	Via string

	URL *url.URL

	// Host overrides the Host header when the payload names the origin.
	Host string

	Body []byte
}

// Target is the relay address or origin host of the decision.
func (d *Decision) Target() string {
	if d.Via != "" {
		return d.Via
	}
	if d.Host != "" {
		return d.Host
	}
	return d.URL.Host
}

// Router strips one layer per request. It is safe for concurrent use.
type Router struct {
	cfg    Config
	target *url.URL

	// rand.Rand is not safe for concurrent use.
	mu  sync.Mutex
	rng *rand.Rand
}

// New validates cfg and creates a Router.
func New(cfg Config) (*Router, error) {
	if cfg.Dispatcher == nil {
		return nil, oops.Errorf("hop: no dispatcher")
	}
	switch cfg.Layout {
	case route.LayoutPassthrough, route.LayoutHopCount, route.LayoutExplicit, route.LayoutFixed:
	default:
		return nil, oops.Errorf("hop: unknown layout %s", cfg.Layout)
	}
	if cfg.Layout.Sealed() && cfg.Keys == nil {
		return nil, oops.Errorf("hop: layout %s needs a key pair", cfg.Layout)
	}
	if cfg.Layout == route.LayoutHopCount && len(cfg.Pool) == 0 {
		return nil, oops.Errorf("hop: layout %s needs a relay pool", cfg.Layout)
	}
	if cfg.QueryPath == "" {
		cfg.QueryPath = DefaultQueryPath
	}
	if cfg.Target == "" {
		cfg.Target = DefaultTarget
	}
	if cfg.Label == "" {
		cfg.Label = cfg.Layout.String()
	}
	target, err := url.Parse(cfg.Target)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, oops.Errorf("hop: invalid target %q", cfg.Target)
	}
	target.Path = cfg.QueryPath

	return &Router{
		cfg:    cfg,
		target: target,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// exchange tracks one request through the state machine.
type exchange struct {
	state State
	sum   Summary
}

func (x *exchange) fail(k Kind, err error) error {
	x.sum.Kind = k
	return &Error{Kind: k, State: x.state, Err: err}
}

// Handle runs one intercepted request to completion. Failures are returned
// as *Error; the request is never retried.
func (r *Router) Handle(req *http.Request) (resp *http.Response, err error) {
	x := &exchange{sum: Summary{Label: r.cfg.Label}}
	start := time.Now()
	defer func() {
		x.sum.Latency = time.Since(start)
		x.sum.State = x.state
		if err != nil {
			x.sum.State = Failed
		}
		r.report(&x.sum)
	}()

	body, err := readBody(req)
	if err != nil {
		return nil, x.fail(MalformedEnvelope, err)
	}
	x.sum.InputLen = len(body)

	d, err := r.decide(x, req, body)
	if err != nil {
		return nil, err
	}
	x.sum.OutputLen = len(d.Body)
	x.sum.Target = d.Target()
	x.sum.Via = d.Via

	out, err := outbound(req, d)
	if err != nil {
		return nil, x.fail(DispatchFailed, err)
	}
	upstream, err := r.cfg.Dispatcher.Dispatch(out, d.Via)
	if err != nil {
		return nil, x.fail(DispatchFailed, err)
	}
	x.state = Dispatched
	x.sum.HTTPStatus = upstream.StatusCode

	// Content-Length depends on the whole body.
	respBody, err := io.ReadAll(upstream.Body)
	upstream.Body.Close()
	if err != nil {
		return nil, x.fail(DispatchFailed, oops.Wrapf(err, "read response"))
	}
	x.state = ResponseReceived

	resp = finalize(upstream, respBody, req)
	x.state = Finalized
	return resp, nil
}

// decide runs the request from Received to Routed.
func (r *Router) decide(x *exchange, req *http.Request, body []byte) (*Decision, error) {
	parseStart := time.Now()
	plaintext := body
	var env protocol.Envelope
	if r.cfg.Layout.Sealed() {
		e, err := protocol.Decode(body)
		if err != nil {
			return nil, x.fail(MalformedEnvelope, err)
		}
		x.state = Decoded

		pt, _, err := protocol.Decrypt(e, r.cfg.Keys)
		if err != nil {
			return nil, x.fail(DecryptionFailed, err)
		}
		x.state = Decrypted
		env, plaintext = e, pt
	}

	p, err := route.Parse(r.cfg.Layout, plaintext)
	if err != nil {
		return nil, x.fail(parseKind(err), err)
	}
	x.state = Parsed
	x.sum.ParseDuration = time.Since(parseStart)

	d := &Decision{Directive: p.Directive}
	switch r.cfg.Layout {
	case route.LayoutPassthrough:
		d.Body = body
		d.URL = interceptedURL(req)

	case route.LayoutHopCount:
		d.Body = p.Forward()
		if p.Directive == route.ToRelay {
			d.Via = r.pick()
			d.URL = r.relayURL()
		} else {
			d.URL = interceptedURL(req)
		}

	default:
		next, err := protocol.Compose(protocol.Envelope{
			Type:             env.Type,
			KeyID:            p.KeyID,
			EncryptedMessage: p.EncryptedMessage,
		})
		if err != nil {
			return nil, x.fail(EncodingFailed, err)
		}
		d.Body = next
		if r.cfg.Layout == route.LayoutFixed && r.cfg.Exit {
			d.Directive = route.ToOrigin
		}
		if d.Directive == route.ToRelay {
			d.Via = p.NextHop
			d.URL = r.relayURL()
		} else {
			d.URL = &url.URL{Scheme: "https", Host: p.NextHop, Path: r.cfg.QueryPath}
			d.Host = p.NextHop
		}
	}
	x.state = Routed
	return d, nil
}

// pick selects the next relay uniformly from the pool.
func (r *Router) pick() string {
	r.mu.Lock()
	i := r.rng.Intn(len(r.cfg.Pool))
	r.mu.Unlock()
	return r.cfg.Pool[i]
}

func (r *Router) relayURL() *url.URL {
	u := *r.target
	return &u
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	defer req.Body.Close()
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, oops.Wrapf(err, "read request body")
	}
	return b, nil
}

// interceptedURL is the destination the intercepted request was headed to.
func interceptedURL(req *http.Request) *url.URL {
	u := *req.URL
	if u.Host == "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	// Intercepted TLS requests carry the CONNECT authority.
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	return &u
}

// outbound builds the request for the next hop. Host and Content-Length of
// the inbound hop are not forwarded.
func outbound(src *http.Request, d *Decision) (*http.Request, error) {
	out, err := http.NewRequestWithContext(src.Context(), http.MethodPost, d.URL.String(), bytes.NewReader(d.Body))
	if err != nil {
		return nil, oops.Wrapf(err, "build outbound request")
	}
	out.Header = forwardHeader(src.Header, len(d.Body))
	out.ContentLength = int64(len(d.Body))
	if d.Host != "" {
		out.Host = d.Host
	}
	return out, nil
}

func forwardHeader(h http.Header, n int) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	out.Del("Host")
	out.Del("Content-Length")
	out.Set("Content-Length", strconv.Itoa(n))
	return out
}

// finalize passes the upstream response through with its body buffered and
// Content-Length set to the buffered length.
func finalize(up *http.Response, body []byte, req *http.Request) *http.Response {
	h := up.Header.Clone()
	if h == nil {
		h = make(http.Header)
	}
	h.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        up.Status,
		StatusCode:    up.StatusCode,
		Proto:         up.Proto,
		ProtoMajor:    up.ProtoMajor,
		ProtoMinor:    up.ProtoMinor,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
