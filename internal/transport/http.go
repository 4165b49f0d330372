package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

var log = logrus.WithField("at", "transport")

const (
	defaultTimeout = 10 * time.Second

	// Clients for relays named inside payloads are kept this long after
	// their last use.
	clientIdle = 10 * time.Minute
)

// Options configures an HTTP dispatcher.
type Options struct {
	// Timeout bounds one request including reading the response body.
	Timeout time.Duration

	// Insecure skips certificate verification. Relays intercept TLS with
	// their own CA, so a chain of local relays needs this unless the CA is
	// installed.
	Insecure bool

	// Relays are built eagerly so the pool never pays a setup cost.
	Relays []string
}

// HTTP dispatches over net/http with HTTP/2 enabled. One client is kept per
// relay so that connections to a relay are reused across requests.
type HTTP struct {
	opts    Options
	direct  *http.Client
	clients *gocache.Cache
}

// NewHTTP creates a dispatcher and a client for every relay in opts.Relays.
func NewHTTP(opts Options) (*HTTP, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	h := &HTTP{
		opts:    opts,
		clients: gocache.New(clientIdle, clientIdle/2),
	}
	direct, err := h.newClient(nil)
	if err != nil {
		return nil, err
	}
	h.direct = direct
	for _, addr := range opts.Relays {
		c, err := h.newClientFor(addr)
		if err != nil {
			return nil, err
		}
		// Pool members never expire.
		h.clients.Set(addr, c, gocache.NoExpiration)
	}
	return h, nil
}

// Dispatch implements Dispatcher.
func (h *HTTP) Dispatch(req *http.Request, via string) (*http.Response, error) {
	client := h.direct
	if via != "" {
		c, err := h.client(via)
		if err != nil {
			return nil, err
		}
		client = c
	}
	log.WithFields(logrus.Fields{
		"url": req.URL.String(),
		"via": via,
		"len": req.ContentLength,
	}).Debug("dispatching")

	resp, err := client.Do(req)
	if err != nil {
		return nil, oops.Wrapf(err, "transport: dispatch via %q", via)
	}
	return resp, nil
}

func (h *HTTP) client(addr string) (*http.Client, error) {
	if c, ok := h.clients.Get(addr); ok {
		return c.(*http.Client), nil
	}
	c, err := h.newClientFor(addr)
	if err != nil {
		return nil, err
	}
	// Another request may have built one meanwhile; either is fine.
	if err := h.clients.Add(addr, c, gocache.DefaultExpiration); err != nil {
		if existing, ok := h.clients.Get(addr); ok {
			c.CloseIdleConnections()
			return existing.(*http.Client), nil
		}
	}
	return c, nil
}

func (h *HTTP) newClientFor(addr string) (*http.Client, error) {
	u, err := RelayURL(addr)
	if err != nil {
		return nil, err
	}
	return h.newClient(u)
}

// newClient builds a client that proxies through relay, or a direct client
// when relay is nil.
func (h *HTTP) newClient(relay *url.URL) (*http.Client, error) {
	tr := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: h.opts.Insecure}, //nolint:gosec
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   h.opts.Timeout,
		ResponseHeaderTimeout: h.opts.Timeout,
	}

	if relay != nil {
		switch relay.Scheme {
		case "socks5", "socks5h":
			d, err := proxy.FromURL(relay, proxy.Direct)
			if err != nil {
				return nil, oops.Wrapf(err, "transport: socks5 relay %s", relay.Host)
			}
			tr.DialContext = dialContext(d)
		default:
			tr.Proxy = http.ProxyURL(relay)
		}
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, oops.Wrapf(err, "transport: enable http2")
	}
	return &http.Client{Transport: tr, Timeout: h.opts.Timeout}, nil
}

func dialContext(d proxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

// Close drops idle connections of every cached client.
func (h *HTTP) Close() error {
	h.direct.CloseIdleConnections()
	for _, item := range h.clients.Items() {
		if c, ok := item.Object.(*http.Client); ok {
			c.CloseIdleConnections()
		}
	}
	return nil
}
