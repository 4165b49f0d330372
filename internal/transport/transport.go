// Package transport sends a hop's rewritten request to the next hop and
// provides implementations for production (HTTP) and testing (in-memory).
package transport

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/oops"
)

// Dispatcher abstracts outbound request delivery.
// The hop router uses this interface exclusively so that tests can inject an
// in-memory network without real sockets.
type Dispatcher interface {
	// Dispatch sends req. When via is empty the request goes straight to
	// req.URL; otherwise it is proxied through the relay listening at via.
	// The caller owns the returned response body.
	Dispatch(req *http.Request, via string) (*http.Response, error)
}

// RelayURL normalises a relay address. Bare host:port addresses are HTTP
// proxies; socks5:// addresses are dialled as SOCKS5 proxies.
func RelayURL(addr string) (*url.URL, error) {
	if addr == "" {
		return nil, oops.Errorf("transport: empty relay address")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, oops.Wrapf(err, "transport: relay address %q", addr)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, oops.Errorf("transport: unsupported relay scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, oops.Errorf("transport: relay address %q has no host", addr)
	}
	return u, nil
}
