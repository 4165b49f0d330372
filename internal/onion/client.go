package onion

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/miekg/dns"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/Operative-001/podoh/internal/transport"
)

var log = logrus.WithField("at", "onion")

// ContentType is the media type of oblivious DNS messages.
const ContentType = "application/oblivious-dns-message"

// Question packs a recursive DNS question for name. The message id is zero,
// as DoH clients should send it.
func Question(name string, qtype uint16) ([]byte, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = 0
	b, err := m.Pack()
	if err != nil {
		return nil, oops.Wrapf(err, "onion: pack question for %q", name)
	}
	return b, nil
}

// Client posts built bodies into the first hop.
type Client struct {
	Dispatcher transport.Dispatcher

	// URL is where the first hop believes the request is headed.
	URL *url.URL
}

// Result is what came back through the chain.
type Result struct {
	Status int
	Header http.Header
	Body   []byte
}

// Post sends body through the relay at via, or straight to URL when via is
// empty.
func (c *Client) Post(ctx context.Context, via string, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, oops.Wrapf(err, "onion: build request")
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))

	log.WithFields(logrus.Fields{"url": c.URL.String(), "via": via, "len": len(body)}).Debug("posting query")
	resp, err := c.Dispatcher.Dispatch(req, via)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, oops.Wrapf(err, "onion: read response")
	}
	return &Result{Status: resp.StatusCode, Header: resp.Header, Body: b}, nil
}
