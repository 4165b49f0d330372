// Package proxy is the interception point of a hop.
//
// The server is an HTTP forward proxy. CONNECT tunnels are hijacked and
// terminated with certificates minted from the hop's CA, so every request
// arrives decrypted and is handed to the Handler. Responses are written back
// over the tunnel as the Handler built them, Content-Length included.
// The previous hop (or the client) reaches this hop by using it as its proxy.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/elazarl/goproxy"
	"github.com/samber/oops"
	"github.com/sirupsen/logrus"

	"github.com/Operative-001/podoh/internal/hop"
)

var log = logrus.WithField("at", "proxy")

// Handler turns an intercepted request into the response to send back.
// *hop.Router implements it.
type Handler interface {
	Handle(*http.Request) (*http.Response, error)
}

// Config configures a Server.
type Config struct {
	Listen string

	// CertFile and KeyFile hold the CA that signs intercepted hosts.
	// When both are empty goproxy's built-in CA is used.
	CertFile string
	KeyFile  string

	Handler Handler
}

// Server intercepts proxied requests and hands them to a Handler.
type Server struct {
	cfg       Config
	proxy     *goproxy.ProxyHttpServer
	srv       *http.Server
	tlsFromCA func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)
}

// New loads the CA and wires the interception handlers.
func New(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, oops.Errorf("proxy: no handler")
	}
	ca, err := loadCA(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	p := goproxy.NewProxyHttpServer()
	p.Verbose = false
	s := &Server{
		cfg:       cfg,
		proxy:     p,
		tlsFromCA: goproxy.TLSConfigFromCA(&ca),
		srv: &http.Server{
			Handler:           p,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	p.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(
		func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			return &goproxy.ConnectAction{
				Action: goproxy.ConnectHijack,
				Hijack: s.tunnel,
			}, host
		},
	))
	p.OnRequest().DoFunc(s.intercept)
	return s, nil
}

func loadCA(certFile, keyFile string) (tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return goproxy.GoproxyCa, nil
	}
	ca, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, oops.Wrapf(err, "proxy: load CA %s", certFile)
	}
	if ca.Leaf == nil {
		leaf, err := x509.ParseCertificate(ca.Certificate[0])
		if err != nil {
			return tls.Certificate{}, oops.Wrapf(err, "proxy: parse CA %s", certFile)
		}
		ca.Leaf = leaf
	}
	return ca, nil
}

func (s *Server) intercept(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	return r, s.respond(r)
}

// respond runs the Handler and turns a failure into an error response.
func (s *Server) respond(r *http.Request) *http.Response {
	resp, err := s.cfg.Handler.Handle(r)
	if err != nil {
		status := hop.KindOf(err).Status()
		log.WithFields(logrus.Fields{
			"url":    r.URL.String(),
			"status": status,
		}).WithError(err).Debug("request failed")
		return goproxy.NewResponse(r, goproxy.ContentTypeText, status, http.StatusText(status))
	}
	return resp
}

// tunnel serves a hijacked CONNECT: it terminates TLS with a certificate for
// the requested host and answers every request on the connection itself, so
// responses leave with the Content-Length the Handler set.
func (s *Server) tunnel(connect *http.Request, client net.Conn, ctx *goproxy.ProxyCtx) {
	defer client.Close()
	host := connect.URL.Host
	lg := log.WithField("host", host)

	if _, err := io.WriteString(client, "HTTP/1.1 200 OK\r\n\r\n"); err != nil {
		lg.WithError(err).Debug("connect reply")
		return
	}
	cfg, err := s.tlsFromCA(host, ctx)
	if err != nil {
		lg.WithError(err).Warn("cannot sign host certificate")
		return
	}
	cfg = cfg.Clone()
	cfg.NextProtos = []string{"http/1.1"}

	conn := tls.Server(client, cfg)
	if err := conn.Handshake(); err != nil {
		lg.WithError(err).Debug("tls handshake")
		return
	}
	defer conn.Close()

	br := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lg.WithError(err).Debug("read tunneled request")
			}
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = req.Host
		if req.URL.Host == "" {
			req.URL.Host = host
		}
		req.RemoteAddr = connect.RemoteAddr

		resp := s.respond(req)
		io.Copy(io.Discard, req.Body) //nolint:errcheck
		req.Body.Close()

		err = writeResponse(conn, resp)
		resp.Body.Close()
		if err != nil {
			lg.WithError(err).Debug("write tunneled response")
			return
		}
		if req.Close || resp.Close {
			return
		}
	}
}

// writeResponse writes resp as HTTP/1.1, the protocol spoken on the tunnel,
// framed by its ContentLength.
func writeResponse(w io.Writer, resp *http.Response) error {
	resp.Proto, resp.ProtoMajor, resp.ProtoMinor = "HTTP/1.1", 1, 1
	resp.TransferEncoding = nil
	return resp.Write(w)
}

// Handler exposes the proxy for embedding in another server or a test.
func (s *Server) Handler() http.Handler {
	return s.proxy
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return oops.Wrapf(err, "proxy: listen %s", s.cfg.Listen)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	log.WithField("addr", ln.Addr().String()).Info("intercepting")
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
