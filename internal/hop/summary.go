package hop

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Summary describes one handled request. It is diagnostic only; nothing in
// the routing path reads it.
type Summary struct {
	Label     string
	InputLen  int
	OutputLen int

	// Target is the relay address or origin host the request went to.
	Target string
	Via    string

	State State
	Kind  Kind

	// HTTPStatus is the upstream status, zero when nothing came back.
	HTTPStatus int

	// ParseDuration covers decoding, decryption and payload parsing.
	ParseDuration time.Duration
	Latency       time.Duration
}

// Listener receives a Summary for every request a Router handles.
type Listener interface {
	OnSummary(*Summary)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(*Summary)

func (f ListenerFunc) OnSummary(s *Summary) { f(s) }

func (r *Router) report(s *Summary) {
	fields := logrus.Fields{
		"label":          s.Label,
		"in":             s.InputLen,
		"out":            s.OutputLen,
		"target":         s.Target,
		"state":          s.State.String(),
		"parse_duration": s.ParseDuration,
		"latency":        s.Latency,
	}
	if s.Kind != KindNone {
		fields["kind"] = s.Kind.String()
		log.WithFields(fields).Warn("request failed")
	} else {
		fields["status"] = s.HTTPStatus
		log.WithFields(fields).Info("request relayed")
	}

	if r.cfg.Listener == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.WithField("panic", p).Error("summary listener panicked")
		}
	}()
	r.cfg.Listener.OnSummary(s)
}
