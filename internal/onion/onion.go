// Package onion builds request bodies for a chain of hops.
//
// Layers are built from the inside out. The innermost envelope is the query
// sealed to the resolver; every hop then gets an envelope whose plaintext
// routes to the next hop and carries the next hop's envelope as residue.
package onion

import (
	"github.com/samber/oops"

	"github.com/Operative-001/podoh/internal/crypto"
	"github.com/Operative-001/podoh/internal/protocol"
	"github.com/Operative-001/podoh/internal/route"
)

// Hop is one relay of a route as the client knows it.
type Hop struct {
	// Addr is the address the previous hop forwards to.
	Addr string
	Key  *crypto.PublicKey
}

// Query seals a DNS message to the resolver's key.
func Query(target *crypto.PublicKey, msg []byte) (protocol.Envelope, error) {
	return protocol.Seal(target, protocol.MessageQuery, msg)
}

// Explicit wraps inner for the explicit layout. Every hop but the last relays
// to its successor; the last one sends to origin.
func Explicit(hops []Hop, origin string, inner protocol.Envelope) ([]byte, error) {
	return wrap(route.LayoutExplicit, hops, origin, inner)
}

// Fixed wraps inner for the fixed layout. The last hop must run as an exit
// to deliver to origin.
func Fixed(hops []Hop, origin string, inner protocol.Envelope) ([]byte, error) {
	return wrap(route.LayoutFixed, hops, origin, inner)
}

// HopCount prefixes an already composed body with the number of relays it
// should cross before reaching the destination it was posted to.
func HopCount(relays int, body []byte) ([]byte, error) {
	if relays < 0 || relays > 255 {
		return nil, oops.Errorf("onion: hop count %d out of range", relays)
	}
	p := &route.Payload{HopCount: uint8(relays), Rest: body}
	return p.Marshal(route.LayoutHopCount)
}

func wrap(l route.Layout, hops []Hop, origin string, inner protocol.Envelope) ([]byte, error) {
	if len(hops) == 0 {
		return nil, oops.Errorf("onion: empty route")
	}
	next := inner
	for i := len(hops) - 1; i >= 0; i-- {
		p := &route.Payload{
			Directive:        route.ToRelay,
			KeyID:            next.KeyID,
			EncryptedMessage: next.EncryptedMessage,
		}
		if i == len(hops)-1 {
			p.NextHop = origin
			if l == route.LayoutExplicit {
				p.Directive = route.ToOrigin
			}
		} else {
			p.NextHop = hops[i+1].Addr
		}

		pt, err := p.Marshal(l)
		if err != nil {
			return nil, oops.Wrapf(err, "onion: layer %d", i)
		}
		next, err = protocol.Seal(hops[i].Key, protocol.MessageQuery, pt)
		if err != nil {
			return nil, oops.Wrapf(err, "onion: seal layer %d", i)
		}
	}
	return protocol.Compose(next)
}
