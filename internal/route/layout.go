// Package route parses the routing payload a hop recovers from its layer.
//
// The payload is one logical record with several wire layouts. Every layout
// yields the same thing: where the request goes next and the residual
// envelope fields the next hop will decrypt. The residual fields are always
// sub-slices of the input; parsing never copies or modifies ciphertext.
package route

import (
	"fmt"
	"strings"
)

// Layout selects the binary form of the routing payload.
type Layout uint8

const (
	// LayoutPassthrough carries no routing payload; the body is forwarded as is.
	LayoutPassthrough Layout = iota

	// LayoutHopCount is [hop_count:1][payload...].
	LayoutHopCount

	// LayoutExplicit is
	// [is_proxy:1][addr_len:1][addr][msg_len:8][key_id:32][encrypted_msg:msg_len].
	LayoutExplicit

	// LayoutFixed is [addr_block:32][key_id:32][encrypted_msg:rest], where
	// addr_block is [len:1][addr:len] zero-filled to 32 bytes. The length
	// byte always sits at offset 0 and the padding follows the address.
	LayoutFixed
)

var layoutNames = map[Layout]string{
	LayoutPassthrough: "passthrough",
	LayoutHopCount:    "hopcount",
	LayoutExplicit:    "explicit",
	LayoutFixed:       "fixed",
}

func (l Layout) String() string {
	if s, ok := layoutNames[l]; ok {
		return s
	}
	return fmt.Sprintf("Layout(%d)", uint8(l))
}

// ParseLayout accepts the layout names used in configuration. The single
// letters a, b and c name the hop-count, explicit and fixed layouts.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "passthrough", "none":
		return LayoutPassthrough, nil
	case "hopcount", "hop-count", "a":
		return LayoutHopCount, nil
	case "explicit", "b":
		return LayoutExplicit, nil
	case "fixed", "c":
		return LayoutFixed, nil
	}
	return 0, fmt.Errorf("route: unknown layout %q", s)
}

// Sealed reports whether the hop must decode and decrypt an envelope to
// reach the payload. Hop-count payloads travel in the clear in front of an
// envelope addressed further down the chain.
func (l Layout) Sealed() bool {
	return l == LayoutExplicit || l == LayoutFixed
}

// MinSize is the smallest plaintext that can hold the layout's fixed fields.
func (l Layout) MinSize() int {
	switch l {
	case LayoutHopCount:
		return 1
	case LayoutExplicit:
		return 2 + msgLenSize + KeyIDSize
	case LayoutFixed:
		return AddrBlockSize + KeyIDSize
	}
	return 0
}

// Directive says where a parsed payload sends the request.
type Directive uint8

const (
	// ToRelay forwards through another relay hop.
	ToRelay Directive = iota + 1
	// ToOrigin sends the request to the resolver.
	ToOrigin
)

func (d Directive) String() string {
	switch d {
	case ToRelay:
		return "relay"
	case ToOrigin:
		return "origin"
	}
	return fmt.Sprintf("Directive(%d)", uint8(d))
}
