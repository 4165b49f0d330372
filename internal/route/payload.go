package route

import (
	"encoding/binary"
	"errors"

	"github.com/samber/oops"
)

const (
	// KeyIDSize is the width of the residual key id field.
	KeyIDSize = 32

	// AddrBlockSize is the width of the fixed layout's address block.
	AddrBlockSize = 32

	// MaxExplicitAddr is the longest address the explicit layout accepts,
	// the length limit of a DNS name.
	MaxExplicitAddr = 253

	// MaxFixedAddr leaves room for the length byte inside the address block.
	MaxFixedAddr = AddrBlockSize - 1

	msgLenSize = 8
)

var (
	ErrTruncatedPayload     = errors.New("route: truncated payload")
	ErrInvalidAddressLength = errors.New("route: invalid address length")
	ErrInvalidKeyID         = errors.New("route: invalid key id")
)

// Payload is the routing record recovered from one layer.
type Payload struct {
	Directive Directive

	// HopCount is the remaining relay count of a hop-count payload.
	HopCount uint8

	// NextHop is the relay address or origin host named by the payload.
	NextHop string

	// KeyID and EncryptedMessage are the residual envelope fields.
	KeyID            []byte
	EncryptedMessage []byte

	// Rest is the opaque body behind the hop count, or the whole body of a
	// passthrough payload.
	Rest []byte
}

// Parse reads b under layout l. Fields of the returned payload alias b.
func Parse(l Layout, b []byte) (*Payload, error) {
	switch l {
	case LayoutPassthrough:
		return &Payload{Directive: ToOrigin, Rest: b}, nil
	case LayoutHopCount:
		return parseHopCount(b)
	case LayoutExplicit:
		return parseExplicit(b)
	case LayoutFixed:
		return parseFixed(b)
	}
	return nil, oops.Errorf("route: cannot parse layout %s", l)
}

func parseHopCount(b []byte) (*Payload, error) {
	if len(b) < LayoutHopCount.MinSize() {
		return nil, oops.Wrapf(ErrTruncatedPayload, "empty hop-count payload")
	}
	p := &Payload{HopCount: b[0], Rest: b[1:], Directive: ToOrigin}
	if p.HopCount > 0 {
		p.Directive = ToRelay
	}
	return p, nil
}

func parseExplicit(b []byte) (*Payload, error) {
	if len(b) < 2 {
		return nil, oops.Wrapf(ErrTruncatedPayload, "%d bytes, need at least %d", len(b), LayoutExplicit.MinSize())
	}
	p := &Payload{Directive: ToOrigin}
	if b[0] != 0 {
		p.Directive = ToRelay
	}
	n := int(b[1])
	if n == 0 || n > MaxExplicitAddr {
		return nil, oops.Wrapf(ErrInvalidAddressLength, "address length %d", n)
	}
	off := 2
	if len(b) < off+n+msgLenSize+KeyIDSize {
		return nil, oops.Wrapf(ErrTruncatedPayload, "%d bytes cannot hold a %d byte address", len(b), n)
	}
	p.NextHop = string(b[off : off+n])
	off += n

	msgLen := binary.BigEndian.Uint64(b[off:])
	off += msgLenSize
	p.KeyID = b[off : off+KeyIDSize]
	off += KeyIDSize

	// Bytes past msg_len are padding.
	if msgLen > uint64(len(b)-off) {
		return nil, oops.Wrapf(ErrTruncatedPayload, "message length %d, %d bytes remain", msgLen, len(b)-off)
	}
	p.EncryptedMessage = b[off : off+int(msgLen)]
	return p, nil
}

func parseFixed(b []byte) (*Payload, error) {
	if len(b) < LayoutFixed.MinSize() {
		return nil, oops.Wrapf(ErrTruncatedPayload, "%d bytes, need at least %d", len(b), LayoutFixed.MinSize())
	}
	n := int(b[0])
	if n == 0 || n > MaxFixedAddr {
		return nil, oops.Wrapf(ErrInvalidAddressLength, "address length %d", n)
	}
	return &Payload{
		Directive:        ToRelay,
		NextHop:          string(b[1 : 1+n]),
		KeyID:            b[AddrBlockSize : AddrBlockSize+KeyIDSize],
		EncryptedMessage: b[AddrBlockSize+KeyIDSize:],
	}, nil
}

// Forward returns the body a hop-count payload carries onward: the count
// decremented while relays remain, otherwise the bare inner body.
// The input buffer is left untouched.
func (p *Payload) Forward() []byte {
	if p.HopCount == 0 {
		return p.Rest
	}
	out := make([]byte, 0, 1+len(p.Rest))
	out = append(out, p.HopCount-1)
	return append(out, p.Rest...)
}

// Marshal serialises p under layout l. It is the inverse of Parse for
// every payload Parse accepts, except that explicit-layout padding is not
// reproduced.
func (p *Payload) Marshal(l Layout) ([]byte, error) {
	switch l {
	case LayoutPassthrough:
		return append([]byte(nil), p.Rest...), nil

	case LayoutHopCount:
		out := make([]byte, 0, 1+len(p.Rest))
		out = append(out, p.HopCount)
		return append(out, p.Rest...), nil

	case LayoutExplicit:
		if len(p.NextHop) == 0 || len(p.NextHop) > MaxExplicitAddr {
			return nil, oops.Wrapf(ErrInvalidAddressLength, "address %q", p.NextHop)
		}
		if len(p.KeyID) != KeyIDSize {
			return nil, oops.Wrapf(ErrInvalidKeyID, "%d bytes", len(p.KeyID))
		}
		out := make([]byte, 0, 2+len(p.NextHop)+msgLenSize+KeyIDSize+len(p.EncryptedMessage))
		var proxy byte
		if p.Directive == ToRelay {
			proxy = 1
		}
		out = append(out, proxy, byte(len(p.NextHop)))
		out = append(out, p.NextHop...)
		out = binary.BigEndian.AppendUint64(out, uint64(len(p.EncryptedMessage)))
		out = append(out, p.KeyID...)
		return append(out, p.EncryptedMessage...), nil

	case LayoutFixed:
		if len(p.NextHop) == 0 || len(p.NextHop) > MaxFixedAddr {
			return nil, oops.Wrapf(ErrInvalidAddressLength, "address %q", p.NextHop)
		}
		if len(p.KeyID) != KeyIDSize {
			return nil, oops.Wrapf(ErrInvalidKeyID, "%d bytes", len(p.KeyID))
		}
		out := make([]byte, AddrBlockSize, AddrBlockSize+KeyIDSize+len(p.EncryptedMessage))
		out[0] = byte(len(p.NextHop))
		copy(out[1:], p.NextHop)
		out = append(out, p.KeyID...)
		return append(out, p.EncryptedMessage...), nil
	}
	return nil, oops.Errorf("route: cannot marshal layout %s", l)
}
