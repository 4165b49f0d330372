// Package protocol defines the oblivious message envelope that every hop
// receives and forwards.
//
// The wire layout is the ODoH message struct:
//
//	type(1) || key_id_len(2, big-endian) || key_id || msg_len(2, big-endian) || encrypted_msg
//
// A relay never re-encrypts an envelope. It opens the one addressed to it and
// composes the residual key id and ciphertext found inside into a new one.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/samber/oops"

	"github.com/Operative-001/podoh/internal/crypto"
)

// MessageType distinguishes queries from responses.
type MessageType byte

const (
	MessageQuery    MessageType = 0x01
	MessageResponse MessageType = 0x02
)

func (t MessageType) String() string {
	switch t {
	case MessageQuery:
		return "query"
	case MessageResponse:
		return "response"
	}
	return fmt.Sprintf("MessageType(%d)", byte(t))
}

const (
	// HeaderSize is the fixed part of an envelope: type plus both length fields.
	HeaderSize = 1 + 2 + 2

	// MaxMessage is the largest encrypted message the 16-bit length can carry.
	MaxMessage = math.MaxUint16
)

var (
	ErrMalformedEnvelope = errors.New("envelope: malformed")
	ErrDecryptionFailed  = errors.New("envelope: decryption failed")
	ErrEncodingFailed    = errors.New("envelope: cannot encode")
)

// Envelope is one oblivious message unit.
type Envelope struct {
	Type             MessageType
	KeyID            []byte
	EncryptedMessage []byte
}

// Len is the size of the envelope's wire form.
func (e Envelope) Len() int {
	return HeaderSize + len(e.KeyID) + len(e.EncryptedMessage)
}

// Encode serialises e. It is the exact inverse of Decode and does no
// validation; use Compose for envelopes built from untrusted fields.
func (e Envelope) Encode() []byte {
	buf := make([]byte, 0, e.Len())
	buf = append(buf, byte(e.Type))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.KeyID)))
	buf = append(buf, e.KeyID...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.EncryptedMessage)))
	buf = append(buf, e.EncryptedMessage...)
	return buf
}

// Decode parses the wire form of an envelope. The returned fields alias b.
// Unknown message types and trailing bytes after the declared message are
// rejected, so Encode(Decode(b)) reproduces b exactly. The key id length is
// whatever the header declares; Decrypt and Compose hold it to KeyIDSize.
func Decode(b []byte) (Envelope, error) {
	if len(b) < HeaderSize {
		return Envelope{}, oops.Wrapf(ErrMalformedEnvelope, "%d bytes is shorter than the header", len(b))
	}
	var e Envelope
	e.Type = MessageType(b[0])
	if e.Type != MessageQuery && e.Type != MessageResponse {
		return Envelope{}, oops.Wrapf(ErrMalformedEnvelope, "unknown message type %d", b[0])
	}
	off := 1

	keyLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b)-off < keyLen+2 {
		return Envelope{}, oops.Wrapf(ErrMalformedEnvelope, "key id length %d overruns %d bytes", keyLen, len(b))
	}
	e.KeyID = b[off : off+keyLen]
	off += keyLen

	msgLen := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if len(b)-off != msgLen {
		return Envelope{}, oops.Wrapf(ErrMalformedEnvelope, "message length %d, %d bytes remain", msgLen, len(b)-off)
	}
	e.EncryptedMessage = b[off : off+msgLen]
	return e, nil
}

// Compose validates the fields of a new envelope and serialises it.
// The key id must be exactly crypto.KeyIDSize bytes.
func Compose(e Envelope) ([]byte, error) {
	if e.Type != MessageQuery && e.Type != MessageResponse {
		return nil, oops.Wrapf(ErrEncodingFailed, "unknown message type %d", byte(e.Type))
	}
	if len(e.KeyID) != crypto.KeyIDSize {
		return nil, oops.Wrapf(ErrEncodingFailed, "key id is %d bytes, want %d", len(e.KeyID), crypto.KeyIDSize)
	}
	if len(e.EncryptedMessage) == 0 || len(e.EncryptedMessage) > MaxMessage {
		return nil, oops.Wrapf(ErrEncodingFailed, "encrypted message of %d bytes", len(e.EncryptedMessage))
	}
	return e.Encode(), nil
}

// aad binds the ciphertext to the envelope header it travels in.
func aad(t MessageType, keyID []byte) []byte {
	out := make([]byte, 0, 3+len(keyID))
	out = append(out, byte(t))
	out = binary.BigEndian.AppendUint16(out, uint16(len(keyID)))
	return append(out, keyID...)
}

// Seal encrypts plaintext to pub and returns the envelope carrying it.
func Seal(pub *crypto.PublicKey, t MessageType, plaintext []byte) (Envelope, error) {
	if pub == nil {
		return Envelope{}, oops.Wrapf(ErrEncodingFailed, "no public key")
	}
	keyID := append([]byte(nil), pub.KeyID[:]...)
	ct, err := crypto.Encrypt(pub, aad(t, keyID), plaintext)
	if err != nil {
		return Envelope{}, oops.Wrapf(err, "seal %s", t)
	}
	if len(ct) > MaxMessage {
		return Envelope{}, oops.Wrapf(ErrEncodingFailed, "sealed message of %d bytes", len(ct))
	}
	return Envelope{Type: t, KeyID: keyID, EncryptedMessage: ct}, nil
}

// Decrypt opens a decoded envelope with kp. It fails with ErrDecryptionFailed
// when the key id does not name kp or when authentication fails.
func Decrypt(e Envelope, kp *crypto.KeyPair) ([]byte, *crypto.Context, error) {
	if kp == nil || !bytes.Equal(e.KeyID, kp.KeyID()) {
		return nil, nil, oops.Wrapf(ErrDecryptionFailed, "key id does not match this hop")
	}
	pt, ctx, err := crypto.Decrypt(kp, aad(e.Type, e.KeyID), e.EncryptedMessage)
	if err != nil {
		return nil, nil, oops.Wrapf(ErrDecryptionFailed, "%v", err)
	}
	return pt, ctx, nil
}

