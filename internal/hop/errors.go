package hop

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Operative-001/podoh/internal/protocol"
	"github.com/Operative-001/podoh/internal/route"
)

// Kind classifies why a request failed.
type Kind uint8

const (
	KindNone Kind = iota
	MalformedEnvelope
	DecryptionFailed
	TruncatedPayload
	InvalidAddressLength
	DispatchFailed
	EncodingFailed
)

var kindNames = [...]string{
	KindNone:             "none",
	MalformedEnvelope:    "malformed-envelope",
	DecryptionFailed:     "decryption-failed",
	TruncatedPayload:     "truncated-payload",
	InvalidAddressLength: "invalid-address-length",
	DispatchFailed:       "dispatch-failed",
	EncodingFailed:       "encoding-failed",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Status is the HTTP status the interception layer answers with.
func (k Kind) Status() int {
	switch k {
	case MalformedEnvelope, DecryptionFailed, TruncatedPayload, InvalidAddressLength:
		return http.StatusBadRequest
	case DispatchFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Error is a failed request: the kind of failure and the state the request
// had reached when it failed.
type Error struct {
	Kind  Kind
	State State
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("hop: %s after %s: %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the failure kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Kind
	}
	return KindNone
}

// parseKind maps a payload parse error onto its kind.
func parseKind(err error) Kind {
	switch {
	case errors.Is(err, route.ErrInvalidAddressLength):
		return InvalidAddressLength
	case errors.Is(err, protocol.ErrEncodingFailed), errors.Is(err, route.ErrInvalidKeyID):
		return EncodingFailed
	}
	return TruncatedPayload
}
