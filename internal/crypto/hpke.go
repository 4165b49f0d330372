// Package crypto provides the HPKE layer encryption used by every hop.
//
// Each hop owns one X25519 key pair. A layer is sealed to the hop's public
// key with HPKE (X25519, HKDF-SHA256, AES-128-GCM, the ODoH suite) and can be
// opened only by the matching private key. The encapsulated key is carried
// in front of the ciphertext:
//
//	enc(32) || ciphertext+tag
package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/cloudflare/circl/hpke"
	"github.com/samber/oops"
)

const (
	hpkeInfo    = "odoh query"
	exportLabel = "odoh layer secret"

	// SecretSize is the length of the exporter secret kept in a Context.
	SecretSize = 32

	aeadOverhead = 16
)

var (
	suite     = hpke.NewSuite(hpke.KEM_X25519_HKDF_SHA256, hpke.KDF_HKDF_SHA256, hpke.AEAD_AES128GCM)
	kemScheme = hpke.KEM_X25519_HKDF_SHA256.Scheme()
)

// ErrDecryptFailed is returned when a layer cannot be opened (wrong key or
// corrupt data).
var ErrDecryptFailed = errors.New("decrypt: authentication failed")

// Context is what remains of a decrypted layer once the plaintext has been
// handed out. It carries the HPKE exporter secret, which a target would use
// to key its response; relays only keep it for diagnostics.
type Context struct {
	secret []byte
}

// Secret returns the exporter secret of the layer.
func (c *Context) Secret() []byte {
	return c.secret
}

// Encrypt seals plaintext to pub. aad is authenticated but not encrypted;
// the envelope codec passes the envelope header here.
//
// Output format: enc || ciphertext+tag
func Encrypt(pub *PublicKey, aad, plaintext []byte) ([]byte, error) {
	if pub == nil {
		return nil, oops.Errorf("encrypt: nil public key")
	}
	sender, err := suite.NewSender(pub.key, []byte(hpkeInfo))
	if err != nil {
		return nil, oops.Wrapf(err, "encrypt: hpke sender")
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, oops.Wrapf(err, "encrypt: hpke setup")
	}
	ct, err := sealer.Seal(plaintext, aad)
	if err != nil {
		return nil, oops.Wrapf(err, "encrypt: seal")
	}

	out := make([]byte, 0, len(enc)+len(ct))
	out = append(out, enc...)
	out = append(out, ct...)
	return out, nil
}

// Decrypt opens data with the private half of kp.
// Every failure is reported as ErrDecryptFailed.
func Decrypt(kp *KeyPair, aad, data []byte) ([]byte, *Context, error) {
	encSize := kemScheme.CiphertextSize()
	if kp == nil || len(data) < encSize+aeadOverhead {
		return nil, nil, ErrDecryptFailed
	}

	receiver, err := suite.NewReceiver(kp.private, []byte(hpkeInfo))
	if err != nil {
		return nil, nil, ErrDecryptFailed
	}
	opener, err := receiver.Setup(data[:encSize])
	if err != nil {
		return nil, nil, ErrDecryptFailed
	}
	pt, err := opener.Open(data[encSize:], aad)
	if err != nil {
		return nil, nil, ErrDecryptFailed
	}
	return pt, &Context{secret: opener.Export([]byte(exportLabel), SecretSize)}, nil
}
