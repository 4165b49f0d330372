package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/kem"
	"github.com/samber/oops"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyIDSize is the length of a key identifier in this protocol generation.
	KeyIDSize = 32

	keyIDLabel = "odoh key id"
	seedLabel  = "podoh hop seed"
)

// PublicKey is a hop's HPKE public key together with its key identifier.
type PublicKey struct {
	key   kem.PublicKey
	raw   []byte
	KeyID [KeyIDSize]byte
}

// Bytes returns the serialized X25519 public key.
func (p *PublicKey) Bytes() []byte {
	return append([]byte(nil), p.raw...)
}

func (p *PublicKey) Hex() string {
	return hex.EncodeToString(p.raw)
}

// PublicKeyFromBytes parses a serialized X25519 public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	key, err := kemScheme.UnmarshalBinaryPublicKey(b)
	if err != nil {
		return nil, oops.Wrapf(err, "invalid public key")
	}
	return newPublicKey(key)
}

// PublicKeyFromHex parses a hex-encoded X25519 public key.
func PublicKeyFromHex(s string) (*PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, oops.Wrapf(err, "invalid public key hex")
	}
	return PublicKeyFromBytes(b)
}

func newPublicKey(key kem.PublicKey) (*PublicKey, error) {
	raw, err := key.MarshalBinary()
	if err != nil {
		return nil, err
	}
	p := &PublicKey{key: key, raw: raw}
	id, err := deriveKeyID(raw)
	if err != nil {
		return nil, err
	}
	copy(p.KeyID[:], id)
	return p, nil
}

// deriveKeyID follows the ODoH key id construction:
// Expand(Extract("", public key), "odoh key id", 32).
func deriveKeyID(pub []byte) ([]byte, error) {
	prk := hkdf.Extract(sha256.New, pub, nil)
	id := make([]byte, KeyIDSize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(keyIDLabel)), id); err != nil {
		return nil, err
	}
	return id, nil
}

// KeyPair holds a hop's HPKE key pair. The pair is fully determined by Seed,
// so only the seed needs to be persisted.
type KeyPair struct {
	Seed    []byte     `json:"-"`
	Public  *PublicKey `json:"-"`
	private kem.PrivateKey

	// Serialized forms for JSON
	SeedHex   string `json:"seed"`
	PublicHex string `json:"public"`
	KeyIDHex  string `json:"key_id"`
}

// GenerateKeyPair creates a key pair from a random seed.
func GenerateKeyPair() (*KeyPair, error) {
	seed := make([]byte, kemScheme.SeedSize())
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, err
	}
	return newKeyPairFromSeed(seed)
}

// DeriveKeyPair derives the key pair of a hop from a numeric label. The same
// label always yields the same pair, which makes experiment runs reproducible.
// It is not a secret and must not be treated as one.
func DeriveKeyPair(label uint64) (*KeyPair, error) {
	var ikm [8]byte
	binary.BigEndian.PutUint64(ikm[:], label)

	seed := make([]byte, kemScheme.SeedSize())
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm[:], nil, []byte(seedLabel)), seed); err != nil {
		return nil, err
	}
	return newKeyPairFromSeed(seed)
}

func newKeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != kemScheme.SeedSize() {
		return nil, errors.New("invalid seed length")
	}
	pk, sk := kemScheme.DeriveKeyPair(seed)
	pub, err := newPublicKey(pk)
	if err != nil {
		return nil, oops.Wrapf(err, "derive public key")
	}
	kp := &KeyPair{
		Seed:    append([]byte(nil), seed...),
		Public:  pub,
		private: sk,
	}
	kp.syncHex()
	return kp, nil
}

func (kp *KeyPair) syncHex() {
	kp.SeedHex = hex.EncodeToString(kp.Seed)
	kp.PublicHex = kp.Public.Hex()
	kp.KeyIDHex = hex.EncodeToString(kp.Public.KeyID[:])
}

// KeyID returns the identifier envelopes for this pair must carry.
func (kp *KeyPair) KeyID() []byte {
	return kp.Public.KeyID[:]
}

func (kp *KeyPair) PublicKeyHex() string {
	return kp.PublicHex
}

func (kp *KeyPair) Save(path string) error {
	kp.syncHex()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(kp)
}

// LoadKeyPair reads an identity file written by Save. The pair is rebuilt
// from the stored seed; a public key that does not match is rejected.
func LoadKeyPair(path string) (*KeyPair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var stored KeyPair
	if err := json.NewDecoder(f).Decode(&stored); err != nil {
		return nil, err
	}
	seed, err := hex.DecodeString(stored.SeedHex)
	if err != nil {
		return nil, errors.New("invalid seed")
	}
	kp, err := newKeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	if stored.PublicHex != "" && stored.PublicHex != kp.PublicHex {
		return nil, errors.New("public key does not match seed")
	}
	return kp, nil
}
