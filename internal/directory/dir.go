// Package directory keeps the relays a client can route through: a mapping
// of relay names to their addresses and HPKE public keys.
//
// The directory is local. Entries are added by hand or imported from a YAML
// file published by the relay operators.
package directory

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"

	"github.com/Operative-001/podoh/internal/crypto"
	"github.com/Operative-001/podoh/internal/onion"
)

var bucketRelays = []byte("relays")

var (
	ErrNotFound     = errors.New("directory: relay not found")
	ErrInvalidEntry = errors.New("directory: invalid entry")
)

// Entry is one known relay.
type Entry struct {
	Name      string `json:"name" yaml:"name"`
	Addr      string `json:"addr" yaml:"addr"`             // host:port the previous hop proxies through
	PublicKey string `json:"public_key" yaml:"public_key"` // X25519 pubkey hex
	KeyID     string `json:"key_id" yaml:"-"`              // derived from PublicKey on Add
	Added     int64  `json:"added" yaml:"-"`               // Unix seconds
}

// Key parses the entry's public key.
func (e *Entry) Key() (*crypto.PublicKey, error) {
	return crypto.PublicKeyFromHex(e.PublicKey)
}

func (e *Entry) validate() (*crypto.PublicKey, error) {
	if e.Name == "" || e.Addr == "" {
		return nil, oops.Wrapf(ErrInvalidEntry, "name and addr are required")
	}
	pub, err := e.Key()
	if err != nil {
		return nil, oops.Wrapf(ErrInvalidEntry, "relay %s: %v", e.Name, err)
	}
	return pub, nil
}

// Directory is a persistent relay store backed by bbolt.
type Directory struct {
	db *bolt.DB
}

// New opens (or creates) the relay database inside dir.
func New(dir string) (*Directory, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(dir, "relays.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRelays)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Directory{db: db}, nil
}

// Close closes the underlying database.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Add inserts or replaces the entry for e.Name after checking its key.
func (d *Directory) Add(e *Entry) error {
	pub, err := e.validate()
	if err != nil {
		return err
	}
	stored := *e
	stored.KeyID = hex.EncodeToString(pub.KeyID[:])
	stored.Added = time.Now().Unix()

	return d.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRelays).Put([]byte(stored.Name), data)
	})
}

// Remove deletes the named relay. Removing an unknown name is not an error.
func (d *Directory) Remove(name string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRelays).Delete([]byte(name))
	})
}

// Lookup finds an entry by name. Returns nil if not found.
func (d *Directory) Lookup(name string) *Entry {
	var e Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRelays).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &e)
	})
	if err != nil {
		return nil
	}
	return &e
}

// errStop ends a ForEach early.
var errStop = errors.New("stop")

// LookupByAddr finds an entry by relay address.
func (d *Directory) LookupByAddr(addr string) *Entry {
	var found *Entry
	d.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		return tx.Bucket(bucketRelays).ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil && e.Addr == addr {
				found = &e
				return errStop
			}
			return nil
		})
	})
	return found
}

// All returns every entry in name order.
func (d *Directory) All() []Entry {
	var out []Entry
	d.db.View(func(tx *bolt.Tx) error { //nolint:errcheck
		return tx.Bucket(bucketRelays).ForEach(func(_, v []byte) error {
			var e Entry
			if json.Unmarshal(v, &e) == nil {
				out = append(out, e)
			}
			return nil
		})
	})
	return out
}

// importFile is the YAML layout accepted by Import.
type importFile struct {
	Relays []Entry `yaml:"relays"`
}

// Import adds every relay listed in a YAML file and returns how many were
// added. The file is rejected as a whole if any entry is invalid.
func (d *Directory) Import(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var f importFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, oops.Wrapf(ErrInvalidEntry, "%s: %v", path, err)
	}
	for i := range f.Relays {
		if _, err := f.Relays[i].validate(); err != nil {
			return 0, err
		}
	}
	for i := range f.Relays {
		if err := d.Add(&f.Relays[i]); err != nil {
			return i, err
		}
	}
	return len(f.Relays), nil
}

// Route resolves relay names, in order, into the hops of an onion route.
func (d *Directory) Route(names []string) ([]onion.Hop, error) {
	hops := make([]onion.Hop, 0, len(names))
	for _, name := range names {
		e := d.Lookup(name)
		if e == nil {
			return nil, oops.Wrapf(ErrNotFound, "%s", name)
		}
		pub, err := e.Key()
		if err != nil {
			return nil, oops.Wrapf(ErrInvalidEntry, "relay %s: %v", name, err)
		}
		hops = append(hops, onion.Hop{Addr: e.Addr, Key: pub})
	}
	return hops, nil
}
