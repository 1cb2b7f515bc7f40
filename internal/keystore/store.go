// Package keystore loads the broker's NaCl key material and generates key
// files for brokers and clients.
package keystore

import (
	"fmt"
	"sort"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
)

// Store is the broker side keystore.
type Store struct {
	hash      string
	publicKey *cryptobox.Key
	brokerKey *cryptobox.Key
	byHash    map[string]keystore.Tenant
	byName    map[string]keystore.Tenant
}

var _ keystore.Keystore = (*Store)(nil)

// NewStore precomputes the broker and tenant keys of f.
func NewStore(f *BrokerKeyFile) (*Store, error) {
	pub, err := keystore.DecodeKey("pubkey", f.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := keystore.DecodeKey("privkey", f.PrivateKey)
	if err != nil {
		return nil, err
	}
	hash := f.Hash
	if hash == "" {
		hash = keystore.HashKey(pub)
	}

	s := &Store{
		hash:      hash,
		publicKey: pub,
		brokerKey: cryptobox.Precompute(pub, priv),
		byHash:    make(map[string]keystore.Tenant, len(f.Tenants)),
		byName:    make(map[string]keystore.Tenant, len(f.Tenants)),
	}
	for name, entry := range f.Tenants {
		tenantPub, err := keystore.DecodeKey("tenants."+name+".pubkey", entry.PublicKey)
		if err != nil {
			return nil, err
		}
		tenantHash := entry.Hash
		if tenantHash == "" {
			tenantHash = keystore.HashKey(tenantPub)
		}
		if _, dup := s.byHash[tenantHash]; dup || tenantHash == hash {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateHash, name)
		}
		t := keystore.Tenant{
			Name: name,
			Hash: tenantHash,
			Key:  cryptobox.Precompute(tenantPub, priv),
		}
		s.byHash[tenantHash] = t
		s.byName[name] = t
	}
	return s, nil
}

// LoadStore reads a broker key file and builds a Store from it.
func LoadStore(path string) (*Store, error) {
	f, err := LoadBrokerKeyFile(path)
	if err != nil {
		return nil, err
	}
	return NewStore(f)
}

func (s *Store) LookupByHash(hash string) (keystore.Tenant, bool) {
	t, ok := s.byHash[hash]
	return t, ok
}

func (s *Store) LookupByTenantName(name string) (keystore.Tenant, bool) {
	t, ok := s.byName[name]
	return t, ok
}

func (s *Store) Hash() string { return s.hash }

func (s *Store) BrokerKey() *[keystore.KeySize]byte { return s.brokerKey }

// PublicKey returns the broker's public key, base64 encoded.
func (s *Store) PublicKey() string { return keystore.EncodeKey(s.publicKey) }

func (s *Store) Tenants() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
