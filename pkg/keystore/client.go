package keystore

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidKey is returned when a key field does not decode to 32 bytes.
	ErrInvalidKey = errors.New("invalid key")
	// ErrMissingTenant is returned when a client key file names no tenant.
	ErrMissingTenant = errors.New("key file has no tenant")
)

// PublicTenant is the tenant whose clients may talk across tenants.
const PublicTenant = "public"

// ClientKeyFile is the on-disk key material of a client. JSON key files parse
// as well, since YAML is a superset of JSON.
type ClientKeyFile struct {
	Tenant          string `yaml:"tenant"`
	PublicKey       string `yaml:"pubkey"`
	PrivateKey      string `yaml:"privkey"`
	Hash            string `yaml:"hash"`
	BrokerPublicKey string `yaml:"ddpubkey"`
	PublicTenantKey string `yaml:"publicpubkey"`
	// TenantKeys holds the public keys of every other tenant. Only the public
	// tenant's clients carry it.
	TenantKeys map[string]string `yaml:"clientkeys,omitempty"`
}

// LoadClientKeyFile reads a client key file.
func LoadClientKeyFile(path string) (*ClientKeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	f := &ClientKeyFile{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	if f.Tenant == "" {
		return nil, fmt.Errorf("%s: %w", path, ErrMissingTenant)
	}
	return f, nil
}

// EncodeKey renders a key the way key files store it.
func EncodeKey(k *cryptobox.Key) string {
	return base64.StdEncoding.EncodeToString(k[:])
}

// DecodeKey parses the key stored in field of a key file.
func DecodeKey(field, s string) (*cryptobox.Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, field, err)
	}
	if len(raw) != cryptobox.KeySize {
		return nil, fmt.Errorf("%w: %s has %d bytes", ErrInvalidKey, field, len(raw))
	}
	k := new(cryptobox.Key)
	copy(k[:], raw)
	return k, nil
}

// HashKey returns the hash clients and brokers present during registration.
func HashKey(publicKey *cryptobox.Key) string {
	sum := sha256.Sum256(publicKey[:])
	return hex.EncodeToString(sum[:])
}

// ClientKeys is the client side key material, with every shared key precomputed.
type ClientKeys struct {
	Tenant string
	Hash   string
	// BrokerKey opens the registration challenge.
	BrokerKey *cryptobox.Key
	// TenantKey protects traffic between clients of the same tenant.
	TenantKey *cryptobox.Key
	// PublicKey protects traffic with the public tenant.
	PublicKey *cryptobox.Key
	// PeerKeys protects traffic from a public client to each tenant.
	PeerKeys map[string]*cryptobox.Key
}

// NewClientKeys precomputes the shared keys of f.
func NewClientKeys(f *ClientKeyFile) (*ClientKeys, error) {
	if f.Tenant == "" {
		return nil, ErrMissingTenant
	}
	pub, err := DecodeKey("pubkey", f.PublicKey)
	if err != nil {
		return nil, err
	}
	priv, err := DecodeKey("privkey", f.PrivateKey)
	if err != nil {
		return nil, err
	}
	brokerPub, err := DecodeKey("ddpubkey", f.BrokerPublicKey)
	if err != nil {
		return nil, err
	}
	publicPub, err := DecodeKey("publicpubkey", f.PublicTenantKey)
	if err != nil {
		return nil, err
	}

	hash := f.Hash
	if hash == "" {
		hash = HashKey(pub)
	}
	k := &ClientKeys{
		Tenant:    f.Tenant,
		Hash:      hash,
		BrokerKey: cryptobox.Precompute(brokerPub, priv),
		TenantKey: cryptobox.Precompute(pub, priv),
		PublicKey: cryptobox.Precompute(publicPub, priv),
		PeerKeys:  make(map[string]*cryptobox.Key, len(f.TenantKeys)),
	}
	for name, encoded := range f.TenantKeys {
		peerPub, err := DecodeKey("clientkeys."+name, encoded)
		if err != nil {
			return nil, err
		}
		k.PeerKeys[name] = cryptobox.Precompute(peerPub, priv)
	}
	return k, nil
}

// LoadClientKeys reads a client key file and precomputes its keys.
func LoadClientKeys(path string) (*ClientKeys, error) {
	f, err := LoadClientKeyFile(path)
	if err != nil {
		return nil, err
	}
	return NewClientKeys(f)
}

// IsPublic reports whether these keys belong to the public tenant.
func (k *ClientKeys) IsPublic() bool {
	return k.Tenant == PublicTenant
}

// SealKey picks the key used to encrypt a message sent to target, which is a
// client name or topic.
func (k *ClientKeys) SealKey(target string) *cryptobox.Key {
	if k.IsPublic() {
		if tenant, _, ok := strings.Cut(target, "."); ok {
			if peer, found := k.PeerKeys[tenant]; found {
				return peer
			}
		}
	}
	if strings.HasPrefix(target, PublicTenant+".") {
		return k.PublicKey
	}
	return k.TenantKey
}

// OpenKey picks the key used to decrypt a message received from source.
func (k *ClientKeys) OpenKey(source string) *cryptobox.Key {
	if tenant, _, ok := strings.Cut(source, "."); ok {
		if peer, found := k.PeerKeys[tenant]; found {
			return peer
		}
	}
	if strings.HasPrefix(source, PublicTenant+".") {
		return k.PublicKey
	}
	return k.TenantKey
}
