// Package keystore defines the key material a broker needs to authenticate
// clients and child brokers.
//
// Key files themselves are opaque to the broker: it only looks tenants up by the
// key hash a client presents in ADDLCL or by tenant name during routing, and it
// uses its own hash and broker key for the broker-to-broker handshake.
package keystore

// KeySize is the length of a precomputed box key.
const KeySize = 32

// Tenant is one tenant known to the broker. Key is the precomputed key shared
// between the broker and the tenant's clients.
type Tenant struct {
	Name string
	Hash string
	Key  *[KeySize]byte
}

// Keystore resolves tenants and exposes the broker's own key material.
type Keystore interface {
	// LookupByHash returns the tenant whose key hash is hash.
	LookupByHash(hash string) (Tenant, bool)

	// LookupByTenantName returns the tenant called name.
	LookupByTenantName(name string) (Tenant, bool)

	// Hash returns the hash of the broker key. Child brokers present it in ADDBR.
	Hash() string

	// BrokerKey returns the precomputed key shared by all brokers of the tree.
	BrokerKey() *[KeySize]byte

	// Tenants returns the names of all known tenants, sorted.
	Tenants() []string
}
