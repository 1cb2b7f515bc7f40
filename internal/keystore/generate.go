package keystore

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
)

// KeySet is a freshly generated broker key file plus one key file per tenant.
type KeySet struct {
	Broker  *BrokerKeyFile
	Clients map[string]*keystore.ClientKeyFile
}

type keyPair struct {
	pub, priv *cryptobox.Key
}

// Generate creates broker keys and client keys for tenants. The public tenant
// is always included.
func Generate(tenants []string) (*KeySet, error) {
	names := make([]string, 0, len(tenants)+1)
	seen := map[string]bool{keystore.PublicTenant: true}
	names = append(names, keystore.PublicTenant)
	for _, t := range tenants {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		names = append(names, t)
	}
	sort.Strings(names)

	broker, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]keyPair, len(names))
	for _, name := range names {
		p, err := newKeyPair()
		if err != nil {
			return nil, err
		}
		pairs[name] = p
	}

	set := &KeySet{
		Broker: &BrokerKeyFile{
			PublicKey:  keystore.EncodeKey(broker.pub),
			PrivateKey: keystore.EncodeKey(broker.priv),
			Hash:       keystore.HashKey(broker.pub),
			Tenants:    make(map[string]TenantEntry, len(names)),
		},
		Clients: make(map[string]*keystore.ClientKeyFile, len(names)),
	}
	for _, name := range names {
		p := pairs[name]
		set.Broker.Tenants[name] = TenantEntry{
			PublicKey: keystore.EncodeKey(p.pub),
			Hash:      keystore.HashKey(p.pub),
		}
		client := &keystore.ClientKeyFile{
			Tenant:          name,
			PublicKey:       keystore.EncodeKey(p.pub),
			PrivateKey:      keystore.EncodeKey(p.priv),
			Hash:            keystore.HashKey(p.pub),
			BrokerPublicKey: keystore.EncodeKey(broker.pub),
			PublicTenantKey: keystore.EncodeKey(pairs[keystore.PublicTenant].pub),
		}
		if name == keystore.PublicTenant {
			client.TenantKeys = make(map[string]string, len(names)-1)
			for _, other := range names {
				if other != keystore.PublicTenant {
					client.TenantKeys[other] = keystore.EncodeKey(pairs[other].pub)
				}
			}
		}
		set.Clients[name] = client
	}
	return set, nil
}

// Write stores the key set in dir as broker-keys.yaml and <tenant>-keys.yaml.
// It returns the written paths.
func (s *KeySet) Write(dir string) ([]string, error) {
	paths := []string{filepath.Join(dir, "broker-keys.yaml")}
	if err := writeYAML(paths[0], s.Broker); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(s.Clients))
	for name := range s.Clients {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name+"-keys.yaml")
		if err := writeYAML(path, s.Clients[name]); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func newKeyPair() (keyPair, error) {
	pub, priv, err := cryptobox.GenerateKeyPair()
	if err != nil {
		return keyPair{}, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return keyPair{pub: pub, priv: priv}, nil
}
