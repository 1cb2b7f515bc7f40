package keystore

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrDuplicateHash is returned when two tenants share a key hash.
var ErrDuplicateHash = errors.New("duplicate tenant hash")

// BrokerKeyFile is the on-disk key material of a broker. JSON key files parse
// as well, since YAML is a superset of JSON.
type BrokerKeyFile struct {
	PublicKey  string                 `yaml:"pubkey"`
	PrivateKey string                 `yaml:"privkey"`
	Hash       string                 `yaml:"hash"`
	Tenants    map[string]TenantEntry `yaml:"tenants"`
}

// TenantEntry is the public half of a tenant key as the broker sees it.
type TenantEntry struct {
	PublicKey string `yaml:"pubkey"`
	Hash      string `yaml:"hash"`
}

// LoadBrokerKeyFile reads a broker key file.
func LoadBrokerKeyFile(path string) (*BrokerKeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	f := &BrokerKeyFile{}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
	}
	return f, nil
}

func writeYAML(path string, in any) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}
