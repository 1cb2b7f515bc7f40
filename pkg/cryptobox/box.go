// Package cryptobox seals and opens payloads with precomputed NaCl box keys.
//
// Sealed messages are laid out as nonce || ciphertext. Nonces come from a
// NonceSource: a 24 byte counter seeded from crypto/rand and incremented before
// every seal, so a nonce never repeats for the lifetime of a key.
package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/nacl/box"
)

const (
	// NonceSize is the length of the nonce prefix of a sealed message.
	NonceSize = 24
	// KeySize is the length of public, private and precomputed keys.
	KeySize = 32
	// Overhead is the number of bytes Seal adds to a message.
	Overhead = NonceSize + box.Overhead
)

var (
	// ErrShortMessage is returned when a sealed message is shorter than Overhead.
	ErrShortMessage = errors.New("sealed message too short")
	// ErrOpenFailed is returned when authentication of a sealed message fails.
	ErrOpenFailed = errors.New("failed to open sealed message")
)

// Key is a precomputed shared key.
type Key = [KeySize]byte

// NonceSource hands out strictly increasing nonces. Safe for concurrent use.
type NonceSource struct {
	mu    sync.Mutex
	nonce [NonceSize]byte
}

// NewNonceSource seeds a counter from crypto/rand.
func NewNonceSource() (*NonceSource, error) {
	return NewNonceSourceFrom(rand.Reader)
}

// NewNonceSourceFrom seeds a counter from r.
func NewNonceSourceFrom(r io.Reader) (*NonceSource, error) {
	n := &NonceSource{}
	if _, err := io.ReadFull(r, n.nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to seed nonce: %w", err)
	}
	return n, nil
}

// Next increments the counter and returns the new value.
func (n *NonceSource) Next() [NonceSize]byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	// big-endian increment
	for i := NonceSize - 1; i >= 0; i-- {
		n.nonce[i]++
		if n.nonce[i] != 0 {
			break
		}
	}
	return n.nonce
}

// Seal encrypts msg under key with the next nonce from nonces.
func Seal(nonces *NonceSource, key *Key, msg []byte) []byte {
	nonce := nonces.Next()
	out := make([]byte, NonceSize, Overhead+len(msg))
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, msg, &nonce, key)
}

// Open decrypts a message produced by Seal.
func Open(key *Key, sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, ErrShortMessage
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	msg, ok := box.OpenAfterPrecomputation(nil, sealed[NonceSize:], &nonce, key)
	if !ok {
		return nil, ErrOpenFailed
	}
	return msg, nil
}

// GenerateKeyPair creates a new Curve25519 key pair.
func GenerateKeyPair() (publicKey, privateKey *Key, err error) {
	return box.GenerateKey(rand.Reader)
}

// Precompute derives the shared key between a peer's public key and our private key.
func Precompute(peersPublicKey, privateKey *Key) *Key {
	shared := new(Key)
	box.Precompute(shared, peersPublicKey, privateKey)
	return shared
}
