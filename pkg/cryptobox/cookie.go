package cryptobox

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// CookieSize is the length of an opened session cookie.
const CookieSize = 8

// NewCookie draws a random non-zero session cookie.
func NewCookie() (uint64, error) {
	var buf [CookieSize]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, fmt.Errorf("failed to draw cookie: %w", err)
		}
		if c := binary.LittleEndian.Uint64(buf[:]); c != 0 {
			return c, nil
		}
	}
}

// SealCookie encrypts a session cookie for a CHALL frame.
func SealCookie(nonces *NonceSource, key *Key, cookie uint64) []byte {
	var buf [CookieSize]byte
	binary.LittleEndian.PutUint64(buf[:], cookie)
	return Seal(nonces, key, buf[:])
}

// OpenCookie decrypts the cookie carried by a CHALL frame.
func OpenCookie(key *Key, sealed []byte) (uint64, error) {
	plain, err := Open(key, sealed)
	if err != nil {
		return 0, err
	}
	if len(plain) != CookieSize {
		return 0, fmt.Errorf("%w: cookie of %d bytes", ErrOpenFailed, len(plain))
	}
	return binary.LittleEndian.Uint64(plain), nil
}
