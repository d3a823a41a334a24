package token

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// macSize is the length of the BLAKE3 tag appended to every payload.
const macSize = 32

// keyContext is the BLAKE3 key-derivation context. Changing it invalidates
// every outstanding token.
const keyContext = "jobfiles 2026-10 capability token MAC key"

// Signer produces and checks tamper-evident envelopes around payloads. Tags
// are scoped to a token kind: an envelope signed for one kind never verifies
// for another.
type Signer interface {
	// Sign returns payload with a tag for kind appended.
	Sign(kind string, payload []byte) []byte
	// Verify checks the tag for kind and returns the payload it protects.
	Verify(kind string, signed []byte) ([]byte, error)
}

// ErrBadSignature is returned when a tag does not verify.
var ErrBadSignature = errors.New("token: signature mismatch")

// KeyedSigner signs with a BLAKE3 keyed hash. A root key is derived from the
// configured secret, so secrets of any length are accepted, and each kind
// gets its own MAC key derived from the root.
type KeyedSigner struct {
	root [32]byte
}

// NewKeyedSigner derives the root key from secret.
func NewKeyedSigner(secret []byte) (*KeyedSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: empty secret")
	}
	s := &KeyedSigner{}
	blake3.DeriveKey(keyContext, secret, s.root[:])
	return s, nil
}

// kindKey returns the MAC key for kind.
func (s *KeyedSigner) kindKey(kind string) [32]byte {
	var key [32]byte
	blake3.DeriveKey(keyContext+" kind "+kind, s.root[:], key[:])
	return key
}

func (s *KeyedSigner) mac(kind string, payload []byte) []byte {
	key := s.kindKey(kind)
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("token: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(payload)
	return hasher.Sum(nil)
}

// Sign returns payload || MAC_kind(payload).
func (s *KeyedSigner) Sign(kind string, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+macSize)
	out = append(out, payload...)
	return append(out, s.mac(kind, payload)...)
}

// Verify splits off the trailing MAC and compares it in constant time with
// the MAC under kind's key.
func (s *KeyedSigner) Verify(kind string, signed []byte) ([]byte, error) {
	if len(signed) <= macSize {
		return nil, ErrBadSignature
	}
	split := len(signed) - macSize
	payload, tag := signed[:split], signed[split:]
	if subtle.ConstantTimeCompare(tag, s.mac(kind, payload)) != 1 {
		return nil, ErrBadSignature
	}
	return payload, nil
}

var _ Signer = (*KeyedSigner)(nil)
