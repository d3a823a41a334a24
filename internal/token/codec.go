// Package token encodes and decodes capability tokens: opaque strings that
// bind a job identity to a token kind under a server-held key.
//
// Tokens carry no expiry. A token stays cryptographically valid forever;
// its usefulness ends when the job leaves its active states.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// KindJobFiles scopes a token to job file access.
const KindJobFiles = "jobs_files"

// ErrInvalidToken is the only error Decode returns to callers, whatever the
// underlying cause, so a bad signature and a wrong kind look the same.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the signed token payload.
type Claims struct {
	Kind  string `cbor:"1,keyasint"`
	JobID string `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("token: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic("token: CBOR decoder initialization failed: " + err.Error())
	}
}

var encoding = base64.RawURLEncoding

// Codec mints and checks tokens with a Signer.
type Codec struct {
	signer Signer
}

// NewCodec creates a codec around signer.
func NewCodec(signer Signer) *Codec {
	return &Codec{signer: signer}
}

// Encode mints a token for jobID of the given kind.
func (c *Codec) Encode(jobID, kind string) (string, error) {
	if jobID == "" {
		return "", fmt.Errorf("token: job ID is required")
	}
	if kind == "" {
		return "", fmt.Errorf("token: kind is required")
	}
	payload, err := encMode.Marshal(Claims{Kind: kind, JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("token: encoding claims: %w", err)
	}
	return encoding.EncodeToString(c.signer.Sign(kind, payload)), nil
}

// Decode verifies tok under expectedKind's key and returns the job ID it was
// minted for. A token minted for another kind fails verification.
func (c *Codec) Decode(tok, expectedKind string) (string, error) {
	claims, err := c.inspect(tok, expectedKind)
	if err != nil {
		return "", ErrInvalidToken
	}
	if claims.Kind != expectedKind || claims.JobID == "" {
		return "", ErrInvalidToken
	}
	return claims.JobID, nil
}

// Inspect verifies tok under kind's key and returns its claims with the
// precise failure cause. Only for operator-facing output; never surface its
// error to a client.
func (c *Codec) Inspect(tok, kind string) (*Claims, error) {
	return c.inspect(tok, kind)
}

func (c *Codec) inspect(tok, kind string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("token: empty")
	}
	raw, err := encoding.DecodeString(tok)
	if err != nil {
		return nil, fmt.Errorf("token: malformed encoding: %w", err)
	}
	payload, err := c.signer.Verify(kind, raw)
	if err != nil {
		return nil, err
	}
	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("token: decoding claims: %w", err)
	}
	return &claims, nil
}
