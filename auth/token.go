// Package auth implements the Token Codec: deterministic serialization and
// signature verification/creation for short-lived bearer tokens over two
// signature schemes (ECDSA-secp256k1 and Ed25519).
package auth

import (
	"encoding/base64"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Drift is the allowable clock skew accepted when verifying a token near
// its expiry. Fixed rather than configurable.
const Drift = 10 * time.Second

// Token is the triple transmitted on the wire: when it expires (Unix
// seconds), who it asserts, and the signature covering the first two fields.
type Token struct {
	ExpireAt  uint64 `cbor:"0,keyasint"`
	Subject   string `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// signedMessage is the canonical encoding of (expire_at, subject) that the
// signature covers — deliberately a separate, smaller struct so signing and
// verification encode exactly the same bytes regardless of how Token adds
// or reorders fields later.
type signedMessage struct {
	ExpireAt uint64 `cbor:"0,keyasint"`
	Subject  string `cbor:"1,keyasint"`
}

var ErrAuthFailed = errors.New("auth: signature verification failed")

// Scheme selects which signature algorithm a Token Codec instance uses.
// At most one is configured per deployment; verification tries the
// configured scheme only, never both.
type Scheme int

const (
	SchemeECDSASecp256k1 Scheme = iota
	SchemeEd25519
)

// Verifier asserts the subject of a presented bearer token.
type Verifier interface {
	Verify(tokenBytes []byte) (subject string, err error)
}

// encodeMessage returns the canonical bytes the signature is computed over.
func encodeMessage(expireAt uint64, subject string) ([]byte, error) {
	return cbor.Marshal(signedMessage{ExpireAt: expireAt, Subject: subject})
}

// EncodeMessage exposes the canonical (expire_at, subject) encoding to
// callers outside this package that sign through an external key service
// rather than a local private key.
func EncodeMessage(expireAt uint64, subject string) ([]byte, error) {
	return encodeMessage(expireAt, subject)
}

// encodeToken returns the canonical encoding of the full (expire_at,
// subject, signature) triple — this is what travels over the wire.
func encodeToken(t Token) ([]byte, error) {
	return cbor.Marshal(t)
}

func decodeToken(data []byte) (Token, error) {
	var t Token
	if err := cbor.Unmarshal(data, &t); err != nil {
		return Token{}, err
	}
	return t, nil
}

// EncodeWire base64url-no-pads the canonical token encoding for transport
// in the proxy-authorization header.
func EncodeWire(t Token) (string, error) {
	raw, err := encodeToken(t)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeWire reverses EncodeWire: base64url-no-pad decode, then CBOR decode.
func DecodeWire(wire string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(wire)
	if err != nil {
		return Token{}, err
	}
	return decodeToken(raw)
}

// checkExpiry rejects a token if it's more than Drift seconds past expiry.
func checkExpiry(expireAt uint64, now time.Time) error {
	nowSecs := uint64(now.Unix())
	if expireAt+uint64(Drift.Seconds()) < nowSecs {
		return ErrAuthFailed
	}
	return nil
}
