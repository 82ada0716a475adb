package auth

import (
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// ECDSASigner issues tokens signed with a secp256k1 private key. This is
// the only scheme available in the replicated signer environment.
type ECDSASigner struct {
	key *secp256k1.PrivateKey
}

func NewECDSASigner(key *secp256k1.PrivateKey) *ECDSASigner {
	return &ECDSASigner{key: key}
}

// Sign builds the canonical (expire_at, subject) message, prehashes it with
// SHA3-256, and signs the digest with secp256k1 ECDSA.
func (s *ECDSASigner) Sign(expireAt uint64, subject string) (Token, error) {
	msg, err := encodeMessage(expireAt, subject)
	if err != nil {
		return Token{}, err
	}
	digest := sha3.Sum256(msg)
	sig := ecdsa.Sign(s.key, digest[:])
	return Token{ExpireAt: expireAt, Subject: subject, Signature: sig.Serialize()}, nil
}

// ECDSAVerifier verifies tokens against one or more configured secp256k1
// verifying keys, trying each in turn until one succeeds or they're
// exhausted.
type ECDSAVerifier struct {
	keys []*secp256k1.PublicKey
	now  func() time.Time
}

func NewECDSAVerifier(keys []*secp256k1.PublicKey) *ECDSAVerifier {
	return &ECDSAVerifier{keys: keys, now: time.Now}
}

func (v *ECDSAVerifier) Verify(tokenBytes []byte) (string, error) {
	token, err := decodeToken(tokenBytes)
	if err != nil {
		return "", ErrAuthFailed
	}
	if err := checkExpiry(token.ExpireAt, v.now()); err != nil {
		return "", err
	}

	sig, err := ecdsa.ParseDERSignature(token.Signature)
	if err != nil {
		return "", ErrAuthFailed
	}
	msg, err := encodeMessage(token.ExpireAt, token.Subject)
	if err != nil {
		return "", ErrAuthFailed
	}
	digest := sha3.Sum256(msg)

	for _, key := range v.keys {
		if sig.Verify(digest[:], key) {
			return token.Subject, nil
		}
	}
	return "", ErrAuthFailed
}

// ParseECDSAPubKeyHex parses a hex-encoded compressed or uncompressed
// secp256k1 public key, as read from an ECDSA_PUB_KEY* environment entry.
func ParseECDSAPubKeyHex(hexKey string) (*secp256k1.PublicKey, error) {
	raw, err := decodeHex(hexKey)
	if err != nil {
		return nil, err
	}
	return secp256k1.ParsePubKey(raw)
}
