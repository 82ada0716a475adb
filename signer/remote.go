package signer

import (
	"context"

	"golang.org/x/crypto/sha3"

	"github.com/GordenArcher/idempotent-proxy/auth"
)

// keyServiceECDSASigner signs through an external KeyService rather than a
// locally held private key, prehashing with SHA3-256 to match the ECDSA
// scheme's local signer.
type keyServiceECDSASigner struct {
	ks KeyService
}

// NewKeyServiceECDSASigner adapts a KeyService into a TokenSigner using the
// secp256k1 scheme.
func NewKeyServiceECDSASigner(ks KeyService) TokenSigner {
	return &keyServiceECDSASigner{ks: ks}
}

func (s *keyServiceECDSASigner) Sign(expireAt uint64, subject string) (auth.Token, error) {
	msg, err := auth.EncodeMessage(expireAt, subject)
	if err != nil {
		return auth.Token{}, err
	}
	digest := sha3.Sum256(msg)
	sig, err := s.ks.Sign(context.Background(), digest[:])
	if err != nil {
		return auth.Token{}, err
	}
	return auth.Token{ExpireAt: expireAt, Subject: subject, Signature: sig}, nil
}

// keyServiceEd25519Signer signs through an external KeyService using the
// Ed25519 scheme, which consumes the message bytes directly.
type keyServiceEd25519Signer struct {
	ks KeyService
}

// NewKeyServiceEd25519Signer adapts a KeyService into a TokenSigner using
// the Ed25519 scheme.
func NewKeyServiceEd25519Signer(ks KeyService) TokenSigner {
	return &keyServiceEd25519Signer{ks: ks}
}

func (s *keyServiceEd25519Signer) Sign(expireAt uint64, subject string) (auth.Token, error) {
	msg, err := auth.EncodeMessage(expireAt, subject)
	if err != nil {
		return auth.Token{}, err
	}
	sig, err := s.ks.Sign(context.Background(), msg)
	if err != nil {
		return auth.Token{}, err
	}
	return auth.Token{ExpireAt: expireAt, Subject: subject, Signature: sig}, nil
}
