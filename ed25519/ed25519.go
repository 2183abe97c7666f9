// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ed25519 wraps the standard library ed25519 package with types
// that interoperate with the unpadded-base64 key encoding used on the wire.
package ed25519

import (
	"bytes"
	stded25519 "crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/edwards25519"
)

const (
	PublicKeySize  = stded25519.PublicKeySize
	PrivateKeySize = stded25519.PrivateKeySize
	SignatureSize  = stded25519.SignatureSize
	SeedSize       = stded25519.SeedSize
)

type PublicKey stded25519.PublicKey

type PrivateKey stded25519.PrivateKey

// GenerateKey generates a public/private key pair. If rand is nil,
// [crypto/rand.Reader] will be used.
func GenerateKey(rand io.Reader) (PublicKey, PrivateKey, error) {
	pub, priv, err := stded25519.GenerateKey(rand)
	return PublicKey(pub), PrivateKey(priv), err
}

// NewKeyFromSeed calculates a private key from a 32-byte seed.
func NewKeyFromSeed(seed []byte) PrivateKey {
	return PrivateKey(stded25519.NewKeyFromSeed(seed))
}

// PublicKeyFromBase64 parses an unpadded-base64 public key and checks that
// it is a valid point on the curve.
func PublicKeyFromBase64(key string) (PublicKey, error) {
	keyBytes, err := base64.RawStdEncoding.DecodeString(key)
	if err != nil {
		return nil, err
	}
	return PublicKeyFromBytes(keyBytes)
}

// PublicKeyFromBytes converts the raw key bytes into a [PublicKey], checking
// that they encode a valid point on the curve.
func PublicKeyFromBytes(key []byte) (PublicKey, error) {
	if len(key) != PublicKeySize {
		return nil, fmt.Errorf("invalid public key length %d", len(key))
	}
	if _, err := new(edwards25519.Point).SetBytes(key); err != nil {
		return nil, fmt.Errorf("invalid public key: %w", err)
	}
	return PublicKey(bytes.Clone(key)), nil
}

// Equal reports whether pub and other have the same value. other may be a
// [PublicKey] or a standard library ed25519 public key.
func (pub PublicKey) Equal(other any) bool {
	switch otherKey := other.(type) {
	case PublicKey:
		return bytes.Equal(pub, otherKey)
	case stded25519.PublicKey:
		return bytes.Equal(pub, otherKey)
	default:
		return false
	}
}

// Verify reports whether sig is a valid signature of message by pub.
func (pub PublicKey) Verify(message, sig []byte) bool {
	return stded25519.Verify(stded25519.PublicKey(pub), message, sig)
}

func (pub PublicKey) String() string {
	return base64.RawStdEncoding.EncodeToString(pub)
}

// Public returns the [PublicKey] corresponding to priv.
func (priv PrivateKey) Public() PublicKey {
	return PublicKey(stded25519.PrivateKey(priv).Public().(stded25519.PublicKey))
}

// Seed returns the private key seed corresponding to priv.
func (priv PrivateKey) Seed() []byte {
	return stded25519.PrivateKey(priv).Seed()
}

// Sign signs the given message with priv.
func (priv PrivateKey) Sign(message []byte) []byte {
	return stded25519.Sign(stded25519.PrivateKey(priv), message)
}

// SignBase64 signs the given message and encodes the signature as unpadded
// base64 the way it is represented in signature JSON objects.
func (priv PrivateKey) SignBase64(message []byte) string {
	return base64.RawStdEncoding.EncodeToString(priv.Sign(message))
}
