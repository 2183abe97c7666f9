// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"

	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/utils"
)

// MegolmBackupKey is a wrapper around an ECDH X25519 private key that is
// used to decrypt a megolm key backup.
type MegolmBackupKey struct {
	*ecdh.PrivateKey
}

func NewMegolmBackupKey() (*MegolmBackupKey, error) {
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MegolmBackupKey{key}, nil
}

func MegolmBackupKeyFromBytes(bytes []byte) (*MegolmBackupKey, error) {
	key, err := ecdh.X25519().NewPrivateKey(bytes)
	if err != nil {
		return nil, err
	}
	return &MegolmBackupKey{key}, nil
}

// MegolmBackupKeyFromPassphrase derives a backup key from a passphrase,
// salt and iteration count using PBKDF2 with HMAC-SHA-512.
func MegolmBackupKeyFromPassphrase(passphrase string, salt []byte, iterations int) (*MegolmBackupKey, error) {
	return MegolmBackupKeyFromBytes(utils.PBKDF2SHA512([]byte(passphrase), salt, iterations, 256))
}

// RecoveryKey encodes the private key as a human-transcribable recovery
// key.
func (k *MegolmBackupKey) RecoveryKey() string {
	return utils.EncodeBase58RecoveryKey((*[32]byte)(k.Bytes()))
}

// PublicKeyString returns the unpadded base64 public key the way it appears
// in the backup version auth_data.
func (k *MegolmBackupKey) PublicKeyString() id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(k.PublicKey().Bytes()))
}

// PublicKeyFromString parses the unpadded base64 public key from a backup
// version's auth_data.
func PublicKeyFromString(key id.Curve25519) (*ecdh.PublicKey, error) {
	keyBytes, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil {
		return nil, err
	}
	return ecdh.X25519().NewPublicKey(keyBytes)
}
