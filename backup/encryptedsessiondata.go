// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.mau.fi/util/jsonbytes"
	"golang.org/x/crypto/hkdf"

	"go.mau.fi/keysafe/pkcs7"
)

var (
	ErrInvalidMACLength     = errors.New("invalid MAC length")
	ErrMACMismatch          = errors.New("mac mismatch")
	ErrInvalidCiphertextLen = errors.New("ciphertext length is not a multiple of the AES block size")
)

const macLength = 8

// EncryptedSessionData is the encrypted session_data of a single backed-up
// group session as defined in [Section 11.12.3.2.2 of the Spec].
//
// [Section 11.12.3.2.2 of the Spec]: https://spec.matrix.org/v1.9/client-server-api/#backup-algorithm-mmegolm_backupv1curve25519-aes-sha2
type EncryptedSessionData[T any] struct {
	Ciphertext jsonbytes.UnpaddedBytes `json:"ciphertext"`
	Ephemeral  EphemeralKey            `json:"ephemeral"`
	MAC        jsonbytes.UnpaddedBytes `json:"mac"`
}

// calculateEncryptionParameters derives the AES key, HMAC key and AES IV
// from the ECDH shared secret using HKDF-SHA-256 with no salt and no info.
func calculateEncryptionParameters(sharedSecret []byte) (aesKey, hmacKey, aesIV []byte, err error) {
	kdfOutput := make([]byte, 80)
	_, err = io.ReadFull(hkdf.New(sha256.New, sharedSecret, nil, nil), kdfOutput)
	return kdfOutput[:32], kdfOutput[32:64], kdfOutput[64:], err
}

// EncryptSessionData encrypts the given session data under the public half
// of the given backup key using an ephemeral X25519 key.
func EncryptSessionData[T any](backupKey *MegolmBackupKey, sessionData T) (*EncryptedSessionData[T], error) {
	return EncryptSessionDataTo(backupKey.PublicKey(), sessionData)
}

// EncryptSessionDataTo is the same as EncryptSessionData, but takes only the
// public key, which is all an uploading device has.
func EncryptSessionDataTo[T any](backupPublicKey *ecdh.PublicKey, sessionData T) (*EncryptedSessionData[T], error) {
	plaintext, err := json.Marshal(sessionData)
	if err != nil {
		return nil, err
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := ephemeralKey.ECDH(backupPublicKey)
	if err != nil {
		return nil, err
	}
	aesKey, hmacKey, aesIV, err := calculateEncryptionParameters(sharedSecret)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	padded := pkcs7.Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, aesIV).CryptBlocks(ciphertext, padded)

	// The MAC is taken over an empty string rather than the ciphertext,
	// matching what libolm does.
	mac := hmac.New(sha256.New, hmacKey)
	return &EncryptedSessionData[T]{
		Ciphertext: ciphertext,
		Ephemeral:  EphemeralKey{ephemeralKey.PublicKey()},
		MAC:        mac.Sum(nil)[:macLength],
	}, nil
}

// Decrypt decrypts the [EncryptedSessionData] into a T using the given
// backup key. It returns [ErrMACMismatch] if the key doesn't match the one
// the data was encrypted for.
func (esd *EncryptedSessionData[T]) Decrypt(backupKey *MegolmBackupKey) (*T, error) {
	if len(esd.MAC) != macLength {
		return nil, ErrInvalidMACLength
	} else if len(esd.Ciphertext) == 0 || len(esd.Ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertextLen
	}

	sharedSecret, err := backupKey.ECDH(esd.Ephemeral.PublicKey)
	if err != nil {
		return nil, err
	}
	aesKey, hmacKey, aesIV, err := calculateEncryptionParameters(sharedSecret)
	if err != nil {
		return nil, err
	}

	// See the note in EncryptSessionData about what the MAC covers.
	mac := hmac.New(sha256.New, hmacKey)
	if !hmac.Equal(mac.Sum(nil)[:macLength], esd.MAC) {
		return nil, ErrMACMismatch
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(esd.Ciphertext))
	cipher.NewCBCDecrypter(block, aesIV).CryptBlocks(plaintext, esd.Ciphertext)
	plaintext, err = pkcs7.Unpad(plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to unpad decrypted data: %w", err)
	}

	var sessionData T
	err = json.Unmarshal(plaintext, &sessionData)
	if err != nil {
		return nil, err
	}
	return &sessionData, nil
}
