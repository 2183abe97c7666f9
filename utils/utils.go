// Copyright (c) 2020 Nikos Filippakis
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package utils contains the key-handling primitives shared by the backup
// engine: the human-readable recovery key codec, the passphrase KDF and the
// AES-CTR + HMAC helpers used for locally cached secrets.
package utils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	AESCTRKeyLength = 32
	AESCTRIVLength  = 16
	HMACKeyLength   = 32
)

// XorA256CTR encrypts (or decrypts) the source with the given key and IV
// using AES-256 in counter mode.
func XorA256CTR(source []byte, key [AESCTRKeyLength]byte, iv [AESCTRIVLength]byte) []byte {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// AES-256 only fails on a wrong key size, which the array rules out.
		panic(err)
	}
	result := make([]byte, len(source))
	cipher.NewCTR(block, iv[:]).XORKeyStream(result, source)
	return result
}

// GenAttachmentA256CTR generates a random AES-256-CTR key and IV. Only the
// first half of the IV is random so that the counter can't overflow.
func GenAttachmentA256CTR() (key [AESCTRKeyLength]byte, iv [AESCTRIVLength]byte) {
	_, err := rand.Read(key[:])
	if err != nil {
		panic(err)
	}
	_, err = rand.Read(iv[:8])
	if err != nil {
		panic(err)
	}
	return
}

// PBKDF2SHA512 derives a key of the given bit length from the passphrase,
// salt and iteration count using PBKDF2 with HMAC-SHA-512.
func PBKDF2SHA512(password, salt []byte, iterations, keyBits int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyBits/8, sha512.New)
}

// DeriveKeysSHA256 derives an AES key and an HMAC key from the given secret
// using HKDF-SHA-256 with the secret name as the info.
func DeriveKeysSHA256(key []byte, name string) (aesKey [AESCTRKeyLength]byte, hmacKey [HMACKeyLength]byte) {
	kdf := hkdf.New(sha256.New, key, nil, []byte(name))
	if _, err := io.ReadFull(kdf, aesKey[:]); err != nil {
		panic(err)
	}
	if _, err := io.ReadFull(kdf, hmacKey[:]); err != nil {
		panic(err)
	}
	return
}

// HMACSHA256B64 calculates the unpadded base64 HMAC-SHA-256 of the input.
func HMACSHA256B64(input []byte, hmacKey [HMACKeyLength]byte) string {
	h := hmac.New(sha256.New, hmacKey[:])
	h.Write(input)
	return base64.RawStdEncoding.EncodeToString(h.Sum(nil))
}
