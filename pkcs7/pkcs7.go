// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package pkcs7 implements the padding scheme defined in [RFC2315],
// normally used with AES-CBC encryption.
//
// [RFC2315]: https://www.ietf.org/rfc/rfc2315.txt
package pkcs7

import (
	"bytes"
	"errors"
)

var ErrInvalidPadding = errors.New("pkcs7: invalid padding")

// Pad pads the plaintext to the given blockSize in the range [1, 255].
func Pad(plaintext []byte, blockSize int) []byte {
	padding := blockSize - len(plaintext)%blockSize
	return append(plaintext, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

// Unpad reads the padding amount from the last byte of the plaintext and
// strips it. It returns [ErrInvalidPadding] if the input can't have been
// produced by [Pad], which on a decrypted ciphertext usually means the
// decryption key was wrong.
func Unpad(plaintext []byte) ([]byte, error) {
	length := len(plaintext)
	if length == 0 {
		return nil, ErrInvalidPadding
	}
	padding := int(plaintext[length-1])
	if padding == 0 || padding > length {
		return nil, ErrInvalidPadding
	}
	for _, b := range plaintext[length-padding:] {
		if int(b) != padding {
			return nil, ErrInvalidPadding
		}
	}
	return plaintext[:length-padding], nil
}
