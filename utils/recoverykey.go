// Copyright (c) 2020 Nikos Filippakis
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package utils

import (
	"math/big"
	"strings"
	"unicode"
)

// Recovery keys are the 32-byte backup private key wrapped in a two-byte
// prefix and a parity byte, base58-encoded and grouped into four-character
// blocks: https://spec.matrix.org/v1.9/client-server-api/#recovery-key
const (
	recoveryKeyPrefix1 byte = 0x8B
	recoveryKeyPrefix2 byte = 0x01

	base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
)

var base58Base = big.NewInt(58)

func base58Encode(input []byte) string {
	num := new(big.Int).SetBytes(input)
	mod := new(big.Int)
	encoded := make([]byte, 0, len(input)*138/100+1)
	for num.Sign() > 0 {
		num.DivMod(num, base58Base, mod)
		encoded = append(encoded, base58Alphabet[mod.Int64()])
	}
	for i := 0; i < len(input) && input[i] == 0; i++ {
		encoded = append(encoded, base58Alphabet[0])
	}
	for i, j := 0, len(encoded)-1; i < j; i, j = i+1, j-1 {
		encoded[i], encoded[j] = encoded[j], encoded[i]
	}
	return string(encoded)
}

func base58Decode(input string) []byte {
	num := new(big.Int)
	for i := 0; i < len(input); i++ {
		idx := strings.IndexByte(base58Alphabet, input[i])
		if idx < 0 {
			return nil
		}
		num.Mul(num, base58Base)
		num.Add(num, big.NewInt(int64(idx)))
	}
	decoded := num.Bytes()
	for i := 0; i < len(input) && input[i] == base58Alphabet[0]; i++ {
		decoded = append([]byte{0}, decoded...)
	}
	return decoded
}

// EncodeBase58RecoveryKey recovery-key-encodes the given private key.
func EncodeBase58RecoveryKey(key *[32]byte) string {
	var wrapped [35]byte
	wrapped[0] = recoveryKeyPrefix1
	wrapped[1] = recoveryKeyPrefix2
	copy(wrapped[2:34], key[:])
	var parity byte
	for _, b := range wrapped[:34] {
		parity ^= b
	}
	wrapped[34] = parity

	encoded := base58Encode(wrapped[:])
	var out strings.Builder
	out.Grow(len(encoded) + len(encoded)/4)
	for i := 0; i < len(encoded); i += 4 {
		if i > 0 {
			out.WriteByte(' ')
		}
		end := min(i+4, len(encoded))
		out.WriteString(encoded[i:end])
	}
	return out.String()
}

// DecodeBase58RecoveryKey decodes a recovery key into the private key it
// wraps. Whitespace anywhere in the input is ignored. It returns nil if the
// input is not well-formed or the parity byte doesn't match.
func DecodeBase58RecoveryKey(recoveryKey string) *[32]byte {
	noSpaces := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, recoveryKey)
	decoded := base58Decode(noSpaces)
	if len(decoded) != 35 || decoded[0] != recoveryKeyPrefix1 || decoded[1] != recoveryKeyPrefix2 {
		return nil
	}
	var parity byte
	for _, b := range decoded[:34] {
		parity ^= b
	}
	if parity != decoded[34] {
		return nil
	}
	var key [32]byte
	copy(key[:], decoded[2:34])
	return &key
}
