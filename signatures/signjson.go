// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signatures

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.mau.fi/util/exgjson"

	"go.mau.fi/keysafe/canonicaljson"
	"go.mau.fi/keysafe/ed25519"
	"go.mau.fi/keysafe/id"
)

var ErrSignatureNotFound = errors.New("signature not found")

// signableJSON strips the signatures and unsigned fields and returns the
// canonical JSON of what's left, which is the byte string that signatures
// cover.
func signableJSON(obj any) ([]byte, error) {
	objJSON, ok := obj.(json.RawMessage)
	if !ok {
		var err error
		objJSON, err = json.Marshal(obj)
		if err != nil {
			return nil, err
		}
	}
	objJSON, err := sjson.DeleteBytes(objJSON, "unsigned")
	if err != nil {
		return nil, err
	}
	objJSON, err = sjson.DeleteBytes(objJSON, "signatures")
	if err != nil {
		return nil, err
	}
	return canonicaljson.CanonicalJSONAssumeValid(objJSON), nil
}

// SignJSON computes the signature that VerifySignatureJSON checks. If the
// obj is a struct, the `json` tags will be honored.
func SignJSON(key ed25519.PrivateKey, obj any) (string, error) {
	signable, err := signableJSON(obj)
	if err != nil {
		return "", err
	}
	return key.SignBase64(signable), nil
}

// VerifySignatureJSON verifies the signature in the JSON object obj
// following the Matrix specification:
// https://spec.matrix.org/v1.9/appendices/#checking-for-a-signature
// If the obj is a struct, the `json` tags will be honored.
func VerifySignatureJSON(obj any, userID id.UserID, keyName string, key ed25519.PublicKey) (bool, error) {
	objJSON, ok := obj.(json.RawMessage)
	if !ok {
		var err error
		objJSON, err = json.Marshal(obj)
		if err != nil {
			return false, err
		}
	}
	sig := gjson.GetBytes(objJSON, exgjson.Path("signatures", string(userID), fmt.Sprintf("ed25519:%s", keyName)))
	if !sig.Exists() || sig.Type != gjson.String {
		return false, ErrSignatureNotFound
	}
	sigBytes, err := decodeUnpaddedBase64(sig.Str)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	signable, err := signableJSON(json.RawMessage(objJSON))
	if err != nil {
		return false, err
	}
	return key.Verify(signable, sigBytes), nil
}
