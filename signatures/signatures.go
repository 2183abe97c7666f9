// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package signatures implements signing and verifying JSON objects the way
// the federation and device-key APIs expect it.
// https://spec.matrix.org/v1.9/appendices/#signing-json
package signatures

import (
	"go.mau.fi/keysafe/id"
)

// Signatures represents a set of signatures for some data from multiple
// users and keys.
type Signatures map[id.UserID]map[id.KeyID]string

// NewSingleSignature creates a new [Signatures] object with a single
// signature.
func NewSingleSignature(userID id.UserID, algorithm id.KeyAlgorithm, keyID string, signature string) Signatures {
	return Signatures{
		userID: {
			id.NewKeyID(algorithm, keyID): signature,
		},
	}
}
