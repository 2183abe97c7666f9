// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"strings"
)

// An Algorithm is a Matrix message encryption algorithm identifier.
// https://spec.matrix.org/v1.9/client-server-api/#messaging-algorithm-names
type Algorithm string

const (
	AlgorithmMegolmV1 Algorithm = "m.megolm.v1.aes-sha2"

	// KeyBackupAlgorithmMegolmBackupV1 is the only server-side key backup
	// algorithm supported by this module.
	// https://spec.matrix.org/v1.9/client-server-api/#backup-algorithm-mmegolm_backupv1curve25519-aes-sha2
	KeyBackupAlgorithmMegolmBackupV1 Algorithm = "m.megolm_backup.v1.curve25519-aes-sha2"
)

func (alg Algorithm) String() string {
	return string(alg)
}

// A KeyAlgorithm is the name of a signing or identity key algorithm.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519 KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519    KeyAlgorithm = "ed25519"
)

func (ka KeyAlgorithm) String() string {
	return string(ka)
}

// A KeyID is a string formatted as <algorithm>:<key name> that is used as
// the key in device key and signature mappings.
type KeyID string

func NewKeyID(algorithm KeyAlgorithm, keyName string) KeyID {
	return KeyID(string(algorithm) + ":" + keyName)
}

func (keyID KeyID) Parse() (KeyAlgorithm, string) {
	index := strings.IndexRune(string(keyID), ':')
	if index < 0 || len(keyID) <= index+1 {
		return "", ""
	}
	return KeyAlgorithm(keyID[:index]), string(keyID[index+1:])
}

func (keyID KeyID) String() string {
	return string(keyID)
}

// Ed25519 is the unpadded base64 representation of an ed25519 public key,
// also known as a device fingerprint key.
type Ed25519 string

// Curve25519 is the unpadded base64 representation of a curve25519 public
// key, also known as a device identity key.
type Curve25519 string

// SenderKey is the curve25519 identity key of the device that originally
// created a Megolm session.
type SenderKey = Curve25519

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}
