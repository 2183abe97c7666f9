// Copyright (c) 2024 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package backup contains the types and envelope encryption for Megolm
// server-side key backups.
package backup

import (
	"go.mau.fi/util/jsonbytes"

	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/signatures"
)

// MegolmAuthData is the auth_data when the key backup is created with
// the [id.KeyBackupAlgorithmMegolmBackupV1] algorithm as defined in
// [Section 11.12.3.2.2 of the Spec].
//
// The PrivateKeySalt and PrivateKeyIterations fields are only present when
// the backup private key was derived from a passphrase, so that other
// devices can derive the same key from the same passphrase.
//
// [Section 11.12.3.2.2 of the Spec]: https://spec.matrix.org/v1.9/client-server-api/#backup-algorithm-mmegolm_backupv1curve25519-aes-sha2
type MegolmAuthData struct {
	PublicKey            id.Curve25519           `json:"public_key"`
	Signatures           signatures.Signatures   `json:"signatures,omitempty"`
	PrivateKeySalt       jsonbytes.UnpaddedBytes `json:"private_key_salt,omitempty"`
	PrivateKeyIterations int                     `json:"private_key_iterations,omitempty"`
}

type SenderClaimedKeys struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// MegolmSessionData is the decrypted session_data of a single backed-up
// group session. The room and session IDs are carried by the enclosing
// structures on the wire, not by the plaintext.
type MegolmSessionData struct {
	Algorithm          id.Algorithm            `json:"algorithm"`
	ForwardingKeyChain []string                `json:"forwarding_curve25519_key_chain"`
	SenderClaimedKeys  SenderClaimedKeys       `json:"sender_claimed_keys"`
	SenderKey          id.SenderKey            `json:"sender_key"`
	SessionKey         jsonbytes.UnpaddedBytes `json:"session_key"`
}
