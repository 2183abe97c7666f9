// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import (
	"context"

	"github.com/rs/zerolog"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/ed25519"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/signatures"
)

// BackupVersionTrust is the result of evaluating the signatures on a backup
// version's auth data.
type BackupVersionTrust struct {
	// Usable is whether at least one signature is valid and comes from a
	// device the local user has verified.
	Usable     bool
	Signatures []BackupSignatureTrust
}

// BackupSignatureTrust describes one signature found on the auth data.
type BackupSignatureTrust struct {
	DeviceID id.DeviceID
	// Device is nil when the signing device is unknown.
	Device *Device
	Valid  bool
}

// GetKeysBackupTrust checks which of the signatures on the given backup
// version come from known devices of the local user and verify against the
// auth data. Only the local user's signatures are considered; a version
// signed exclusively by unknown or unverified devices is not usable.
func (kb *KeysBackup) GetKeysBackupTrust(ctx context.Context, version *api.RespRoomKeysVersion[backup.MegolmAuthData]) (*BackupVersionTrust, error) {
	log := zerolog.Ctx(ctx).With().
		Str("action", "get keys backup trust").
		Stringer("key_backup_version", version.Version).
		Logger()

	trust := &BackupVersionTrust{}
	for keyID := range version.AuthData.Signatures[kb.Client.UserID] {
		keyAlg, keyName := keyID.Parse()
		if keyAlg != id.KeyAlgorithmEd25519 {
			continue
		}
		deviceID := id.DeviceID(keyName)
		log := log.With().Stringer("device_id", deviceID).Logger()

		device, err := kb.Devices.GetDevice(ctx, kb.Client.UserID, deviceID)
		if err != nil {
			return nil, err
		} else if device == nil {
			log.Debug().Msg("Backup signed by unknown device")
			trust.Signatures = append(trust.Signatures, BackupSignatureTrust{DeviceID: deviceID})
			continue
		}

		valid := false
		signingKey, err := ed25519.PublicKeyFromBase64(device.SigningKey.String())
		if err != nil {
			log.Warn().Err(err).Msg("Invalid signing key on device")
		} else if valid, err = signatures.VerifySignatureJSON(version.AuthData, kb.Client.UserID, keyName, signingKey); err != nil {
			log.Warn().Err(err).Msg("Signature verification failed")
			valid = false
		}
		trust.Signatures = append(trust.Signatures, BackupSignatureTrust{
			DeviceID: deviceID,
			Device:   device,
			Valid:    valid,
		})
		if valid && device.Trust.IsVerified() {
			trust.Usable = true
		}
	}
	return trust, nil
}
