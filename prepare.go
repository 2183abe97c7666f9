// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/signatures"
)

// BackupCreationInfo is everything needed to publish a new backup version.
// The recovery key and the private key behind it only exist here: once the
// version is created, the server side keeps just the public parts.
type BackupCreationInfo struct {
	Algorithm   id.Algorithm
	AuthData    backup.MegolmAuthData
	RecoveryKey string

	key *backup.MegolmBackupKey
}

// PrepareKeysBackupVersion generates a fresh backup key pair, or derives
// one from the given passphrase, and signs the resulting auth data with the
// device signing key. The KDF runs for hundreds of milliseconds, so don't
// call this from a latency-sensitive goroutine.
//
// Nothing is sent to the server until the returned info is passed to
// CreateKeysBackupVersion.
func (kb *KeysBackup) PrepareKeysBackupVersion(ctx context.Context, passphrase string) (*BackupCreationInfo, error) {
	var key *backup.MegolmBackupKey
	var authData backup.MegolmAuthData
	var err error
	if passphrase != "" {
		salt := random.Bytes(32)
		iterations := kb.passphraseIterations()
		key, err = backup.MegolmBackupKeyFromPassphrase(passphrase, salt, iterations)
		if err != nil {
			return nil, fmt.Errorf("failed to derive backup key: %w", err)
		}
		authData.PrivateKeySalt = salt
		authData.PrivateKeyIterations = iterations
	} else if key, err = backup.NewMegolmBackupKey(); err != nil {
		return nil, fmt.Errorf("failed to generate backup key: %w", err)
	}
	authData.PublicKey = key.PublicKeyString()

	sig, err := signatures.SignJSON(kb.SigningKey, &authData)
	if err != nil {
		return nil, fmt.Errorf("failed to sign auth data: %w", err)
	}
	authData.Signatures = signatures.NewSingleSignature(kb.Client.UserID, id.KeyAlgorithmEd25519, kb.Client.DeviceID.String(), sig)

	return &BackupCreationInfo{
		Algorithm:   id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:    authData,
		RecoveryKey: key.RecoveryKey(),
		key:         key,
	}, nil
}

// CreateKeysBackupVersion publishes a prepared backup version on the server
// and makes it the active one. All backed-up markers are reset, so every
// known session is uploaded to the new version, and the upload loop is
// armed.
func (kb *KeysBackup) CreateKeysBackupVersion(ctx context.Context, info *BackupCreationInfo) (id.KeyBackupVersion, error) {
	log := zerolog.Ctx(ctx).With().Str("action", "create keys backup version").Logger()
	ctx = log.WithContext(ctx)

	kb.setState(ctx, BackupStateEnabling)
	resp, err := kb.Client.CreateKeyBackupVersion(ctx, &api.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: info.Algorithm,
		AuthData:  info.AuthData,
	})
	if err != nil {
		kb.setState(ctx, BackupStateDisabled)
		return "", fmt.Errorf("failed to create backup version: %w", err)
	}
	log.Info().Stringer("key_backup_version", resp.Version).Msg("Created key backup version")

	pubKey, err := backup.PublicKeyFromString(info.AuthData.PublicKey)
	if err != nil {
		// The auth data was built locally, so this can only be engine
		// misuse.
		kb.setState(ctx, BackupStateDisabled)
		return "", fmt.Errorf("invalid public key in creation info: %w", err)
	}
	if err = kb.adoptVersion(ctx, resp.Version, pubKey); err != nil {
		kb.setState(ctx, BackupStateDisabled)
		return "", fmt.Errorf("failed to adopt new backup version: %w", err)
	}

	if cache, ok := kb.Store.(BackupKeyCache); ok && info.key != nil {
		if err = cache.PutBackupKey(ctx, resp.Version, info.key); err != nil {
			log.Warn().Err(err).Msg("Failed to cache backup private key")
		}
	}

	kb.setState(ctx, BackupStateReadyToBackUp)
	kb.MaybeBackupKeys(ctx)
	return resp.Version, nil
}

// DeleteKeysBackupVersion deletes a backup version on the server. If it is
// the active one, the backup is disabled first.
func (kb *KeysBackup) DeleteKeysBackupVersion(ctx context.Context, version id.KeyBackupVersion) error {
	kb.lock.Lock()
	isActive := kb.version == version
	kb.lock.Unlock()
	if isActive {
		kb.DisableKeysBackup(ctx)
	}
	return kb.Client.DeleteKeyBackupVersion(ctx, version)
}

// DisableKeysBackup stops uploading and forgets the active version. Backup
// markers are left in place: they get reset when a version is adopted
// again.
func (kb *KeysBackup) DisableKeysBackup(ctx context.Context) {
	kb.stopRetryTimer()
	kb.clearActiveBackup(ctx)
	kb.setState(ctx, BackupStateDisabled)
	_ = kb.resolveBackupAll(ErrBackupNotEnabled)
}
