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

	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
)

// CheckAndStartKeysBackup looks up the latest backup version on the server
// and adopts it if it is trusted. It is meant to be called on startup and
// again whenever the verification state of the user's devices changes.
//
// The resulting state is BackupStateDisabled when the server has no backup,
// BackupStateNotTrusted when the advertised version isn't signed by a
// verified device, and BackupStateReadyToBackUp when a version was adopted.
func (kb *KeysBackup) CheckAndStartKeysBackup(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		log = &kb.Log
	}
	logger := log.With().Str("action", "check and start keys backup").Logger()
	ctx = logger.WithContext(ctx)

	kb.lock.Lock()
	if kb.state == BackupStateCheckingBackUpOnHomeserver || kb.state == BackupStateEnabling || kb.uploading {
		kb.lock.Unlock()
		return nil
	}
	kb.lock.Unlock()
	kb.setState(ctx, BackupStateCheckingBackUpOnHomeserver)

	versionInfo, err := kb.Client.GetKeyBackupLatestVersion(ctx)
	if err != nil {
		// Transient failure: go back to not knowing anything so the next
		// trigger re-checks.
		kb.setState(ctx, BackupStateUnknown)
		return fmt.Errorf("failed to get latest backup version: %w", err)
	} else if versionInfo == nil {
		logger.Info().Msg("No key backup found on homeserver")
		kb.stopRetryTimer()
		kb.clearActiveBackup(ctx)
		kb.setState(ctx, BackupStateDisabled)
		_ = kb.resolveBackupAll(ErrBackupNotEnabled)
		return nil
	} else if versionInfo.Algorithm != id.KeyBackupAlgorithmMegolmBackupV1 {
		kb.setState(ctx, BackupStateDisabled)
		return fmt.Errorf("%w %q", ErrUnsupportedAlgorithm, versionInfo.Algorithm)
	}

	trust, err := kb.GetKeysBackupTrust(ctx, versionInfo)
	if err != nil {
		kb.setState(ctx, BackupStateUnknown)
		return fmt.Errorf("failed to evaluate backup trust: %w", err)
	} else if !trust.Usable {
		logger.Info().
			Stringer("key_backup_version", versionInfo.Version).
			Int("signature_count", len(trust.Signatures)).
			Msg("Key backup on homeserver is not signed by a verified device")
		kb.setState(ctx, BackupStateNotTrusted)
		return nil
	}

	pubKey, err := backup.PublicKeyFromString(versionInfo.AuthData.PublicKey)
	if err != nil {
		kb.setState(ctx, BackupStateNotTrusted)
		return fmt.Errorf("invalid public key in backup auth data: %w", err)
	}

	// A version with the same ID but a different public key means the
	// backup was deleted and recreated, so it gets the same reset
	// treatment as a brand new version.
	kb.lock.Lock()
	recreated := kb.version == versionInfo.Version && kb.backupPubKey != nil && !kb.backupPubKey.Equal(pubKey)
	kb.lock.Unlock()
	if recreated {
		if err = kb.Store.PutActiveBackupVersion(ctx, ""); err != nil {
			kb.setState(ctx, BackupStateUnknown)
			return err
		}
	}

	if err = kb.adoptVersion(ctx, versionInfo.Version, pubKey); err != nil {
		kb.setState(ctx, BackupStateUnknown)
		return err
	}
	logger.Info().
		Stringer("key_backup_version", versionInfo.Version).
		Int("server_key_count", versionInfo.Count).
		Msg("Key backup is trusted, enabling")
	kb.setState(ctx, BackupStateReadyToBackUp)
	kb.MaybeBackupKeys(ctx)
	return nil
}
