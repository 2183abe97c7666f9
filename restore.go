// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/utils"
)

// RestoreResult is the outcome of a restore: how many encrypted records the
// server returned and how many could be decrypted and imported.
type RestoreResult struct {
	TotalFound    int
	TotalImported int
}

const restoreDecryptionConcurrency = 4

// RestoreKeysWithRecoveryKey fetches the keys stored in the given backup
// version, decrypts them with the private key wrapped in the recovery key
// and imports them into the session store. The optional roomID and
// sessionID narrow the restore down to one room or one session.
//
// It fails with ErrInvalidRecoveryKey if the recovery key is malformed, and
// with ErrInvalidRecoveryKeyOrPassword if the server returned records but
// none of them could be decrypted.
func (kb *KeysBackup) RestoreKeysWithRecoveryKey(ctx context.Context, version id.KeyBackupVersion, recoveryKey string, roomID id.RoomID, sessionID id.SessionID) (*RestoreResult, error) {
	keyBytes := utils.DecodeBase58RecoveryKey(recoveryKey)
	if keyBytes == nil {
		return nil, ErrInvalidRecoveryKey
	}
	privKey, err := backup.MegolmBackupKeyFromBytes(keyBytes[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecoveryKey, err)
	}
	return kb.restoreKeys(ctx, version, privKey, roomID, sessionID)
}

// RestoreKeyBackupWithPassword re-derives the backup private key from the
// passphrase parameters stored in the version's auth data and restores with
// it. It fails with ErrNoPasswordSupport when the version wasn't created
// from a passphrase.
func (kb *KeysBackup) RestoreKeyBackupWithPassword(ctx context.Context, version id.KeyBackupVersion, password string, roomID id.RoomID, sessionID id.SessionID) (*RestoreResult, error) {
	versionInfo, err := kb.Client.GetKeyBackupVersion(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to get backup version: %w", err)
	}
	if len(versionInfo.AuthData.PrivateKeySalt) == 0 || versionInfo.AuthData.PrivateKeyIterations == 0 {
		return nil, ErrNoPasswordSupport
	}
	privKey, err := backup.MegolmBackupKeyFromPassphrase(password, versionInfo.AuthData.PrivateKeySalt, versionInfo.AuthData.PrivateKeyIterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive backup key: %w", err)
	}
	return kb.restoreKeys(ctx, version, privKey, roomID, sessionID)
}

func (kb *KeysBackup) restoreKeys(ctx context.Context, version id.KeyBackupVersion, privKey *backup.MegolmBackupKey, roomID id.RoomID, sessionID id.SessionID) (*RestoreResult, error) {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		log = &kb.Log
	}
	logger := log.With().
		Str("action", "restore keys backup").
		Stringer("key_backup_version", version).
		Logger()
	ctx = logger.WithContext(ctx)

	rooms, err := kb.fetchKeys(ctx, version, roomID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch keys from backup: %w", err)
	}

	var result RestoreResult
	var restored []*GroupSession
	var resultLock sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(restoreDecryptionConcurrency)
	for roomID, roomBackup := range rooms {
		group.Go(func() error {
			sessions := make([]*GroupSession, 0, len(roomBackup.Sessions))
			for sessionID, record := range roomBackup.Sessions {
				if groupCtx.Err() != nil {
					return groupCtx.Err()
				}
				session, err := kb.decryptKeyBackupData(roomID, sessionID, record, privKey)
				if err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).
						Stringer("room_id", roomID).
						Stringer("session_id", sessionID).
						Msg("Failed to decrypt backed up session")
					continue
				}
				sessions = append(sessions, session)
			}
			resultLock.Lock()
			result.TotalFound += len(roomBackup.Sessions)
			restored = append(restored, sessions...)
			resultLock.Unlock()
			return nil
		})
	}
	if err = group.Wait(); err != nil {
		return nil, err
	}
	if result.TotalFound > 0 && len(restored) == 0 {
		return nil, ErrInvalidRecoveryKeyOrPassword
	}

	// Sessions restored from a version other than the active one still
	// need to be uploaded to the active version. Restoring from the active
	// version itself must not cause re-uploads of what the server already
	// has.
	activeVersion, err := kb.Store.GetActiveBackupVersion(ctx)
	if err != nil {
		return nil, err
	}
	backedUp := activeVersion == version
	for _, session := range restored {
		if err = kb.Store.PutSession(ctx, session, backedUp); err != nil {
			return nil, fmt.Errorf("failed to import session %s: %w", session.SessionID, err)
		}
		result.TotalImported++
	}
	logger.Info().
		Int("total_found", result.TotalFound).
		Int("total_imported", result.TotalImported).
		Bool("marked_backed_up", backedUp).
		Msg("Restored sessions from key backup")

	if cache, ok := kb.Store.(BackupKeyCache); ok {
		if err = cache.PutBackupKey(ctx, version, privKey); err != nil {
			logger.Warn().Err(err).Msg("Failed to cache backup private key")
		}
	}
	if !backedUp && result.TotalImported > 0 {
		kb.MaybeBackupKeys(ctx)
	}
	return &result, nil
}

// fetchKeys normalizes the three fetch scopes into the same rooms map.
func (kb *KeysBackup) fetchKeys(ctx context.Context, version id.KeyBackupVersion, roomID id.RoomID, sessionID id.SessionID) (map[id.RoomID]api.RespRoomKeyBackup[encryptedSessionData], error) {
	if roomID != "" && sessionID != "" {
		record, err := kb.Client.GetKeyBackupForSession(ctx, version, roomID, sessionID)
		if err != nil {
			return nil, err
		}
		return map[id.RoomID]api.RespRoomKeyBackup[encryptedSessionData]{
			roomID: {Sessions: map[id.SessionID]api.RespKeyBackupData[encryptedSessionData]{sessionID: *record}},
		}, nil
	} else if roomID != "" {
		roomBackup, err := kb.Client.GetKeyBackupForRoom(ctx, version, roomID)
		if err != nil {
			return nil, err
		}
		return map[id.RoomID]api.RespRoomKeyBackup[encryptedSessionData]{roomID: *roomBackup}, nil
	}
	resp, err := kb.Client.GetKeyBackup(ctx, version)
	if err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

// decryptKeyBackupData decrypts a single record. The room and session IDs
// from the enclosing response structure are authoritative and override
// anything the plaintext may claim.
func (kb *KeysBackup) decryptKeyBackupData(roomID id.RoomID, sessionID id.SessionID, record api.RespKeyBackupData[encryptedSessionData], privKey *backup.MegolmBackupKey) (*GroupSession, error) {
	sessionData, err := record.SessionData.Decrypt(privKey)
	if err != nil {
		return nil, err
	}
	if sessionData.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w %q in backed up session", ErrUnsupportedAlgorithm, sessionData.Algorithm)
	}
	return &GroupSession{
		RoomID:            roomID,
		SessionID:         sessionID,
		SenderKey:         sessionData.SenderKey,
		SessionKey:        sessionData.SessionKey,
		SenderClaimedKeys: sessionData.SenderClaimedKeys,
		ForwardingChains:  sessionData.ForwardingKeyChain,
		FirstMessageIndex: record.FirstMessageIndex,
		IsVerified:        record.IsVerified,
	}, nil
}
