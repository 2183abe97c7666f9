// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/id"
)

// MaybeBackupKeys is the debounced upload trigger, meant to be called every
// time a new group session is received. If the backup is ready, an upload
// is scheduled after a uniformly random delay in [0, UploadDelay) so that
// clients which received the same keys at the same time don't all hit the
// server at once. If the engine state is still unknown, the server is
// checked first. In every other state this is a no-op.
func (kb *KeysBackup) MaybeBackupKeys(ctx context.Context) {
	kb.lock.Lock()
	state := kb.state
	kb.lock.Unlock()
	switch state {
	case BackupStateUnknown:
		go func() {
			bgCtx := kb.backgroundContext()
			if err := kb.CheckAndStartKeysBackup(bgCtx); err != nil {
				zerolog.Ctx(bgCtx).Warn().Err(err).Msg("Failed to check for key backup")
			}
		}()
	case BackupStateReadyToBackUp:
		kb.setState(ctx, BackupStateWillBackUp)
		delay := rand.N(kb.uploadDelay())
		zerolog.Ctx(ctx).Debug().Dur("delay", delay).Msg("Scheduled key backup upload")
		time.AfterFunc(delay, func() {
			kb.BackupKeys(kb.backgroundContext())
		})
	default:
	}
}

// BackupKeys drains the store of sessions that aren't backed up yet,
// uploading them in chunks of at most MaxKeysPerChunk. It is safe to call
// from any goroutine; re-entry while an upload is already running is a
// no-op, so at most one chunk is in flight at any time.
func (kb *KeysBackup) BackupKeys(ctx context.Context) {
	kb.lock.Lock()
	if kb.uploading || kb.state == BackupStateBackingUp {
		kb.lock.Unlock()
		return
	}
	if !kb.state.IsEnabled() {
		kb.lock.Unlock()
		_ = kb.resolveBackupAll(ErrBackupNotEnabled)
		return
	}
	kb.uploading = true
	kb.lock.Unlock()
	defer func() {
		kb.lock.Lock()
		kb.uploading = false
		kb.lock.Unlock()
	}()

	for kb.backupChunk(ctx) {
		// Briefly passing through WillBackUp between chunks keeps the
		// advertised state machine honest: a full chunk means there are
		// probably more sessions pending.
		kb.setState(ctx, BackupStateWillBackUp)
	}
}

// backupChunk uploads a single chunk and returns whether the loop should
// continue with another one.
func (kb *KeysBackup) backupChunk(ctx context.Context) bool {
	log := zerolog.Ctx(ctx)
	if log.GetLevel() == zerolog.Disabled || log == zerolog.DefaultContextLogger {
		log = &kb.Log
	}
	logger := log.With().Str("action", "backup keys").Logger()
	ctx = logger.WithContext(ctx)

	version, pubKey := kb.activeBackup()
	if version == "" || pubKey == nil {
		kb.setState(ctx, BackupStateDisabled)
		_ = kb.resolveBackupAll(ErrBackupNotEnabled)
		return false
	}

	sessions, err := kb.Store.GetSessionsToBackup(ctx, kb.maxKeysPerChunk())
	if err != nil {
		logger.Err(err).Msg("Failed to get sessions to back up")
		kb.setState(ctx, BackupStateReadyToBackUp)
		return false
	}
	if len(sessions) == 0 {
		kb.setState(ctx, BackupStateReadyToBackUp)
		_ = kb.resolveBackupAll(nil)
		return false
	}

	kb.setState(ctx, BackupStateBackingUp)
	req := &api.ReqKeyBackup[encryptedSessionData]{Rooms: map[id.RoomID]api.ReqRoomKeyBackup[encryptedSessionData]{}}
	encrypted := sessions[:0]
	for _, session := range sessions {
		keyData, err := kb.encryptGroupSession(pubKey, session)
		if err != nil {
			// A session that can't be encrypted would wedge the loop
			// forever, so it is skipped and logged instead.
			logger.Warn().Err(err).
				Stringer("session_id", session.SessionID).
				Msg("Failed to encrypt group session for backup")
			continue
		}
		roomBackup, ok := req.Rooms[session.RoomID]
		if !ok {
			roomBackup = api.ReqRoomKeyBackup[encryptedSessionData]{Sessions: map[id.SessionID]api.ReqKeyBackupData[encryptedSessionData]{}}
			req.Rooms[session.RoomID] = roomBackup
		}
		roomBackup.Sessions[session.SessionID] = *keyData
		encrypted = append(encrypted, session)
	}
	if len(encrypted) == 0 {
		logger.Error().Int("session_count", len(sessions)).Msg("No session in the chunk could be encrypted")
		kb.setState(ctx, BackupStateReadyToBackUp)
		return false
	}

	resp, err := kb.Client.PutKeysInBackup(ctx, version, req)
	if err != nil {
		if errors.Is(err, api.MWrongRoomKeysVersion) {
			logger.Warn().
				Stringer("key_backup_version", version).
				Msg("Homeserver reports the active backup version was superseded")
			kb.stopRetryTimer()
			kb.clearActiveBackup(ctx)
			kb.setState(ctx, BackupStateWrongBackUpVersion)
			_ = kb.resolveBackupAll(ErrWrongBackupVersion)
			return false
		}
		logger.Warn().Err(err).Msg("Failed to upload key backup chunk, will retry")
		kb.setState(ctx, BackupStateReadyToBackUp)
		kb.scheduleRetry()
		return false
	}
	kb.retryBackoff.Reset()

	// Markers are only set once the server has acknowledged the chunk, and
	// always before the state leaves BackingUp.
	for _, session := range encrypted {
		if err = kb.Store.MarkSessionBackedUp(ctx, session.SessionID, session.SenderKey); err != nil {
			logger.Err(err).Stringer("session_id", session.SessionID).Msg("Failed to mark session as backed up")
		}
	}
	logger.Debug().
		Int("session_count", len(encrypted)).
		Int("server_key_count", resp.Count).
		Msg("Uploaded key backup chunk")
	kb.notifyProgress(ctx)
	return true
}

func (kb *KeysBackup) scheduleRetry() {
	delay := kb.retryBackoff.Duration()
	kb.lock.Lock()
	defer kb.lock.Unlock()
	if kb.retryTimer != nil {
		kb.retryTimer.Stop()
	}
	kb.retryTimer = time.AfterFunc(delay, func() {
		kb.MaybeBackupKeys(kb.backgroundContext())
	})
}

func (kb *KeysBackup) stopRetryTimer() {
	kb.lock.Lock()
	defer kb.lock.Unlock()
	if kb.retryTimer != nil {
		kb.retryTimer.Stop()
		kb.retryTimer = nil
	}
	kb.retryBackoff.Reset()
}

// notifyProgress reports the current backed-up counts to the pending
// BackupAllGroupSessions call, if there is one.
func (kb *KeysBackup) notifyProgress(ctx context.Context) {
	kb.lock.Lock()
	progress := kb.backupAllProgress
	kb.lock.Unlock()
	if progress == nil {
		return
	}
	total, err := kb.Store.CountSessions(ctx, false)
	if err != nil {
		return
	}
	backedUp, err := kb.Store.CountSessions(ctx, true)
	if err != nil {
		return
	}
	progress(backedUp, total)
}

// resolveBackupAll completes the pending BackupAllGroupSessions call, if
// any, and reports whether there was one.
func (kb *KeysBackup) resolveBackupAll(err error) bool {
	kb.lock.Lock()
	done := kb.backupAllDone
	kb.backupAllDone = nil
	kb.backupAllProgress = nil
	kb.lock.Unlock()
	if done == nil {
		return false
	}
	done <- err
	return true
}

// BackupAllGroupSessions uploads every session that isn't backed up yet and
// blocks until the store is drained or the backup hits a terminal failure.
// The progress callback, if non-nil, is invoked with the backed-up and
// total session counts after every acknowledged chunk.
//
// At most one such call can be pending; a newer call displaces the older
// one, which fails with ErrBackupRequestReplaced.
func (kb *KeysBackup) BackupAllGroupSessions(ctx context.Context, progress func(backedUp, total int)) error {
	kb.lock.Lock()
	if !kb.state.IsEnabled() {
		kb.lock.Unlock()
		return ErrBackupNotEnabled
	}
	if kb.backupAllDone != nil {
		kb.backupAllDone <- ErrBackupRequestReplaced
	}
	done := make(chan error, 1)
	kb.backupAllDone = done
	kb.backupAllProgress = progress
	kb.lock.Unlock()

	kb.notifyProgress(ctx)
	go kb.BackupKeys(kb.backgroundContext())

	// The periodic re-kick closes the window where an upload loop that was
	// already draining resolved just before this waiter was installed: the
	// next kick finds the store empty and completes immediately.
	kick := time.NewTicker(kb.uploadDelay())
	defer kick.Stop()
	for {
		select {
		case err := <-done:
			return err
		case <-kick.C:
			go kb.BackupKeys(kb.backgroundContext())
		case <-ctx.Done():
			kb.lock.Lock()
			if kb.backupAllDone == done {
				kb.backupAllDone = nil
				kb.backupAllProgress = nil
			}
			kb.lock.Unlock()
			return ctx.Err()
		}
	}
}
