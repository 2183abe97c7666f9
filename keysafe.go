// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package keysafe implements a server-side key backup engine for Megolm
// group sessions: it incrementally encrypts the sessions a device has
// received under a user-held backup key, uploads them to the homeserver and
// can restore them on another device from the recovery key or the original
// passphrase.
package keysafe

import (
	"context"
	"crypto/ecdh"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/ed25519"
	"go.mau.fi/keysafe/id"
)

const (
	// KeyBackupMaxKeysPerChunk is the maximum number of keys uploaded in a
	// single request.
	KeyBackupMaxKeysPerChunk = 100
	// KeyBackupUploadDelay is the upper bound of the randomized delay
	// before a scheduled upload starts. The jitter spreads out uploads
	// from clients that received the same room keys at the same time.
	KeyBackupUploadDelay = 10 * time.Second
	// DefaultPassphraseIterations is the PBKDF2 iteration count used when
	// creating a passphrase-based backup.
	DefaultPassphraseIterations = 500_000
)

// KeysBackup drives the whole lifecycle of server-side key backups for one
// device: preparing and creating versions, trust evaluation, incremental
// uploads and restores. Its lifetime is tied to the crypto machinery of the
// enclosing client, it is not a process-wide singleton.
type KeysBackup struct {
	Client  *api.Client
	Store   SessionStore
	Devices DeviceStore
	Log     zerolog.Logger

	// SigningKey is the ed25519 device key used to sign new backup
	// versions.
	SigningKey ed25519.PrivateKey

	// MaxKeysPerChunk and UploadDelay default to the KeyBackup* constants
	// when left zero.
	MaxKeysPerChunk int
	UploadDelay     time.Duration
	// PassphraseIterations defaults to DefaultPassphraseIterations.
	PassphraseIterations int

	lock      sync.Mutex
	state     BackupState
	uploading bool

	version      id.KeyBackupVersion
	backupPubKey *ecdh.PublicKey

	backupAllDone     chan error
	backupAllProgress func(backedUp, total int)

	retryBackoff *backoff.Backoff
	retryTimer   *time.Timer

	notifyLock    sync.Mutex
	listenersLock sync.Mutex
	listeners     map[int]func(BackupState)
	nextListener  int
}

// NewKeysBackup creates a backup engine for the device behind the given
// client. The engine starts in BackupStateUnknown; call
// CheckAndStartKeysBackup to find and adopt an existing backup.
func NewKeysBackup(client *api.Client, store SessionStore, devices DeviceStore, signingKey ed25519.PrivateKey) *KeysBackup {
	return &KeysBackup{
		Client:     client,
		Store:      store,
		Devices:    devices,
		SigningKey: signingKey,
		Log:        zerolog.Nop(),

		listeners: make(map[int]func(BackupState)),
		retryBackoff: &backoff.Backoff{
			Min:    10 * time.Second,
			Max:    5 * time.Minute,
			Jitter: true,
		},
	}
}

// Stop cancels any scheduled retry and fails a pending
// BackupAllGroupSessions call. It is meant for teardown; the engine can
// still be used afterwards.
func (kb *KeysBackup) Stop() {
	kb.stopRetryTimer()
	_ = kb.resolveBackupAll(ErrBackupNotEnabled)
}

// State returns the current state of the engine.
func (kb *KeysBackup) State() BackupState {
	kb.lock.Lock()
	defer kb.lock.Unlock()
	return kb.state
}

// IsEnabled returns whether keys are currently being backed up.
func (kb *KeysBackup) IsEnabled() bool {
	return kb.State().IsEnabled()
}

// Version returns the version of the adopted backup. It is empty until a
// version has been adopted, and is cleared by DisableKeysBackup, by a check
// that finds no backup on the server and by an upload that reports the
// version as superseded. Other state changes, such as a check that ends in
// BackupStateNotTrusted, leave it as it was.
func (kb *KeysBackup) Version() id.KeyBackupVersion {
	kb.lock.Lock()
	defer kb.lock.Unlock()
	return kb.version
}

// AddStateListener registers a function that is called synchronously, in
// state-change order, every time the engine state changes. The returned
// function removes the listener and may be called from inside the listener
// itself. Listeners must not call state-changing engine methods
// synchronously; spawn a goroutine for that instead.
func (kb *KeysBackup) AddStateListener(listener func(BackupState)) (remove func()) {
	kb.listenersLock.Lock()
	defer kb.listenersLock.Unlock()
	listenerID := kb.nextListener
	kb.nextListener++
	kb.listeners[listenerID] = listener
	return func() {
		kb.listenersLock.Lock()
		defer kb.listenersLock.Unlock()
		delete(kb.listeners, listenerID)
	}
}

func (kb *KeysBackup) snapshotListeners() []func(BackupState) {
	kb.listenersLock.Lock()
	defer kb.listenersLock.Unlock()
	snapshot := make([]func(BackupState), 0, len(kb.listeners))
	for listenerID := 0; listenerID < kb.nextListener; listenerID++ {
		if listener, ok := kb.listeners[listenerID]; ok {
			snapshot = append(snapshot, listener)
		}
	}
	return snapshot
}

// setState updates the engine state and notifies listeners. The notifyLock
// makes the state write and the notification fan-out a single unit, so
// listeners observe changes in the order they happened.
func (kb *KeysBackup) setState(ctx context.Context, newState BackupState) {
	kb.notifyLock.Lock()
	defer kb.notifyLock.Unlock()
	kb.lock.Lock()
	oldState := kb.state
	if oldState == newState {
		kb.lock.Unlock()
		return
	}
	kb.state = newState
	kb.lock.Unlock()
	zerolog.Ctx(ctx).Debug().
		Stringer("old_state", oldState).
		Stringer("new_state", newState).
		Msg("Key backup state changed")
	for _, listener := range kb.snapshotListeners() {
		listener(newState)
	}
}

// backgroundContext returns a context for work the engine starts on its
// own, like scheduled uploads.
func (kb *KeysBackup) backgroundContext() context.Context {
	return kb.Log.WithContext(context.Background())
}

func (kb *KeysBackup) maxKeysPerChunk() int {
	if kb.MaxKeysPerChunk <= 0 {
		return KeyBackupMaxKeysPerChunk
	}
	return kb.MaxKeysPerChunk
}

func (kb *KeysBackup) uploadDelay() time.Duration {
	if kb.UploadDelay <= 0 {
		return KeyBackupUploadDelay
	}
	return kb.UploadDelay
}

func (kb *KeysBackup) passphraseIterations() int {
	if kb.PassphraseIterations <= 0 {
		return DefaultPassphraseIterations
	}
	return kb.PassphraseIterations
}

// activeBackup returns the version and public key of the active backup.
func (kb *KeysBackup) activeBackup() (id.KeyBackupVersion, *ecdh.PublicKey) {
	kb.lock.Lock()
	defer kb.lock.Unlock()
	return kb.version, kb.backupPubKey
}

// adoptVersion makes the given version the active one. Resetting the
// backed-up markers happens atomically with the switch: if the active
// version changes, the backup status of every session becomes unknown.
func (kb *KeysBackup) adoptVersion(ctx context.Context, version id.KeyBackupVersion, pubKey *ecdh.PublicKey) error {
	storedVersion, err := kb.Store.GetActiveBackupVersion(ctx)
	if err != nil {
		return err
	}
	if storedVersion != version {
		if err = kb.Store.ResetBackupMarkers(ctx); err != nil {
			return err
		}
		if err = kb.Store.PutActiveBackupVersion(ctx, version); err != nil {
			return err
		}
	}
	kb.lock.Lock()
	kb.version = version
	kb.backupPubKey = pubKey
	kb.lock.Unlock()
	return nil
}

// clearActiveBackup forgets the active version and public key, both in the
// engine and in the store. Markers are left alone: they are only reset when
// a new version is adopted. The caller resolves any pending aggregate
// backup with the reason for the disable.
func (kb *KeysBackup) clearActiveBackup(ctx context.Context) {
	kb.lock.Lock()
	kb.version = ""
	kb.backupPubKey = nil
	kb.lock.Unlock()
	if err := kb.Store.PutActiveBackupVersion(ctx, ""); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to clear active backup version in store")
	}
}
