// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import (
	"context"

	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
)

// GroupSession is a single inbound Megolm session as held by the local
// session store.
type GroupSession struct {
	RoomID    id.RoomID
	SessionID id.SessionID
	SenderKey id.SenderKey

	// SessionKey is the exported session key material at the first known
	// ratchet index.
	SessionKey        []byte
	SenderClaimedKeys backup.SenderClaimedKeys
	// ForwardingChains is the ordered list of curve25519 keys describing
	// how the session was re-shared, empty for directly received sessions.
	ForwardingChains  []string
	FirstMessageIndex int
	// IsVerified is whether the device that created the session was
	// verified locally when the session was received.
	IsVerified bool
}

// SessionStore is the part of a client's crypto store that the backup
// engine talks to. Implementations must be safe for concurrent use and must
// serialize GetSessionsToBackup, MarkSessionBackedUp and ResetBackupMarkers
// against each other.
type SessionStore interface {
	// GetSessionsToBackup returns up to limit sessions that haven't been
	// backed up yet, in any deterministic order.
	GetSessionsToBackup(ctx context.Context, limit int) ([]*GroupSession, error)
	// CountSessions returns the number of sessions in the store, or only
	// the number of already backed up ones if onlyBackedUp is true.
	CountSessions(ctx context.Context, onlyBackedUp bool) (int, error)
	// MarkSessionBackedUp records that the given session is stored in the
	// active backup version.
	MarkSessionBackedUp(ctx context.Context, sessionID id.SessionID, senderKey id.SenderKey) error
	// ResetBackupMarkers clears the backed-up flag of every session. It is
	// called whenever a new backup version is created or adopted.
	ResetBackupMarkers(ctx context.Context) error

	GetActiveBackupVersion(ctx context.Context) (id.KeyBackupVersion, error)
	PutActiveBackupVersion(ctx context.Context, version id.KeyBackupVersion) error

	GetSession(ctx context.Context, sessionID id.SessionID, senderKey id.SenderKey) (*GroupSession, error)
	// PutSession imports a session into the store. backedUp tells the
	// store whether the session is already present in the active backup
	// version.
	PutSession(ctx context.Context, session *GroupSession, backedUp bool) error
}

// Device is the subset of a device identity that backup trust evaluation
// needs.
type Device struct {
	DeviceID   id.DeviceID
	SigningKey id.Ed25519
	Trust      id.TrustState
}

// DeviceStore looks up the devices of the local user. Unknown devices are
// reported as (nil, nil).
type DeviceStore interface {
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error)
}

// BackupKeyCache optionally caches the backup private key so that the
// device which created a backup can restore from it without re-entering the
// recovery key. Session stores may implement it.
type BackupKeyCache interface {
	PutBackupKey(ctx context.Context, version id.KeyBackupVersion, key *backup.MegolmBackupKey) error
	GetBackupKey(ctx context.Context, version id.KeyBackupVersion) (*backup.MegolmBackupKey, error)
}
