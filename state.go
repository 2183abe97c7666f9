// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

// BackupState is the current position of the backup engine in its
// lifecycle.
type BackupState int

const (
	// BackupStateUnknown is the initial state: nothing is known about the
	// server-side backup yet.
	BackupStateUnknown BackupState = iota
	// BackupStateCheckingBackUpOnHomeserver means the engine is fetching
	// the latest backup version from the server.
	BackupStateCheckingBackUpOnHomeserver
	// BackupStateDisabled means there is no server-side backup, or the
	// local backup data was reset.
	BackupStateDisabled
	// BackupStateNotTrusted means the server advertises a backup version,
	// but its auth data isn't signed by any verified device of this user.
	BackupStateNotTrusted
	// BackupStateEnabling means a new backup version is being created on
	// the server.
	BackupStateEnabling
	// BackupStateReadyToBackUp means the backup is enabled and no upload
	// is scheduled or running.
	BackupStateReadyToBackUp
	// BackupStateWillBackUp means an upload has been scheduled after a
	// short randomized delay.
	BackupStateWillBackUp
	// BackupStateBackingUp means an upload chunk is in flight.
	BackupStateBackingUp
	// BackupStateWrongBackUpVersion means the server reported that the
	// active version has been superseded by a newer one.
	BackupStateWrongBackUpVersion
)

// IsEnabled returns whether keys are being backed up in this state.
func (state BackupState) IsEnabled() bool {
	switch state {
	case BackupStateReadyToBackUp, BackupStateWillBackUp, BackupStateBackingUp:
		return true
	default:
		return false
	}
}

func (state BackupState) String() string {
	switch state {
	case BackupStateUnknown:
		return "unknown"
	case BackupStateCheckingBackUpOnHomeserver:
		return "checking backup on homeserver"
	case BackupStateDisabled:
		return "disabled"
	case BackupStateNotTrusted:
		return "not trusted"
	case BackupStateEnabling:
		return "enabling"
	case BackupStateReadyToBackUp:
		return "ready to back up"
	case BackupStateWillBackUp:
		return "will back up"
	case BackupStateBackingUp:
		return "backing up"
	case BackupStateWrongBackUpVersion:
		return "wrong backup version"
	default:
		return "invalid"
	}
}
