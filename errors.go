// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import "errors"

var (
	// ErrInvalidRecoveryKey means the recovery key string was malformed or
	// failed its checksum.
	ErrInvalidRecoveryKey = errors.New("invalid recovery key")
	// ErrInvalidRecoveryKeyOrPassword means the recovery key decoded fine,
	// but none of the keys fetched from the server could be decrypted with
	// it.
	ErrInvalidRecoveryKeyOrPassword = errors.New("incorrect recovery key or password")
	// ErrNoPasswordSupport means a passphrase restore was attempted on a
	// backup version that wasn't created from a passphrase.
	ErrNoPasswordSupport = errors.New("backup version has no passphrase parameters")
	// ErrWrongBackupVersion means the server reported that the active
	// backup version has been superseded.
	ErrWrongBackupVersion = errors.New("active backup version was superseded")
	// ErrBackupNotEnabled is returned by upload operations when the engine
	// isn't in an enabled state.
	ErrBackupNotEnabled = errors.New("key backup is not enabled")
	// ErrBackupRequestReplaced is returned by BackupAllGroupSessions when
	// a newer call replaces the pending one.
	ErrBackupRequestReplaced = errors.New("backup request was replaced by a newer one")
	// ErrUnsupportedAlgorithm means the server-side backup uses an
	// algorithm this engine doesn't implement.
	ErrUnsupportedAlgorithm = errors.New("unsupported key backup algorithm")
)
