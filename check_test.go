// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/keysafe"
	"go.mau.fi/keysafe/id"
)

func TestKeysBackup_CheckWithNoBackup(t *testing.T) {
	tb := newTestBackup(t, nil, "DEVICE1")
	require.NoError(t, tb.CheckAndStartKeysBackup(context.Background()))
	assert.Equal(t, keysafe.BackupStateDisabled, tb.State())
	assert.False(t, tb.IsEnabled())
}

func TestKeysBackup_SupersededVersion(t *testing.T) {
	ctx := context.Background()
	tb, version, _, _ := backUpSessions(t, "", 2)
	assert.Equal(t, version, tb.Version())

	// Another device creates a newer version directly against the server.
	tb.Server.CreateVersionDirectly(id.KeyBackupAlgorithmMegolmBackupV1, json.RawMessage(`{"public_key":"fake"}`))
	require.NoError(t, tb.Store.ResetBackupMarkers(ctx))

	err := tb.BackupAllGroupSessions(ctx, nil)
	require.ErrorIs(t, err, keysafe.ErrWrongBackupVersion)
	assert.Equal(t, keysafe.BackupStateWrongBackUpVersion, tb.State())
	assert.False(t, tb.IsEnabled())
	assert.Empty(t, tb.Version())

	storedVersion, err := tb.Store.GetActiveBackupVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, storedVersion)
}

func TestKeysBackup_ResumeOnNewDevice(t *testing.T) {
	ctx := context.Background()
	tb, version, _, _ := backUpSessions(t, "", 2)

	// A fresh device signs in. It knows about the old device, but hasn't
	// verified it yet, so the backup must not be trusted.
	tb2 := newTestBackup(t, tb.Server, "DEVICE2")
	oldDevice, err := tb.Devices.GetDevice(ctx, testUserID, "DEVICE1")
	require.NoError(t, err)
	tb2.Devices.PutDevice(testUserID, &keysafe.Device{
		DeviceID:   "DEVICE1",
		SigningKey: oldDevice.SigningKey,
		Trust:      id.TrustStateUnset,
	})

	require.NoError(t, tb2.CheckAndStartKeysBackup(ctx))
	assert.Equal(t, keysafe.BackupStateNotTrusted, tb2.State())
	assert.False(t, tb2.IsEnabled())

	// After verification the same version becomes usable.
	tb2.Devices.SetTrust(testUserID, "DEVICE1", id.TrustStateVerified)
	require.NoError(t, tb2.CheckAndStartKeysBackup(ctx))
	assert.True(t, tb2.IsEnabled())
	assert.Equal(t, version, tb2.Version())
	require.Eventually(t, func() bool {
		return tb2.State() == keysafe.BackupStateReadyToBackUp
	}, time.Second, 2*time.Millisecond)

	addSessions(t, tb2.Store, "!resume:example.org", 3)
	require.NoError(t, tb2.BackupAllGroupSessions(ctx, nil))
	backedUp, err := tb2.Store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 3, backedUp)
}

func TestKeysBackup_AdoptionResetsMarkers(t *testing.T) {
	ctx := context.Background()
	tb, _, _, _ := backUpSessions(t, "", 2)

	backedUp, err := tb.Store.CountSessions(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, backedUp)

	// Creating a second version from the same device resets the markers
	// so everything is uploaded to the new version.
	info, err := tb.PrepareKeysBackupVersion(ctx, "")
	require.NoError(t, err)
	version2, err := tb.CreateKeysBackupVersion(ctx, info)
	require.NoError(t, err)
	assert.Equal(t, id.KeyBackupVersion("2"), version2)

	require.NoError(t, tb.BackupAllGroupSessions(ctx, nil))
	backedUp, err = tb.Store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, backedUp)

	// The sessions are now present in both versions on the server side,
	// and the store considers them backed up under the new one.
	storedVersion, err := tb.Store.GetActiveBackupVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, version2, storedVersion)
}

func TestKeysBackup_MaybeBackupKeysTriggersUpload(t *testing.T) {
	ctx := context.Background()
	tb, _, _, _ := backUpSessions(t, "", 1)

	addSessions(t, tb.Store, "!new:example.org", 1)
	tb.MaybeBackupKeys(ctx)

	// The scheduled upload drains the store on its own.
	require.Eventually(t, func() bool {
		backedUp, err := tb.Store.CountSessions(ctx, true)
		return err == nil && backedUp == 2
	}, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool {
		return tb.State() == keysafe.BackupStateReadyToBackUp
	}, time.Second, 2*time.Millisecond)
}
