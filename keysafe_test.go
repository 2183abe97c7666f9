// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/random"

	"go.mau.fi/keysafe"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/ed25519"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/mockserver"
)

const testUserID = id.UserID("@alice:example.org")

type testBackup struct {
	*keysafe.KeysBackup
	Server  *mockserver.MockServer
	Store   *keysafe.MemorySessionStore
	Devices *keysafe.MemoryDeviceStore

	SigningKey ed25519.PrivateKey
}

// newTestBackup creates an engine for a device whose own signing key is
// already marked as verified, talking to the given mock server (or a fresh
// one when ms is nil).
func newTestBackup(t *testing.T, ms *mockserver.MockServer, deviceID id.DeviceID) *testBackup {
	t.Helper()
	if ms == nil {
		ms = mockserver.Create(t)
	}
	client := ms.NewClient(t, testUserID, deviceID)
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	devices := keysafe.NewMemoryDeviceStore()
	devices.PutDevice(testUserID, &keysafe.Device{
		DeviceID:   deviceID,
		SigningKey: id.Ed25519(pub.String()),
		Trust:      id.TrustStateVerified,
	})
	store := keysafe.NewMemorySessionStore()

	kb := keysafe.NewKeysBackup(client, store, devices, priv)
	kb.UploadDelay = 5 * time.Millisecond
	// Background upload goroutines may outlive the test body, so the
	// engine log can't go through t.Log.
	kb.Log = zerolog.Nop()
	t.Cleanup(kb.Stop)
	return &testBackup{
		KeysBackup: kb,
		Server:     ms,
		Store:      store,
		Devices:    devices,
		SigningKey: priv,
	}
}

func makeSession(roomID id.RoomID) *keysafe.GroupSession {
	return &keysafe.GroupSession{
		RoomID:            roomID,
		SessionID:         id.SessionID(random.String(43)),
		SenderKey:         id.SenderKey(random.String(43)),
		SessionKey:        random.Bytes(229),
		SenderClaimedKeys: backup.SenderClaimedKeys{Ed25519: id.Ed25519(random.String(43))},
		ForwardingChains:  []string{},
		FirstMessageIndex: 0,
		IsVerified:        true,
	}
}

func addSessions(t *testing.T, store *keysafe.MemorySessionStore, roomID id.RoomID, count int) []*keysafe.GroupSession {
	t.Helper()
	sessions := make([]*keysafe.GroupSession, count)
	for i := range sessions {
		sessions[i] = makeSession(roomID)
		require.NoError(t, store.PutSession(context.Background(), sessions[i], false))
	}
	return sessions
}

// stateRecorder collects every state change for subsequence assertions.
type stateRecorder struct {
	lock   sync.Mutex
	states []keysafe.BackupState
}

func recordStates(kb *keysafe.KeysBackup) *stateRecorder {
	rec := &stateRecorder{}
	kb.AddStateListener(func(state keysafe.BackupState) {
		rec.lock.Lock()
		defer rec.lock.Unlock()
		rec.states = append(rec.states, state)
	})
	return rec
}

func (rec *stateRecorder) assertSubsequence(t *testing.T, want ...keysafe.BackupState) {
	t.Helper()
	rec.lock.Lock()
	defer rec.lock.Unlock()
	i := 0
	for _, state := range rec.states {
		if i < len(want) && state == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "observed states %v don't contain %v", rec.states, want)
}

func TestKeysBackup_BasicRoundtrip(t *testing.T) {
	tb := newTestBackup(t, nil, "DEVICE1")
	ctx := context.Background()
	addSessions(t, tb.Store, "!room:example.org", 2)

	total, err := tb.Store.CountSessions(ctx, false)
	require.NoError(t, err)
	backedUp, err := tb.Store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 0, backedUp)

	rec := recordStates(tb.KeysBackup)

	info, err := tb.PrepareKeysBackupVersion(ctx, "")
	require.NoError(t, err)
	assert.NotEmpty(t, info.RecoveryKey)
	assert.NotEmpty(t, info.AuthData.PublicKey)
	assert.Empty(t, info.AuthData.PrivateKeySalt)

	version, err := tb.CreateKeysBackupVersion(ctx, info)
	require.NoError(t, err)
	assert.Equal(t, id.KeyBackupVersion("1"), version)
	assert.True(t, tb.IsEnabled())

	var progressLock sync.Mutex
	var lastBackedUp, lastTotal int
	err = tb.BackupAllGroupSessions(ctx, func(backedUp, total int) {
		progressLock.Lock()
		defer progressLock.Unlock()
		lastBackedUp, lastTotal = backedUp, total
	})
	require.NoError(t, err)

	rec.assertSubsequence(t,
		keysafe.BackupStateEnabling,
		keysafe.BackupStateReadyToBackUp,
		keysafe.BackupStateWillBackUp,
		keysafe.BackupStateBackingUp,
		keysafe.BackupStateReadyToBackUp,
	)
	assert.Equal(t, keysafe.BackupStateReadyToBackUp, tb.State())

	backedUp, err = tb.Store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, backedUp)
	progressLock.Lock()
	assert.Equal(t, 2, lastBackedUp)
	assert.Equal(t, 2, lastTotal)
	progressLock.Unlock()
}

func TestKeysBackup_MarkerLifecycle(t *testing.T) {
	store := keysafe.NewMemorySessionStore()
	ctx := context.Background()
	sessions := make([]*keysafe.GroupSession, 10)
	for i := range sessions {
		sessions[i] = makeSession("!markers:example.org")
		require.NoError(t, store.PutSession(ctx, sessions[i], false))
	}

	require.NoError(t, store.MarkSessionBackedUp(ctx, sessions[0].SessionID, sessions[0].SenderKey))
	backedUp, err := store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, backedUp)
	pending, err := store.GetSessionsToBackup(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 9)

	require.NoError(t, store.ResetBackupMarkers(ctx))
	backedUp, err = store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 0, backedUp)
	pending, err = store.GetSessionsToBackup(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 10)

	// The count difference always matches the pending list length.
	total, err := store.CountSessions(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, total-backedUp, len(pending))
}

func TestKeysBackup_ChunkedUploadSingleFlight(t *testing.T) {
	tb := newTestBackup(t, nil, "DEVICE1")
	ctx := context.Background()
	tb.MaxKeysPerChunk = 7

	info, err := tb.PrepareKeysBackupVersion(ctx, "")
	require.NoError(t, err)
	_, err = tb.CreateKeysBackupVersion(ctx, info)
	require.NoError(t, err)
	// Drain the initial empty schedule before adding sessions so the
	// request count below is deterministic.
	require.NoError(t, tb.BackupAllGroupSessions(ctx, nil))
	time.Sleep(20 * time.Millisecond)
	tb.Server.PutCount.Store(0)

	addSessions(t, tb.Store, "!a:example.org", 15)
	addSessions(t, tb.Store, "!b:example.org", 5)

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			done <- tb.BackupAllGroupSessions(ctx, nil)
		}()
	}
	successes := 0
	for i := 0; i < 4; i++ {
		err := <-done
		if err == nil {
			successes++
		} else {
			require.ErrorIs(t, err, keysafe.ErrBackupRequestReplaced)
		}
	}
	require.GreaterOrEqual(t, successes, 1)

	backedUp, err := tb.Store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 20, backedUp)
	assert.LessOrEqual(t, tb.Server.MaxConcurrentPuts.Load(), int32(1))
	assert.EqualValues(t, 3, tb.Server.PutCount.Load(), "expected exactly ceil(20/7) upload requests")
}

func TestKeysBackup_TransientUploadFailure(t *testing.T) {
	tb := newTestBackup(t, nil, "DEVICE1")
	ctx := context.Background()

	info, err := tb.PrepareKeysBackupVersion(ctx, "")
	require.NoError(t, err)
	_, err = tb.CreateKeysBackupVersion(ctx, info)
	require.NoError(t, err)
	require.NoError(t, tb.BackupAllGroupSessions(ctx, nil))

	// The homeserver goes away; the next upload must fail softly and
	// leave the engine enabled so a later trigger can retry.
	tb.Server.Server.Close()
	addSessions(t, tb.Store, "!offline:example.org", 1)
	tb.BackupKeys(ctx)

	assert.Equal(t, keysafe.BackupStateReadyToBackUp, tb.State())
	assert.True(t, tb.IsEnabled())
	backedUp, err := tb.Store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, backedUp, "markers must not be set for a failed chunk")
	pending, err := tb.Store.GetSessionsToBackup(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestKeysBackup_ListenerRemovalDuringDelivery(t *testing.T) {
	tb := newTestBackup(t, nil, "DEVICE1")
	ctx := context.Background()

	var calls, otherCalls atomic.Int32
	var remove func()
	remove = tb.AddStateListener(func(keysafe.BackupState) {
		calls.Add(1)
		remove()
	})
	tb.AddStateListener(func(keysafe.BackupState) {
		otherCalls.Add(1)
	})

	info, err := tb.PrepareKeysBackupVersion(ctx, "")
	require.NoError(t, err)
	_, err = tb.CreateKeysBackupVersion(ctx, info)
	require.NoError(t, err)
	require.NoError(t, tb.BackupAllGroupSessions(ctx, nil))

	assert.EqualValues(t, 1, calls.Load(), "self-removing listener must only be called once")
	assert.Greater(t, otherCalls.Load(), int32(1))
}
