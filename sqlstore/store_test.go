// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sqlstore_test

import (
	"context"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/random"

	"go.mau.fi/keysafe"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/sqlstore"
)

func makeStore(t *testing.T) *sqlstore.SQLSessionStore {
	t.Helper()
	db, err := dbutil.NewWithDialect(filepath.Join(t.TempDir(), "keysafe-test.db"), "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	store := sqlstore.NewSQLSessionStore(db, dbutil.ZeroLogger(zerolog.Nop()), "@alice:example.org", []byte("test pickle key"))
	require.NoError(t, store.Upgrade(context.Background()))
	return store
}

func makeSession(roomID id.RoomID) *keysafe.GroupSession {
	return &keysafe.GroupSession{
		RoomID:            roomID,
		SessionID:         id.SessionID(random.String(43)),
		SenderKey:         id.SenderKey(random.String(43)),
		SessionKey:        random.Bytes(229),
		SenderClaimedKeys: backup.SenderClaimedKeys{Ed25519: id.Ed25519(random.String(43))},
		ForwardingChains:  []string{"chain1", "chain2"},
		FirstMessageIndex: 5,
		IsVerified:        true,
	}
}

func TestSQLSessionStore_SessionRoundtrip(t *testing.T) {
	store := makeStore(t)
	ctx := context.Background()
	session := makeSession("!roundtrip:example.org")
	require.NoError(t, store.PutSession(ctx, session, false))

	loaded, err := store.GetSession(ctx, session.SessionID, session.SenderKey)
	require.NoError(t, err)
	assert.Equal(t, session, loaded)

	missing, err := store.GetSession(ctx, "nonexistent", session.SenderKey)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLSessionStore_MarkerLifecycle(t *testing.T) {
	store := makeStore(t)
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
	total, err := store.CountSessions(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 10, total)
	pending, err := store.GetSessionsToBackup(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 9)

	require.NoError(t, store.ResetBackupMarkers(ctx))
	backedUp, err = store.CountSessions(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, backedUp)
	pending, err = store.GetSessionsToBackup(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, pending, 10)

	limited, err := store.GetSessionsToBackup(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, limited, 3)
}

func TestSQLSessionStore_ActiveVersion(t *testing.T) {
	store := makeStore(t)
	ctx := context.Background()

	version, err := store.GetActiveBackupVersion(ctx)
	require.NoError(t, err)
	assert.Empty(t, version)

	require.NoError(t, store.PutActiveBackupVersion(ctx, "1"))
	version, err = store.GetActiveBackupVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.KeyBackupVersion("1"), version)

	require.NoError(t, store.PutActiveBackupVersion(ctx, "2"))
	version, err = store.GetActiveBackupVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, id.KeyBackupVersion("2"), version)
}

func TestSQLSessionStore_BackupKeyCache(t *testing.T) {
	store := makeStore(t)
	ctx := context.Background()

	missing, err := store.GetBackupKey(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)
	require.NoError(t, store.PutBackupKey(ctx, "1", key))

	loaded, err := store.GetBackupKey(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, key.Bytes(), loaded.Bytes())

	// A store with a different pickle key can't read the cached key.
	store.PickleKey = []byte("wrong pickle key")
	_, err = store.GetBackupKey(ctx, "1")
	assert.Error(t, err)
}
