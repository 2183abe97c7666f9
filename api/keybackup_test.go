// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package api_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/mockserver"
)

func makeClient(t *testing.T) (*mockserver.MockServer, *api.Client) {
	t.Helper()
	ms := mockserver.Create(t)
	return ms, ms.NewClient(t, "@alice:example.org", "DEVICE1")
}

func testAuthData(key *backup.MegolmBackupKey) backup.MegolmAuthData {
	return backup.MegolmAuthData{PublicKey: key.PublicKeyString()}
}

func TestClient_GetKeyBackupLatestVersion_NoBackup(t *testing.T) {
	_, cli := makeClient(t)
	resp, err := cli.GetKeyBackupLatestVersion(context.Background())
	require.NoError(t, err, "a missing backup must be a null success, not an error")
	assert.Nil(t, resp)
}

func TestClient_VersionLifecycle(t *testing.T) {
	ctx := context.Background()
	_, cli := makeClient(t)
	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)

	created, err := cli.CreateKeyBackupVersion(ctx, &api.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  testAuthData(key),
	})
	require.NoError(t, err)
	assert.Equal(t, id.KeyBackupVersion("1"), created.Version)

	latest, err := cli.GetKeyBackupLatestVersion(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, created.Version, latest.Version)
	assert.Equal(t, id.KeyBackupAlgorithmMegolmBackupV1, latest.Algorithm)
	assert.Equal(t, key.PublicKeyString(), latest.AuthData.PublicKey)
	assert.Zero(t, latest.Count)

	byID, err := cli.GetKeyBackupVersion(ctx, created.Version)
	require.NoError(t, err)
	assert.Equal(t, latest.Version, byID.Version)

	_, err = cli.GetKeyBackupVersion(ctx, "999")
	require.ErrorIs(t, err, api.MNotFound)

	require.NoError(t, cli.DeleteKeyBackupVersion(ctx, created.Version))
	latest, err = cli.GetKeyBackupLatestVersion(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestClient_PutKeysInBackup(t *testing.T) {
	ctx := context.Background()
	_, cli := makeClient(t)
	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)

	created, err := cli.CreateKeyBackupVersion(ctx, &api.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  testAuthData(key),
	})
	require.NoError(t, err)

	sessionData, err := backup.EncryptSessionData(key, backup.MegolmSessionData{
		Algorithm:          id.AlgorithmMegolmV1,
		ForwardingKeyChain: []string{},
		SenderKey:          "sender",
		SessionKey:         []byte("session key material"),
	})
	require.NoError(t, err)

	req := &api.ReqKeyBackup[backup.EncryptedSessionData[backup.MegolmSessionData]]{
		Rooms: map[id.RoomID]api.ReqRoomKeyBackup[backup.EncryptedSessionData[backup.MegolmSessionData]]{
			"!room:example.org": {
				Sessions: map[id.SessionID]api.ReqKeyBackupData[backup.EncryptedSessionData[backup.MegolmSessionData]]{
					"sessionid": {
						FirstMessageIndex: 3,
						ForwardedCount:    1,
						IsVerified:        true,
						SessionData:       *sessionData,
					},
				},
			},
		},
	}
	resp, err := cli.PutKeysInBackup(ctx, created.Version, req)
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Count)
	assert.NotEmpty(t, resp.ETag)

	fetched, err := cli.GetKeyBackup(ctx, created.Version)
	require.NoError(t, err)
	record := fetched.Rooms["!room:example.org"].Sessions["sessionid"]
	assert.Equal(t, 3, record.FirstMessageIndex)
	assert.Equal(t, 1, record.ForwardedCount)
	assert.True(t, record.IsVerified)
	decrypted, err := record.SessionData.Decrypt(key)
	require.NoError(t, err)
	assert.EqualValues(t, "session key material", decrypted.SessionKey)

	roomResp, err := cli.GetKeyBackupForRoom(ctx, created.Version, "!room:example.org")
	require.NoError(t, err)
	assert.Len(t, roomResp.Sessions, 1)

	sessionResp, err := cli.GetKeyBackupForSession(ctx, created.Version, "!room:example.org", "sessionid")
	require.NoError(t, err)
	assert.Equal(t, 3, sessionResp.FirstMessageIndex)

	_, err = cli.GetKeyBackupForSession(ctx, created.Version, "!room:example.org", "nonexistent")
	require.ErrorIs(t, err, api.MNotFound)
}

func TestClient_PutKeysInBackup_WrongVersion(t *testing.T) {
	ctx := context.Background()
	_, cli := makeClient(t)
	key, err := backup.NewMegolmBackupKey()
	require.NoError(t, err)

	first, err := cli.CreateKeyBackupVersion(ctx, &api.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  testAuthData(key),
	})
	require.NoError(t, err)
	_, err = cli.CreateKeyBackupVersion(ctx, &api.ReqRoomKeysVersionCreate[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData:  testAuthData(key),
	})
	require.NoError(t, err)

	_, err = cli.PutKeysInBackup(ctx, first.Version, &api.ReqKeyBackup[backup.EncryptedSessionData[backup.MegolmSessionData]]{})
	require.ErrorIs(t, err, api.MWrongRoomKeysVersion)
}
