// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sqlstore implements a database-backed session store for the
// backup engine.
package sqlstore

import (
	"context"
	"crypto/hmac"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/random"

	"go.mau.fi/keysafe"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/utils"
)

//go:embed *.sql
var rawUpgrades embed.FS

var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFS(rawUpgrades)
}

const VersionTableName = "keysafe_version"

// backupKeySecretName is the HKDF info used when encrypting cached backup
// private keys with the pickle key.
const backupKeySecretName = "m.megolm_backup.v1"

// SQLSessionStore keeps the group sessions and backup markers of one
// account in a database. Cached backup private keys are encrypted with the
// pickle key before they are written.
type SQLSessionStore struct {
	DB        *dbutil.Database
	AccountID string
	PickleKey []byte
}

var (
	_ keysafe.SessionStore   = (*SQLSessionStore)(nil)
	_ keysafe.BackupKeyCache = (*SQLSessionStore)(nil)
)

func NewSQLSessionStore(db *dbutil.Database, log dbutil.DatabaseLogger, accountID string, pickleKey []byte) *SQLSessionStore {
	return &SQLSessionStore{
		DB:        db.Child(VersionTableName, UpgradeTable, log),
		AccountID: accountID,
		PickleKey: pickleKey,
	}
}

// Upgrade runs the schema migrations. It must be called once before the
// store is used.
func (store *SQLSessionStore) Upgrade(ctx context.Context) error {
	return store.DB.Upgrade(ctx)
}

const (
	getSessionsToBackupQuery = `
		SELECT room_id, session_id, sender_key, session_key, sender_claimed_keys, forwarding_chains, first_message_index, is_verified
		FROM keysafe_group_session WHERE account_id=$1 AND backed_up=false
		ORDER BY room_id, session_id LIMIT $2
	`
	getSessionQuery = `
		SELECT room_id, session_id, sender_key, session_key, sender_claimed_keys, forwarding_chains, first_message_index, is_verified
		FROM keysafe_group_session WHERE account_id=$1 AND session_id=$2 AND sender_key=$3
	`
	putSessionQuery = `
		INSERT INTO keysafe_group_session (
			account_id, session_id, sender_key, room_id, session_key,
			sender_claimed_keys, forwarding_chains, first_message_index, is_verified, backed_up
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (account_id, session_id, sender_key) DO UPDATE
			SET room_id=excluded.room_id, session_key=excluded.session_key,
			    sender_claimed_keys=excluded.sender_claimed_keys,
			    forwarding_chains=excluded.forwarding_chains,
			    first_message_index=excluded.first_message_index,
			    is_verified=excluded.is_verified, backed_up=excluded.backed_up
	`
	markSessionBackedUpQuery = `
		UPDATE keysafe_group_session SET backed_up=true
		WHERE account_id=$1 AND session_id=$2 AND sender_key=$3
	`
	resetBackupMarkersQuery = `UPDATE keysafe_group_session SET backed_up=false WHERE account_id=$1`
	countSessionsQuery      = `SELECT COUNT(*) FROM keysafe_group_session WHERE account_id=$1`
	countBackedUpQuery      = `SELECT COUNT(*) FROM keysafe_group_session WHERE account_id=$1 AND backed_up=true`

	getActiveVersionQuery = `SELECT active_version FROM keysafe_backup_version WHERE account_id=$1`
	putActiveVersionQuery = `
		INSERT INTO keysafe_backup_version (account_id, active_version) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET active_version=excluded.active_version
	`

	getBackupKeyQuery = `SELECT key_iv, key_data, key_mac FROM keysafe_backup_key WHERE account_id=$1 AND version=$2`
	putBackupKeyQuery = `
		INSERT INTO keysafe_backup_key (account_id, version, key_iv, key_data, key_mac) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, version) DO UPDATE
			SET key_iv=excluded.key_iv, key_data=excluded.key_data, key_mac=excluded.key_mac
	`
)

func (store *SQLSessionStore) scanSession(row dbutil.Scannable) (*keysafe.GroupSession, error) {
	var session keysafe.GroupSession
	var claimedKeys, forwardingChains string
	err := row.Scan(
		&session.RoomID, &session.SessionID, &session.SenderKey, &session.SessionKey,
		&claimedKeys, &forwardingChains, &session.FirstMessageIndex, &session.IsVerified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if err = json.Unmarshal([]byte(claimedKeys), &session.SenderClaimedKeys); err != nil {
		return nil, fmt.Errorf("invalid sender claimed keys in database: %w", err)
	}
	if err = json.Unmarshal([]byte(forwardingChains), &session.ForwardingChains); err != nil {
		return nil, fmt.Errorf("invalid forwarding chains in database: %w", err)
	}
	return &session, nil
}

func (store *SQLSessionStore) GetSessionsToBackup(ctx context.Context, limit int) ([]*keysafe.GroupSession, error) {
	rows, err := store.DB.Query(ctx, getSessionsToBackupQuery, store.AccountID, limit)
	return dbutil.NewRowIterWithError(rows, store.scanSession, err).AsList()
}

func (store *SQLSessionStore) CountSessions(ctx context.Context, onlyBackedUp bool) (count int, err error) {
	query := countSessionsQuery
	if onlyBackedUp {
		query = countBackedUpQuery
	}
	err = store.DB.QueryRow(ctx, query, store.AccountID).Scan(&count)
	return
}

func (store *SQLSessionStore) MarkSessionBackedUp(ctx context.Context, sessionID id.SessionID, senderKey id.SenderKey) error {
	_, err := store.DB.Exec(ctx, markSessionBackedUpQuery, store.AccountID, sessionID, senderKey)
	return err
}

func (store *SQLSessionStore) ResetBackupMarkers(ctx context.Context) error {
	_, err := store.DB.Exec(ctx, resetBackupMarkersQuery, store.AccountID)
	return err
}

func (store *SQLSessionStore) GetActiveBackupVersion(ctx context.Context) (version id.KeyBackupVersion, err error) {
	err = store.DB.QueryRow(ctx, getActiveVersionQuery, store.AccountID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		err = nil
	}
	return
}

func (store *SQLSessionStore) PutActiveBackupVersion(ctx context.Context, version id.KeyBackupVersion) error {
	_, err := store.DB.Exec(ctx, putActiveVersionQuery, store.AccountID, version)
	return err
}

func (store *SQLSessionStore) GetSession(ctx context.Context, sessionID id.SessionID, senderKey id.SenderKey) (*keysafe.GroupSession, error) {
	return store.scanSession(store.DB.QueryRow(ctx, getSessionQuery, store.AccountID, sessionID, senderKey))
}

func (store *SQLSessionStore) PutSession(ctx context.Context, session *keysafe.GroupSession, backedUp bool) error {
	claimedKeys, err := json.Marshal(&session.SenderClaimedKeys)
	if err != nil {
		return err
	}
	forwardingChains := session.ForwardingChains
	if forwardingChains == nil {
		forwardingChains = []string{}
	}
	chains, err := json.Marshal(forwardingChains)
	if err != nil {
		return err
	}
	_, err = store.DB.Exec(ctx, putSessionQuery,
		store.AccountID, session.SessionID, session.SenderKey, session.RoomID, session.SessionKey,
		string(claimedKeys), string(chains), session.FirstMessageIndex, session.IsVerified, backedUp,
	)
	return err
}

func (store *SQLSessionStore) PutBackupKey(ctx context.Context, version id.KeyBackupVersion, key *backup.MegolmBackupKey) error {
	aesKey, hmacKey := utils.DeriveKeysSHA256(store.PickleKey, backupKeySecretName)
	iv := [utils.AESCTRIVLength]byte(random.Bytes(utils.AESCTRIVLength))
	ciphertext := utils.XorA256CTR(key.Bytes(), aesKey, iv)
	mac := utils.HMACSHA256B64(ciphertext, hmacKey)
	_, err := store.DB.Exec(ctx, putBackupKeyQuery, store.AccountID, version, iv[:], ciphertext, mac)
	return err
}

func (store *SQLSessionStore) GetBackupKey(ctx context.Context, version id.KeyBackupVersion) (*backup.MegolmBackupKey, error) {
	var iv, ciphertext []byte
	var mac string
	err := store.DB.QueryRow(ctx, getBackupKeyQuery, store.AccountID, version).Scan(&iv, &ciphertext, &mac)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	aesKey, hmacKey := utils.DeriveKeysSHA256(store.PickleKey, backupKeySecretName)
	if !hmac.Equal([]byte(mac), []byte(utils.HMACSHA256B64(ciphertext, hmacKey))) {
		return nil, fmt.Errorf("cached backup key MAC mismatch")
	}
	if len(iv) != utils.AESCTRIVLength {
		return nil, fmt.Errorf("invalid cached backup key IV length %d", len(iv))
	}
	keyBytes := utils.XorA256CTR(ciphertext, aesKey, [utils.AESCTRIVLength]byte(iv))
	return backup.MegolmBackupKeyFromBytes(keyBytes)
}
