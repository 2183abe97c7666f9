// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import (
	"context"
	"sort"
	"sync"

	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
)

type sessionKey struct {
	SessionID id.SessionID
	SenderKey id.SenderKey
}

// MemorySessionStore is a SessionStore that lives entirely in memory. It is
// mainly useful for tests and short-lived tools; clients keep their
// sessions in a database and should use SQLSessionStore.
type MemorySessionStore struct {
	lock          sync.Mutex
	sessions      map[sessionKey]*GroupSession
	backedUp      map[sessionKey]bool
	activeVersion id.KeyBackupVersion
	backupKeys    map[id.KeyBackupVersion][]byte
}

var (
	_ SessionStore   = (*MemorySessionStore)(nil)
	_ BackupKeyCache = (*MemorySessionStore)(nil)
)

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:   make(map[sessionKey]*GroupSession),
		backedUp:   make(map[sessionKey]bool),
		backupKeys: make(map[id.KeyBackupVersion][]byte),
	}
}

func (store *MemorySessionStore) GetSessionsToBackup(_ context.Context, limit int) ([]*GroupSession, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	pending := make([]*GroupSession, 0, len(store.sessions))
	for key, session := range store.sessions {
		if !store.backedUp[key] {
			pending = append(pending, session)
		}
	}
	// Deterministic, but deliberately not insertion order: callers must
	// not rely on any particular ordering.
	sort.Slice(pending, func(a, b int) bool {
		return pending[a].SessionID < pending[b].SessionID
	})
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (store *MemorySessionStore) CountSessions(_ context.Context, onlyBackedUp bool) (int, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	if !onlyBackedUp {
		return len(store.sessions), nil
	}
	count := 0
	for key := range store.sessions {
		if store.backedUp[key] {
			count++
		}
	}
	return count, nil
}

func (store *MemorySessionStore) MarkSessionBackedUp(_ context.Context, sessionID id.SessionID, senderKey id.SenderKey) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	key := sessionKey{sessionID, senderKey}
	if _, ok := store.sessions[key]; ok {
		store.backedUp[key] = true
	}
	return nil
}

func (store *MemorySessionStore) ResetBackupMarkers(_ context.Context) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.backedUp = make(map[sessionKey]bool)
	return nil
}

func (store *MemorySessionStore) GetActiveBackupVersion(_ context.Context) (id.KeyBackupVersion, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	return store.activeVersion, nil
}

func (store *MemorySessionStore) PutActiveBackupVersion(_ context.Context, version id.KeyBackupVersion) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.activeVersion = version
	return nil
}

func (store *MemorySessionStore) GetSession(_ context.Context, sessionID id.SessionID, senderKey id.SenderKey) (*GroupSession, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	return store.sessions[sessionKey{sessionID, senderKey}], nil
}

func (store *MemorySessionStore) PutSession(_ context.Context, session *GroupSession, backedUp bool) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	key := sessionKey{session.SessionID, session.SenderKey}
	store.sessions[key] = session
	store.backedUp[key] = backedUp
	return nil
}

func (store *MemorySessionStore) PutBackupKey(_ context.Context, version id.KeyBackupVersion, key *backup.MegolmBackupKey) error {
	store.lock.Lock()
	defer store.lock.Unlock()
	store.backupKeys[version] = key.Bytes()
	return nil
}

func (store *MemorySessionStore) GetBackupKey(_ context.Context, version id.KeyBackupVersion) (*backup.MegolmBackupKey, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	keyBytes, ok := store.backupKeys[version]
	if !ok {
		return nil, nil
	}
	return backup.MegolmBackupKeyFromBytes(keyBytes)
}

// MemoryDeviceStore is a DeviceStore backed by a plain map, for tests and
// tools that don't have a real device list.
type MemoryDeviceStore struct {
	lock    sync.Mutex
	devices map[id.UserID]map[id.DeviceID]*Device
}

var _ DeviceStore = (*MemoryDeviceStore)(nil)

func NewMemoryDeviceStore() *MemoryDeviceStore {
	return &MemoryDeviceStore{devices: make(map[id.UserID]map[id.DeviceID]*Device)}
}

func (store *MemoryDeviceStore) PutDevice(userID id.UserID, device *Device) {
	store.lock.Lock()
	defer store.lock.Unlock()
	userDevices, ok := store.devices[userID]
	if !ok {
		userDevices = make(map[id.DeviceID]*Device)
		store.devices[userID] = userDevices
	}
	userDevices[device.DeviceID] = device
}

func (store *MemoryDeviceStore) SetTrust(userID id.UserID, deviceID id.DeviceID, trust id.TrustState) {
	store.lock.Lock()
	defer store.lock.Unlock()
	if device, ok := store.devices[userID][deviceID]; ok {
		device.Trust = trust
	}
}

func (store *MemoryDeviceStore) GetDevice(_ context.Context, userID id.UserID, deviceID id.DeviceID) (*Device, error) {
	store.lock.Lock()
	defer store.lock.Unlock()
	return store.devices[userID][deviceID], nil
}
