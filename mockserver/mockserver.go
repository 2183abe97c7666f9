// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mockserver contains an in-process homeserver implementing the
// /room_keys endpoints for tests.
package mockserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/id"
)

type storedKey struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

type storedVersion struct {
	Version   id.KeyBackupVersion
	Algorithm id.Algorithm
	AuthData  json.RawMessage
	ETag      string
	Deleted   bool
	Rooms     map[id.RoomID]map[id.SessionID]*storedKey
}

func (sv *storedVersion) count() int {
	count := 0
	for _, sessions := range sv.Rooms {
		count += len(sessions)
	}
	return count
}

// MockServer implements the server side of the key backup API with the same
// observable behavior as a real homeserver: monotonic version IDs, etag and
// count bookkeeping, M_WRONG_ROOM_KEYS_VERSION on uploads to a superseded
// version and M_NOT_FOUND when no backup exists.
type MockServer struct {
	Router *mux.Router
	Server *httptest.Server

	lock     sync.Mutex
	versions []*storedVersion

	putsInFlight atomic.Int32
	// MaxConcurrentPuts records the highest number of key uploads that
	// were ever in flight at the same time, to let tests assert the
	// client's single-chunk guarantee.
	MaxConcurrentPuts atomic.Int32
	// PutCount is the total number of key upload requests received.
	PutCount atomic.Int32
}

func Create(t *testing.T) *MockServer {
	t.Helper()

	ms := &MockServer{}
	router := mux.NewRouter()
	roomKeys := router.PathPrefix("/_matrix/client/v3/room_keys").Subrouter()
	roomKeys.HandleFunc("/version", ms.postVersion).Methods(http.MethodPost)
	roomKeys.HandleFunc("/version", ms.getLatestVersion).Methods(http.MethodGet)
	roomKeys.HandleFunc("/version/{version}", ms.getVersion).Methods(http.MethodGet)
	roomKeys.HandleFunc("/version/{version}", ms.putVersion).Methods(http.MethodPut)
	roomKeys.HandleFunc("/version/{version}", ms.deleteVersion).Methods(http.MethodDelete)
	roomKeys.HandleFunc("/keys", ms.putKeys).Methods(http.MethodPut)
	roomKeys.HandleFunc("/keys", ms.getKeys).Methods(http.MethodGet)
	roomKeys.HandleFunc("/keys/{roomID}", ms.getRoomKeys).Methods(http.MethodGet)
	roomKeys.HandleFunc("/keys/{roomID}/{sessionID}", ms.getRoomKey).Methods(http.MethodGet)
	ms.Router = router
	ms.Server = httptest.NewServer(router)
	t.Cleanup(ms.Server.Close)
	return ms
}

// NewClient returns an api.Client pointed at the mock server.
func (ms *MockServer) NewClient(t *testing.T, userID id.UserID, deviceID id.DeviceID) *api.Client {
	t.Helper()
	client, err := api.NewClient(ms.Server.URL, userID, "syt_"+xid.New().String())
	require.NoError(t, err)
	client.DeviceID = deviceID
	return client
}

// CreateVersionDirectly adds a new backup version without going through the
// HTTP API, like another device would.
func (ms *MockServer) CreateVersionDirectly(algorithm id.Algorithm, authData json.RawMessage) id.KeyBackupVersion {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return ms.addVersion(algorithm, authData)
}

func (ms *MockServer) addVersion(algorithm id.Algorithm, authData json.RawMessage) id.KeyBackupVersion {
	version := &storedVersion{
		Version:   id.KeyBackupVersion(strconv.Itoa(len(ms.versions) + 1)),
		Algorithm: algorithm,
		AuthData:  authData,
		ETag:      xid.New().String(),
		Rooms:     map[id.RoomID]map[id.SessionID]*storedKey{},
	}
	ms.versions = append(ms.versions, version)
	return version.Version
}

func (ms *MockServer) latest() *storedVersion {
	for i := len(ms.versions) - 1; i >= 0; i-- {
		if !ms.versions[i].Deleted {
			return ms.versions[i]
		}
	}
	return nil
}

func (ms *MockServer) get(versionID string) *storedVersion {
	for _, version := range ms.versions {
		if string(version.Version) == versionID && !version.Deleted {
			return version
		}
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, errCode, message string) {
	respondJSON(w, status, map[string]string{"errcode": errCode, "error": message})
}

func versionResponse(version *storedVersion) map[string]any {
	return map[string]any{
		"algorithm": version.Algorithm,
		"auth_data": version.AuthData,
		"count":     version.count(),
		"etag":      version.ETag,
		"version":   version.Version,
	}
}

func (ms *MockServer) postVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm id.Algorithm    `json:"algorithm"`
		AuthData  json.RawMessage `json:"auth_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	ms.lock.Lock()
	versionID := ms.addVersion(req.Algorithm, req.AuthData)
	ms.lock.Unlock()
	respondJSON(w, http.StatusOK, map[string]any{"version": versionID})
}

func (ms *MockServer) getLatestVersion(w http.ResponseWriter, _ *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.latest()
	if version == nil {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "No current backup version")
		return
	}
	respondJSON(w, http.StatusOK, versionResponse(version))
}

func (ms *MockServer) getVersion(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.get(mux.Vars(r)["version"])
	if version == nil {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version")
		return
	}
	respondJSON(w, http.StatusOK, versionResponse(version))
}

func (ms *MockServer) putVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm id.Algorithm    `json:"algorithm"`
		AuthData  json.RawMessage `json:"auth_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.get(mux.Vars(r)["version"])
	if version == nil {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version")
		return
	}
	if req.Algorithm != version.Algorithm {
		respondError(w, http.StatusBadRequest, "M_INVALID_PARAM", "Algorithm may not change")
		return
	}
	version.AuthData = req.AuthData
	respondJSON(w, http.StatusOK, map[string]any{})
}

func (ms *MockServer) deleteVersion(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.get(mux.Vars(r)["version"])
	if version != nil {
		version.Deleted = true
	}
	respondJSON(w, http.StatusOK, map[string]any{})
}

// requireCurrentVersion implements the supersession check: writes must go
// to the newest version.
func (ms *MockServer) requireCurrentVersion(w http.ResponseWriter, r *http.Request) *storedVersion {
	requested := r.URL.Query().Get("version")
	version := ms.get(requested)
	if version == nil {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version")
		return nil
	}
	if latest := ms.latest(); latest != version {
		respondJSON(w, http.StatusForbidden, map[string]any{
			"errcode":         "M_WRONG_ROOM_KEYS_VERSION",
			"error":           "Wrong backup version.",
			"current_version": latest.Version,
		})
		return nil
	}
	return version
}

func (ms *MockServer) putKeys(w http.ResponseWriter, r *http.Request) {
	inFlight := ms.putsInFlight.Add(1)
	defer ms.putsInFlight.Add(-1)
	ms.PutCount.Add(1)
	for {
		currentMax := ms.MaxConcurrentPuts.Load()
		if inFlight <= currentMax || ms.MaxConcurrentPuts.CompareAndSwap(currentMax, inFlight) {
			break
		}
	}

	var req struct {
		Rooms map[id.RoomID]struct {
			Sessions map[id.SessionID]*storedKey `json:"sessions"`
		} `json:"rooms"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.requireCurrentVersion(w, r)
	if version == nil {
		return
	}
	for roomID, roomKeys := range req.Rooms {
		sessions, ok := version.Rooms[roomID]
		if !ok {
			sessions = map[id.SessionID]*storedKey{}
			version.Rooms[roomID] = sessions
		}
		for sessionID, key := range roomKeys.Sessions {
			sessions[sessionID] = key
		}
	}
	version.ETag = xid.New().String()
	respondJSON(w, http.StatusOK, map[string]any{"count": version.count(), "etag": version.ETag})
}

func (ms *MockServer) keysVersion(w http.ResponseWriter, r *http.Request) *storedVersion {
	version := ms.get(r.URL.Query().Get("version"))
	if version == nil {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "Unknown backup version")
	}
	return version
}

func (ms *MockServer) getKeys(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.keysVersion(w, r)
	if version == nil {
		return
	}
	rooms := map[id.RoomID]map[string]map[id.SessionID]*storedKey{}
	for roomID, sessions := range version.Rooms {
		rooms[roomID] = map[string]map[id.SessionID]*storedKey{"sessions": sessions}
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (ms *MockServer) getRoomKeys(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.keysVersion(w, r)
	if version == nil {
		return
	}
	sessions := version.Rooms[id.RoomID(mux.Vars(r)["roomID"])]
	if sessions == nil {
		sessions = map[id.SessionID]*storedKey{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (ms *MockServer) getRoomKey(w http.ResponseWriter, r *http.Request) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	version := ms.keysVersion(w, r)
	if version == nil {
		return
	}
	vars := mux.Vars(r)
	key := version.Rooms[id.RoomID(vars["roomID"])][id.SessionID(vars["sessionID"])]
	if key == nil {
		respondError(w, http.StatusNotFound, "M_NOT_FOUND", "No room key found")
		return
	}
	respondJSON(w, http.StatusOK, key)
}
