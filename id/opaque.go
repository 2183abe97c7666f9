// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package id contains the opaque identifier types used in the
// client-server API and the key backup data model.
package id

import (
	"fmt"
	"strings"
)

// A UserID is a string starting with @ that references a specific user.
// https://spec.matrix.org/v1.9/appendices/#user-identifiers
type UserID string

// A RoomID is a string starting with ! that references a specific room.
// https://spec.matrix.org/v1.9/appendices/#room-ids
type RoomID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A SessionID is the ID of a Megolm session, derived from the initial
// session key material.
type SessionID string

// A KeyBackupVersion is an opaque identifier assigned by the server to a
// single version of a server-side key backup.
type KeyBackupVersion string

func (userID UserID) String() string {
	return string(userID)
}

// Parse parses the user ID into the localpart and server name.
func (userID UserID) Parse() (localpart, homeserver string, err error) {
	if len(userID) == 0 || userID[0] != '@' || !strings.ContainsRune(string(userID), ':') {
		return "", "", fmt.Errorf("%q is not a valid user ID", userID)
	}
	parts := strings.SplitN(string(userID)[1:], ":", 2)
	return parts[0], parts[1], nil
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (sessionID SessionID) String() string {
	return string(sessionID)
}

func (version KeyBackupVersion) String() string {
	return string(version)
}
