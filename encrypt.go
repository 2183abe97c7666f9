// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package keysafe

import (
	"crypto/ecdh"
	"fmt"

	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/backup"
	"go.mau.fi/keysafe/id"
)

type encryptedSessionData = backup.EncryptedSessionData[backup.MegolmSessionData]

// encryptGroupSession builds the wire record for one group session: the
// exported session key and its provenance encrypted under the active backup
// public key, plus the cleartext metadata the server needs to resolve
// conflicting uploads.
func (kb *KeysBackup) encryptGroupSession(pubKey *ecdh.PublicKey, session *GroupSession) (*api.ReqKeyBackupData[encryptedSessionData], error) {
	forwardingChains := session.ForwardingChains
	if forwardingChains == nil {
		forwardingChains = []string{}
	}
	sessionData, err := backup.EncryptSessionDataTo(pubKey, backup.MegolmSessionData{
		Algorithm:          id.AlgorithmMegolmV1,
		ForwardingKeyChain: forwardingChains,
		SenderClaimedKeys:  session.SenderClaimedKeys,
		SenderKey:          session.SenderKey,
		SessionKey:         session.SessionKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt session data: %w", err)
	}
	return &api.ReqKeyBackupData[encryptedSessionData]{
		FirstMessageIndex: session.FirstMessageIndex,
		ForwardedCount:    len(session.ForwardingChains),
		IsVerified:        session.IsVerified,
		SessionData:       *sessionData,
	}, nil
}
