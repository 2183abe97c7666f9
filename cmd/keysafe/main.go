// Copyright (c) 2024 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// keysafe is an interactive debugging tool for the key backup engine. It
// talks to a real homeserver with an existing access token and can create,
// inspect, fill and restore key backups.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/skip2/go-qrcode"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exerrors"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/random"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"

	"go.mau.fi/keysafe"
	"go.mau.fi/keysafe/api"
	"go.mau.fi/keysafe/ed25519"
	"go.mau.fi/keysafe/id"
	"go.mau.fi/keysafe/sqlstore"
)

var (
	homeserverURL = flag.MakeFull("s", "homeserver", "Homeserver URL", "").String()
	userID        = flag.MakeFull("u", "user-id", "Matrix user ID", "").String()
	deviceID      = flag.MakeFull("i", "device-id", "Device ID of this session", "keysafe").String()
	accessToken   = flag.MakeFull("t", "access-token", "Access token for the homeserver", "").String()
	dataDir       = flag.MakeFull("d", "data-dir", "Directory for the session database and keys", "./keysafe-data").String()
	dbDialect     = flag.MakeFull("D", "db-dialect", "Database dialect (sqlite3 or postgres)", "sqlite3").String()
	dbURI         = flag.MakeFull("b", "db-uri", "Database URI, defaults to a sqlite file in the data dir", "").String()
	logConfigPath = flag.MakeFull("l", "log-config", "Path to a zeroconfig YAML file", "").String()
	wantHelp, _   = flag.MakeHelpFlag()
)

var writerTypeReadline zeroconfig.WriterType = "keysafe_readline"

func main() {
	flag.SetHelpTitles("keysafe - key backup engine debugging tool", "keysafe [-s url] [-u mxid] [-t token] [...]")
	err := flag.Parse()
	if err != nil || *wantHelp || *homeserverURL == "" || *userID == "" || *accessToken == "" {
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		flag.PrintHelp()
		os.Exit(1)
	}

	rl := exerrors.Must(readline.New("> "))
	defer func() {
		_ = rl.Close()
	}()
	zeroconfig.RegisterWriter(writerTypeReadline, func(config *zeroconfig.WriterConfig) (io.Writer, error) {
		return rl.Stdout(), nil
	})
	logConfig := &zeroconfig.Config{
		Writers: []zeroconfig.WriterConfig{{
			Type:   writerTypeReadline,
			Format: zeroconfig.LogFormatPrettyColored,
		}},
	}
	if *logConfigPath != "" {
		logConfig = &zeroconfig.Config{}
		exerrors.PanicIfNotNil(yaml.Unmarshal(exerrors.Must(os.ReadFile(*logConfigPath)), logConfig))
	}
	log := exerrors.Must(logConfig.Compile())
	exzerolog.SetupDefaults(log)
	ctx := log.WithContext(context.Background())

	exerrors.PanicIfNotNil(os.MkdirAll(*dataDir, 0700))
	uri := *dbURI
	if uri == "" {
		uri = filepath.Join(*dataDir, "keysafe.db")
	}
	db := exerrors.Must(dbutil.NewWithDialect(uri, *dbDialect))
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
	store := sqlstore.NewSQLSessionStore(db, db.Log, *userID, loadOrCreateSecret(filepath.Join(*dataDir, "pickle.key")))
	exerrors.PanicIfNotNil(store.Upgrade(ctx))

	signingKey := ed25519.NewKeyFromSeed(loadOrCreateSecret(filepath.Join(*dataDir, "signing.key")))
	devices := keysafe.NewMemoryDeviceStore()
	devices.PutDevice(id.UserID(*userID), &keysafe.Device{
		DeviceID:   id.DeviceID(*deviceID),
		SigningKey: id.Ed25519(signingKey.Public().String()),
		Trust:      id.TrustStateVerified,
	})

	client := exerrors.Must(api.NewClient(*homeserverURL, id.UserID(*userID), *accessToken))
	client.DeviceID = id.DeviceID(*deviceID)
	client.Log = log.With().Str("component", "api").Logger()

	kb := keysafe.NewKeysBackup(client, store, devices, signingKey)
	kb.Log = *log
	kb.AddStateListener(func(state keysafe.BackupState) {
		log.Info().Stringer("state", state).Msg("Backup state changed")
	})

	var pendingInfo *keysafe.BackupCreationInfo
	for {
		line, err := rl.Readline()
		if err != nil {
			break
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help":
			_, _ = fmt.Fprintln(rl.Stdout(), "commands: check, state, prepare [passphrase], create, backup, restore <version> <recovery key>, restorepw <version> <passphrase>, seed <room id> <count>, delete <version>, quit")
		case "state":
			_, _ = fmt.Fprintf(rl.Stdout(), "state: %s, enabled: %t, version: %s\n", kb.State(), kb.IsEnabled(), kb.Version())
		case "check":
			if err := kb.CheckAndStartKeysBackup(ctx); err != nil {
				log.Err(err).Msg("Check failed")
			}
		case "prepare":
			passphrase := ""
			if len(fields) > 1 {
				passphrase = strings.Join(fields[1:], " ")
			}
			pendingInfo, err = kb.PrepareKeysBackupVersion(ctx, passphrase)
			if err != nil {
				log.Err(err).Msg("Prepare failed")
				continue
			}
			qrPath := filepath.Join(*dataDir, "recovery-key.png")
			if err = qrcode.WriteFile(pendingInfo.RecoveryKey, qrcode.Medium, 256, qrPath); err != nil {
				log.Warn().Err(err).Msg("Failed to write recovery key QR code")
			}
			_, _ = fmt.Fprintf(rl.Stdout(), "recovery key: %s (QR code in %s)\n", pendingInfo.RecoveryKey, qrPath)
		case "create":
			if pendingInfo == nil {
				_, _ = fmt.Fprintln(rl.Stdout(), "run prepare first")
				continue
			}
			version, err := kb.CreateKeysBackupVersion(ctx, pendingInfo)
			if err != nil {
				log.Err(err).Msg("Create failed")
				continue
			}
			pendingInfo = nil
			_, _ = fmt.Fprintf(rl.Stdout(), "created backup version %s\n", version)
		case "backup":
			err := kb.BackupAllGroupSessions(ctx, func(backedUp, total int) {
				_, _ = fmt.Fprintf(rl.Stdout(), "backed up %d/%d sessions\n", backedUp, total)
			})
			if err != nil {
				log.Err(err).Msg("Backup failed")
			}
		case "restore", "restorepw":
			if len(fields) < 3 {
				_, _ = fmt.Fprintln(rl.Stdout(), "usage: restore <version> <recovery key or passphrase>")
				continue
			}
			version := id.KeyBackupVersion(fields[1])
			secret := strings.Join(fields[2:], " ")
			var result *keysafe.RestoreResult
			if fields[0] == "restore" {
				result, err = kb.RestoreKeysWithRecoveryKey(ctx, version, secret, "", "")
			} else {
				result, err = kb.RestoreKeyBackupWithPassword(ctx, version, secret, "", "")
			}
			if err != nil {
				log.Err(err).Msg("Restore failed")
				continue
			}
			_, _ = fmt.Fprintf(rl.Stdout(), "restored %d/%d sessions\n", result.TotalImported, result.TotalFound)
		case "seed":
			// Fabricates sessions so the upload path can be exercised
			// without a full messaging stack.
			if len(fields) != 3 {
				_, _ = fmt.Fprintln(rl.Stdout(), "usage: seed <room id> <count>")
				continue
			}
			count, err := strconv.Atoi(fields[2])
			if err != nil {
				_, _ = fmt.Fprintln(rl.Stdout(), "invalid count")
				continue
			}
			for i := 0; i < count; i++ {
				session := fakeSession(id.RoomID(fields[1]))
				if err = store.PutSession(ctx, session, false); err != nil {
					log.Err(err).Msg("Failed to store session")
					break
				}
			}
			kb.MaybeBackupKeys(ctx)
		case "delete":
			if len(fields) != 2 {
				_, _ = fmt.Fprintln(rl.Stdout(), "usage: delete <version>")
				continue
			}
			if err := kb.DeleteKeysBackupVersion(ctx, id.KeyBackupVersion(fields[1])); err != nil {
				log.Err(err).Msg("Delete failed")
			}
		case "quit", "exit":
			return
		default:
			_, _ = fmt.Fprintln(rl.Stdout(), "unknown command, try help")
		}
	}
}

func loadOrCreateSecret(path string) []byte {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == 32 {
		return data
	}
	data = make([]byte, 32)
	exerrors.Must(rand.Read(data))
	exerrors.PanicIfNotNil(os.WriteFile(path, data, 0600))
	return data
}

func fakeSession(roomID id.RoomID) *keysafe.GroupSession {
	return &keysafe.GroupSession{
		RoomID:     roomID,
		SessionID:  id.SessionID(base64.RawStdEncoding.EncodeToString(random.Bytes(32))),
		SenderKey:  id.SenderKey(base64.RawStdEncoding.EncodeToString(random.Bytes(32))),
		SessionKey: random.Bytes(229),
	}
}
