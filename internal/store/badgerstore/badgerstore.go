// Package badgerstore persists the engine state in a Badger key-value
// database. Values are JSON; pickles inside them are already encrypted by
// the crypto backend.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
)

const maxConflictRetries = 5

type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

var _ store.Store = (*BadgerStore)(nil)

// Open opens the database at path. An empty path keeps everything in
// memory.
func Open(path string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db, logger: logger}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's printf logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(f string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (l badgerLogger) Infof(f string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(f, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(f string, args ...any) {}

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, "\x00"))
}

func prefix(parts ...string) []byte {
	return append(key(parts...), 0)
}

var accountKey = []byte("account")

const (
	olmPrefix       = "olm"
	outboundPrefix  = "ogs"
	inboundPrefix   = "igs"
	indexPrefix     = "midx"
	devicePrefix    = "dev"
	deviceKeyPrefix = "devkey"
	crossSignPrefix = "xsign"
	outdatedPrefix  = "outdated"
	verifyPrefix    = "verify"
)

func getJSON(txn *badger.Txn, k []byte, v any) error {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return store.ErrNotFound
	} else if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, k []byte, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(k, val)
}

// update retries on transaction conflicts, which badger reports when two
// writers touched the same keys.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range maxConflictRetries {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug("badger transaction conflict, retrying")
	}
	return err
}

func scanPrefix(txn *badger.Txn, p []byte, fn func(k []byte, val []byte) error) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: p, PrefetchValues: true, PrefetchSize: 16})
	defer it.Close()
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return fn(k, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) GetAccount(ctx context.Context) ([]byte, error) {
	var pickle []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrNotFound
		} else if err != nil {
			return err
		}
		pickle, err = item.ValueCopy(nil)
		return err
	})
	return pickle, err
}

func (s *BadgerStore) PutAccount(ctx context.Context, pickle []byte) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(accountKey, pickle)
	})
}

func (s *BadgerStore) GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*store.OlmSessionRecord, error) {
	var out []*store.OlmSessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix(olmPrefix, string(senderKey)), func(_, val []byte) error {
			var rec store.OlmSessionRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *store.OlmSessionRecord) int {
		if c := b.LastUsed.Compare(a.LastUsed); c != 0 {
			return c
		}
		return strings.Compare(string(a.SessionID), string(b.SessionID))
	})
	return out, nil
}

func (s *BadgerStore) PutOlmSession(ctx context.Context, rec *store.OlmSessionRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(olmPrefix, string(rec.SenderKey), string(rec.SessionID)), rec)
	})
}

func (s *BadgerStore) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*store.OutboundGroupSessionRecord, error) {
	var rec store.OutboundGroupSessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(outboundPrefix, string(roomID)), &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.SharedWith == nil {
		rec.SharedWith = make(store.SharedWith)
	}
	return &rec, nil
}

func (s *BadgerStore) PutOutboundGroupSession(ctx context.Context, rec *store.OutboundGroupSessionRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(outboundPrefix, string(rec.RoomID)), rec)
	})
}

func (s *BadgerStore) DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(key(outboundPrefix, string(roomID)))
	})
}

func (s *BadgerStore) GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*store.InboundGroupSessionRecord, error) {
	var rec store.InboundGroupSessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(inboundPrefix, string(roomID), string(sessionID)), &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BadgerStore) PutInboundGroupSession(ctx context.Context, rec *store.InboundGroupSessionRecord) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(inboundPrefix, string(rec.RoomID), string(rec.SessionID)), rec)
	})
}

func (s *BadgerStore) ValidateMessageIndex(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, index uint32, rec store.MessageIndexRecord) (bool, error) {
	var valid bool
	k := key(indexPrefix, string(senderKey), string(sessionID), strconv.FormatUint(uint64(index), 10))
	err := s.update(ctx, func(txn *badger.Txn) error {
		var existing store.MessageIndexRecord
		err := getJSON(txn, k, &existing)
		if errors.Is(err, store.ErrNotFound) {
			valid = true
			return setJSON(txn, k, rec)
		} else if err != nil {
			return err
		}
		valid = existing.SameEvent(rec)
		return nil
	})
	return valid, err
}

func (s *BadgerStore) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*keys.DeviceKeys, error) {
	out := make(map[id.DeviceID]*keys.DeviceKeys)
	err := s.db.View(func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix(devicePrefix, string(userID)), func(_, val []byte) error {
			var dev keys.DeviceKeys
			if err := json.Unmarshal(val, &dev); err != nil {
				return err
			}
			out[dev.DeviceID] = &dev
			return nil
		})
	})
	return out, err
}

func (s *BadgerStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*keys.DeviceKeys, error) {
	var dev keys.DeviceKeys
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(devicePrefix, string(userID), string(deviceID)), &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BadgerStore) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*keys.DeviceKeys) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var stale [][]byte
		if err := scanPrefix(txn, prefix(devicePrefix, string(userID)), func(k, _ []byte) error {
			stale = append(stale, k)
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		for deviceID, dev := range devices {
			if err := setJSON(txn, key(devicePrefix, string(userID), string(deviceID)), dev); err != nil {
				return err
			}
			if err := setJSON(txn, key(deviceKeyPrefix, string(dev.Curve25519())), dev.Ref()); err != nil {
				return err
			}
		}
		return txn.Set(key(outdatedPrefix, string(userID)), []byte{0})
	})
}

func (s *BadgerStore) FindDeviceByKey(ctx context.Context, identityKey id.Curve25519) (*keys.DeviceKeys, error) {
	var dev keys.DeviceKeys
	err := s.db.View(func(txn *badger.Txn) error {
		var ref keys.UserDevice
		if err := getJSON(txn, key(deviceKeyPrefix, string(identityKey)), &ref); err != nil {
			return err
		}
		return getJSON(txn, key(devicePrefix, string(ref.UserID), string(ref.DeviceID)), &dev)
	})
	if err != nil {
		return nil, err
	}
	if dev.Curve25519() != identityKey {
		return nil, store.ErrNotFound
	}
	return &dev, nil
}

func (s *BadgerStore) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (*keys.CrossSigningKeys, error) {
	var csk keys.CrossSigningKeys
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(crossSignPrefix, string(userID)), &csk)
	})
	if err != nil {
		return nil, err
	}
	return &csk, nil
}

func (s *BadgerStore) PutCrossSigningKeys(ctx context.Context, userID id.UserID, csk *keys.CrossSigningKeys) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, key(crossSignPrefix, string(userID)), csk)
	})
}

func (s *BadgerStore) MarkOutdated(ctx context.Context, userIDs ...id.UserID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, userID := range userIDs {
			if err := txn.Set(key(outdatedPrefix, string(userID)), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) IsOutdated(ctx context.Context, userID id.UserID) (bool, error) {
	outdated := true
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(outdatedPrefix, string(userID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			outdated = len(val) == 0 || val[0] != 0
			return nil
		})
	})
	return outdated, err
}

func (s *BadgerStore) GetVerification(ctx context.Context, k string) (keys.VerificationState, error) {
	var state keys.VerificationState
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, key(verifyPrefix, k), &state)
	})
	if errors.Is(err, store.ErrNotFound) {
		return keys.Unset, nil
	}
	return state, err
}

func (s *BadgerStore) PutVerification(ctx context.Context, k string, state keys.VerificationState) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if state == keys.Unset {
			return txn.Delete(key(verifyPrefix, k))
		}
		return setJSON(txn, key(verifyPrefix, k), state)
	})
}
