// Package memstore is an in-memory store.Store. Nothing survives a restart;
// it backs tests and the demo.
package memstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/tidwall/btree"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
)

type roomSession struct {
	roomID    id.RoomID
	sessionID id.SessionID
}

type messageIndex struct {
	senderKey id.Curve25519
	sessionID id.SessionID
	index     uint32
}

// olmSessions keeps one remote identity's sessions ordered by recency.
type olmSessions struct {
	mu     sync.Mutex
	byID   map[id.SessionID]*store.OlmSessionRecord
	recent *btree.BTreeG[*store.OlmSessionRecord]
}

func byRecency(a, b *store.OlmSessionRecord) bool {
	if a.LastUsed.Equal(b.LastUsed) {
		return a.SessionID < b.SessionID
	}
	return a.LastUsed.After(b.LastUsed)
}

func newOlmSessions() *olmSessions {
	return &olmSessions{
		byID: make(map[id.SessionID]*store.OlmSessionRecord),
		recent: btree.NewBTreeGOptions(byRecency, btree.Options{
			NoLocks: true,
		}),
	}
}

type MemStore struct {
	account []byte
	accMu   sync.RWMutex

	olm      *xsync.Map[id.Curve25519, *olmSessions]
	outbound *xsync.Map[id.RoomID, store.OutboundGroupSessionRecord]
	inbound  *xsync.Map[roomSession, store.InboundGroupSessionRecord]
	indexes  *xsync.Map[messageIndex, store.MessageIndexRecord]

	devices      *xsync.Map[id.UserID, map[id.DeviceID]*keys.DeviceKeys]
	byKey        *xsync.Map[id.Curve25519, keys.UserDevice]
	crossSigning *xsync.Map[id.UserID, *keys.CrossSigningKeys]
	outdated     *xsync.Map[id.UserID, bool]
	verification *xsync.Map[string, keys.VerificationState]
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		olm:          xsync.NewMap[id.Curve25519, *olmSessions](),
		outbound:     xsync.NewMap[id.RoomID, store.OutboundGroupSessionRecord](),
		inbound:      xsync.NewMap[roomSession, store.InboundGroupSessionRecord](),
		indexes:      xsync.NewMap[messageIndex, store.MessageIndexRecord](),
		devices:      xsync.NewMap[id.UserID, map[id.DeviceID]*keys.DeviceKeys](),
		byKey:        xsync.NewMap[id.Curve25519, keys.UserDevice](),
		crossSigning: xsync.NewMap[id.UserID, *keys.CrossSigningKeys](),
		outdated:     xsync.NewMap[id.UserID, bool](),
		verification: xsync.NewMap[string, keys.VerificationState](),
	}
}

func (m *MemStore) Close() error { return nil }

func (m *MemStore) GetAccount(ctx context.Context) ([]byte, error) {
	m.accMu.RLock()
	defer m.accMu.RUnlock()
	if m.account == nil {
		return nil, store.ErrNotFound
	}
	return bytes.Clone(m.account), nil
}

func (m *MemStore) PutAccount(ctx context.Context, pickle []byte) error {
	m.accMu.Lock()
	m.account = bytes.Clone(pickle)
	m.accMu.Unlock()
	return nil
}

func (m *MemStore) GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*store.OlmSessionRecord, error) {
	sessions, ok := m.olm.Load(senderKey)
	if !ok {
		return nil, nil
	}
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	out := make([]*store.OlmSessionRecord, 0, sessions.recent.Len())
	sessions.recent.Scan(func(rec *store.OlmSessionRecord) bool {
		cp := *rec
		cp.Pickle = bytes.Clone(rec.Pickle)
		out = append(out, &cp)
		return true
	})
	return out, nil
}

func (m *MemStore) PutOlmSession(ctx context.Context, rec *store.OlmSessionRecord) error {
	sessions, _ := m.olm.LoadOrCompute(rec.SenderKey, func() (*olmSessions, bool) {
		return newOlmSessions(), false
	})
	cp := *rec
	cp.Pickle = bytes.Clone(rec.Pickle)

	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if old, ok := sessions.byID[cp.SessionID]; ok {
		sessions.recent.Delete(old)
	}
	sessions.byID[cp.SessionID] = &cp
	sessions.recent.Set(&cp)
	return nil
}

func (m *MemStore) GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*store.OutboundGroupSessionRecord, error) {
	rec, ok := m.outbound.Load(roomID)
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Pickle = bytes.Clone(rec.Pickle)
	rec.SharedWith = rec.SharedWith.Clone()
	return &rec, nil
}

func (m *MemStore) PutOutboundGroupSession(ctx context.Context, rec *store.OutboundGroupSessionRecord) error {
	cp := *rec
	cp.Pickle = bytes.Clone(rec.Pickle)
	cp.SharedWith = rec.SharedWith.Clone()
	m.outbound.Store(rec.RoomID, cp)
	return nil
}

func (m *MemStore) DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error {
	m.outbound.Delete(roomID)
	return nil
}

func (m *MemStore) GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*store.InboundGroupSessionRecord, error) {
	rec, ok := m.inbound.Load(roomSession{roomID, sessionID})
	if !ok {
		return nil, store.ErrNotFound
	}
	rec.Pickle = bytes.Clone(rec.Pickle)
	return &rec, nil
}

func (m *MemStore) PutInboundGroupSession(ctx context.Context, rec *store.InboundGroupSessionRecord) error {
	cp := *rec
	cp.Pickle = bytes.Clone(rec.Pickle)
	m.inbound.Store(roomSession{rec.RoomID, rec.SessionID}, cp)
	return nil
}

func (m *MemStore) ValidateMessageIndex(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, index uint32, rec store.MessageIndexRecord) (bool, error) {
	actual, loaded := m.indexes.LoadOrStore(messageIndex{senderKey, sessionID, index}, rec)
	return !loaded || actual.SameEvent(rec), nil
}

func (m *MemStore) GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*keys.DeviceKeys, error) {
	devices, _ := m.devices.Load(userID)
	out := make(map[id.DeviceID]*keys.DeviceKeys, len(devices))
	for deviceID, dev := range devices {
		out[deviceID] = dev
	}
	return out, nil
}

func (m *MemStore) GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*keys.DeviceKeys, error) {
	devices, _ := m.devices.Load(userID)
	dev, ok := devices[deviceID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return dev, nil
}

func (m *MemStore) PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*keys.DeviceKeys) error {
	next := make(map[id.DeviceID]*keys.DeviceKeys, len(devices))
	for deviceID, dev := range devices {
		next[deviceID] = dev
		m.byKey.Store(dev.Curve25519(), dev.Ref())
	}
	m.devices.Store(userID, next)
	m.outdated.Store(userID, false)
	return nil
}

func (m *MemStore) FindDeviceByKey(ctx context.Context, identityKey id.Curve25519) (*keys.DeviceKeys, error) {
	ref, ok := m.byKey.Load(identityKey)
	if !ok {
		return nil, store.ErrNotFound
	}
	dev, err := m.GetDevice(ctx, ref.UserID, ref.DeviceID)
	if err != nil {
		return nil, err
	}
	// The index can point at a device whose keys have since changed.
	if dev.Curve25519() != identityKey {
		return nil, store.ErrNotFound
	}
	return dev, nil
}

func (m *MemStore) GetCrossSigningKeys(ctx context.Context, userID id.UserID) (*keys.CrossSigningKeys, error) {
	csk, ok := m.crossSigning.Load(userID)
	if !ok {
		return nil, store.ErrNotFound
	}
	return csk, nil
}

func (m *MemStore) PutCrossSigningKeys(ctx context.Context, userID id.UserID, csk *keys.CrossSigningKeys) error {
	m.crossSigning.Store(userID, csk)
	return nil
}

func (m *MemStore) MarkOutdated(ctx context.Context, userIDs ...id.UserID) error {
	for _, userID := range userIDs {
		m.outdated.Store(userID, true)
	}
	return nil
}

func (m *MemStore) IsOutdated(ctx context.Context, userID id.UserID) (bool, error) {
	outdated, ok := m.outdated.Load(userID)
	return !ok || outdated, nil
}

func (m *MemStore) GetVerification(ctx context.Context, key string) (keys.VerificationState, error) {
	state, _ := m.verification.Load(key)
	return state, nil
}

func (m *MemStore) PutVerification(ctx context.Context, key string, state keys.VerificationState) error {
	if state == keys.Unset {
		m.verification.Delete(key)
		return nil
	}
	m.verification.Store(key, state)
	return nil
}
