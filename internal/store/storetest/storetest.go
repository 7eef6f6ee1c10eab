// Package storetest holds behaviour tests shared by every store.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
)

func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	tests := map[string]func(t *testing.T, s store.Store){
		"Account":              testAccount,
		"OlmSessionsByRecency": testOlmSessionsByRecency,
		"OutboundGroupSession": testOutboundGroupSession,
		"InboundGroupSession":  testInboundGroupSession,
		"MessageIndex":         testMessageIndex,
		"Devices":              testDevices,
		"Verification":         testVerification,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func testAccount(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.GetAccount(ctx)
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutAccount(ctx, []byte("pickle")))
	got, err := s.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("pickle"), got)
}

func testOlmSessionsByRecency(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	key := id.Curve25519("sender")

	for i, sid := range []id.SessionID{"a", "b", "c"} {
		require.NoError(t, s.PutOlmSession(ctx, &store.OlmSessionRecord{
			SessionID: sid,
			SenderKey: key,
			Pickle:    []byte(sid),
			CreatedAt: now,
			LastUsed:  now.Add(time.Duration(i) * time.Second),
		}))
	}
	// Touching "a" moves it to the front.
	require.NoError(t, s.PutOlmSession(ctx, &store.OlmSessionRecord{
		SessionID: "a",
		SenderKey: key,
		Pickle:    []byte("a2"),
		CreatedAt: now,
		LastUsed:  now.Add(time.Minute),
	}))

	sessions, err := s.GetOlmSessions(ctx, key)
	require.NoError(t, err)
	require.Len(t, sessions, 3)
	assert.Equal(t, id.SessionID("a"), sessions[0].SessionID)
	assert.Equal(t, []byte("a2"), sessions[0].Pickle)
	assert.Equal(t, id.SessionID("c"), sessions[1].SessionID)
	assert.Equal(t, id.SessionID("b"), sessions[2].SessionID)

	none, err := s.GetOlmSessions(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testOutboundGroupSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := id.RoomID("!room:example.org")
	_, err := s.GetOutboundGroupSession(ctx, room)
	require.ErrorIs(t, err, store.ErrNotFound)

	shared := make(store.SharedWith)
	shared.Mark("@bob:example.org", "BOB", "bobkey")
	rec := &store.OutboundGroupSessionRecord{
		RoomID:       room,
		SessionID:    "sess",
		Pickle:       []byte("p"),
		CreatedAt:    time.Now(),
		MessageCount: 3,
		SharedWith:   shared,
	}
	require.NoError(t, s.PutOutboundGroupSession(ctx, rec))

	got, err := s.GetOutboundGroupSession(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, 3, got.MessageCount)
	assert.True(t, got.SharedWith.Has("@bob:example.org", "BOB"))

	// Mutating the loaded copy must not leak into the store.
	got.SharedWith.Mark("@carol:example.org", "CAROL", "carolkey")
	again, err := s.GetOutboundGroupSession(ctx, room)
	require.NoError(t, err)
	assert.False(t, again.SharedWith.Has("@carol:example.org", "CAROL"))

	require.NoError(t, s.DeleteOutboundGroupSession(ctx, room))
	_, err = s.GetOutboundGroupSession(ctx, room)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testInboundGroupSession(t *testing.T, s store.Store) {
	ctx := context.Background()
	room := id.RoomID("!room:example.org")
	_, err := s.GetInboundGroupSession(ctx, room, "sess")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutInboundGroupSession(ctx, &store.InboundGroupSessionRecord{
		RoomID:          room,
		SessionID:       "sess",
		SenderKey:       "curve",
		SigningKey:      "ed",
		Pickle:          []byte("p"),
		FirstKnownIndex: 4,
	}))
	got, err := s.GetInboundGroupSession(ctx, room, "sess")
	require.NoError(t, err)
	assert.Equal(t, uint32(4), got.FirstKnownIndex)
	assert.Equal(t, id.Ed25519("ed"), got.SigningKey)

	_, err = s.GetInboundGroupSession(ctx, "!other:example.org", "sess")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testMessageIndex(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := store.MessageIndexRecord{EventID: "$one", Timestamp: time.Now()}

	ok, err := s.ValidateMessageIndex(ctx, "curve", "sess", 7, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ValidateMessageIndex(ctx, "curve", "sess", 7, first)
	require.NoError(t, err)
	assert.True(t, ok, "the same event may be decrypted again")

	ok, err = s.ValidateMessageIndex(ctx, "curve", "sess", 7, store.MessageIndexRecord{EventID: "$two"})
	require.NoError(t, err)
	assert.False(t, ok, "a different event reusing the index is a replay")

	ok, err = s.ValidateMessageIndex(ctx, "curve", "sess", 7, store.MessageIndexRecord{EventID: "$one", Timestamp: first.Timestamp.Add(time.Minute)})
	require.NoError(t, err)
	assert.False(t, ok, "same event ID with another timestamp is a replay")

	ok, err = s.ValidateMessageIndex(ctx, "curve", "sess", 8, store.MessageIndexRecord{EventID: "$two"})
	require.NoError(t, err)
	assert.True(t, ok)

	anonymous := store.MessageIndexRecord{Timestamp: first.Timestamp}
	ok, err = s.ValidateMessageIndex(ctx, "curve", "sess", 9, anonymous)
	require.NoError(t, err)
	assert.True(t, ok, "the first use of an index is always accepted")
	for range 3 {
		ok, err = s.ValidateMessageIndex(ctx, "curve", "sess", 9, anonymous)
		require.NoError(t, err)
		assert.False(t, ok, "an index first seen without an event ID can not be reused")
	}
}

func device(user id.UserID, dev id.DeviceID, curve string) *keys.DeviceKeys {
	return &keys.DeviceKeys{
		UserID:   user,
		DeviceID: dev,
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmCurve25519, string(dev)): curve,
			id.NewKeyID(id.KeyAlgorithmEd25519, string(dev)):    "ed-" + curve,
		},
	}
}

func testDevices(t *testing.T, s store.Store) {
	ctx := context.Background()
	bob := id.UserID("@bob:example.org")

	outdated, err := s.IsOutdated(ctx, bob)
	require.NoError(t, err)
	assert.True(t, outdated, "never queried users are outdated")

	require.NoError(t, s.PutDevices(ctx, bob, map[id.DeviceID]*keys.DeviceKeys{
		"B1": device(bob, "B1", "k1"),
		"B2": device(bob, "B2", "k2"),
	}))
	outdated, err = s.IsOutdated(ctx, bob)
	require.NoError(t, err)
	assert.False(t, outdated)

	dev, err := s.FindDeviceByKey(ctx, "k2")
	require.NoError(t, err)
	assert.Equal(t, id.DeviceID("B2"), dev.DeviceID)

	// Replacing the device list drops B2 entirely.
	require.NoError(t, s.PutDevices(ctx, bob, map[id.DeviceID]*keys.DeviceKeys{
		"B1": device(bob, "B1", "k1"),
	}))
	devices, err := s.GetDevices(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	_, err = s.GetDevice(ctx, bob, "B2")
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.FindDeviceByKey(ctx, "k2")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.MarkOutdated(ctx, bob))
	outdated, err = s.IsOutdated(ctx, bob)
	require.NoError(t, err)
	assert.True(t, outdated)

	require.NoError(t, s.PutCrossSigningKeys(ctx, bob, &keys.CrossSigningKeys{
		Master: &keys.CrossSigningKey{UserID: bob, Usage: []keys.CrossSigningUsage{keys.UsageMaster}},
	}))
	csk, err := s.GetCrossSigningKeys(ctx, bob)
	require.NoError(t, err)
	assert.True(t, csk.Master.HasUsage(keys.UsageMaster))
}

func testVerification(t *testing.T, s store.Store) {
	ctx := context.Background()
	state, err := s.GetVerification(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, keys.Unset, state)

	require.NoError(t, s.PutVerification(ctx, "key", keys.Blocked))
	state, err = s.GetVerification(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, keys.Blocked, state)

	require.NoError(t, s.PutVerification(ctx, "key", keys.Unset))
	state, err = s.GetVerification(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, keys.Unset, state)
}
