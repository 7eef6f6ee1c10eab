package e2ee

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	_ "github.com/arko-chat/e2ee/internal/crypto/goolm"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store/memstore"
	"github.com/arko-chat/e2ee/internal/transport"
	"github.com/arko-chat/e2ee/internal/transport/loopback"
	"github.com/arko-chat/e2ee/internal/trust"
)

const (
	alice   = id.UserID("@alice:example.org")
	bob     = id.UserID("@bob:example.org")
	carol   = id.UserID("@carol:example.org")
	mallory = id.UserID("@mallory:example.org")
	room    = id.RoomID("!room:example.org")
)

var testPickleKey = []byte("0123456789abcdef0123456789abcdef")

type textContent struct {
	Body string `json:"body"`
}

// engineTests run once per registered crypto backend.
var engineTests = map[string]func(t *testing.T, d driver.Driver){
	"ShareKeysFillsHalfThePool":                  testShareKeysFillsHalfThePool,
	"FirstContactClaimsOnceAndSendsPreKey":       testFirstContactClaimsOnceAndSendsPreKey,
	"GetOrCreateSessionIsStable":                 testGetOrCreateSessionIsStable,
	"EncryptReportsUnreachableDevices":           testEncryptReportsUnreachableDevices,
	"ConcurrentOlmEncryptsAllDecrypt":            testConcurrentOlmEncryptsAllDecrypt,
	"OlmFailedDecryptLeavesSessionUsable":        testOlmFailedDecryptLeavesSessionUsable,
	"OlmEncryptCancelledDoesNotCommit":           testOlmEncryptCancelledDoesNotCommit,
	"RoomKeyRequestsAndUnknownDevicesAreDropped": testRoomKeyRequestsAndUnknownDevicesAreDropped,
	"ExhaustedKeysReportNoKeyAvailable":          testExhaustedKeysReportNoKeyAvailable,
	"ClaimTransportFailure":                      testClaimTransportFailure,
	"ClaimedKeyWithBadSignature":                 testClaimedKeyWithBadSignature,
	"BatchedClaimForManyDevices":                 testBatchedClaimForManyDevices,
	"ClaimRetriesDevicesMissingFromBatch":        testClaimRetriesDevicesMissingFromBatch,
	"MegolmRoundTrip":                            testMegolmRoundTrip,
	"MegolmReplayIsRejected":                     testMegolmReplayIsRejected,
	"MegolmReplayWithoutEventID":                 testMegolmReplayWithoutEventID,
	"MegolmMalformedCiphertext":                  testMegolmMalformedCiphertext,
	"MegolmRejectsMismatchedRoomAndSender":       testMegolmRejectsMismatchedRoomAndSender,
	"MembershipChangeRotatesSession":             testMembershipChangeRotatesSession,
	"NewMemberGetsKeyWithoutRotation":            testNewMemberGetsKeyWithoutRotation,
	"RotationByMessageCount":                     testRotationByMessageCount,
	"RotationByAge":                              testRotationByAge,
	"BlockedDeviceForcesRotation":                testBlockedDeviceForcesRotation,
	"DiscardGroupSession":                        testDiscardGroupSession,
	"ImportKeepsEarliestIndex":                   testImportKeepsEarliestIndex,
	"ForwardedRoomKeyFromOwnDevice":              testForwardedRoomKeyFromOwnDevice,
	"DispatcherDeliversInOrder":                  testDispatcherDeliversInOrder,
	"DispatcherStopsOnCancel":                    testDispatcherStopsOnCancel,
	"NewMachineValidatesOptions":                 testNewMachineValidatesOptions,
	"MachineReloadsAccount":                      testMachineReloadsAccount,
}

func TestEngine(t *testing.T) {
	for _, name := range driver.Names() {
		d, err := driver.Get(name)
		require.NoError(t, err)
		t.Run(name, func(t *testing.T) {
			for test, fn := range engineTests {
				t.Run(test, func(t *testing.T) { fn(t, d) })
			}
		})
	}
}

func newTestMachine(t *testing.T, d driver.Driver, srv *loopback.Server, userID id.UserID, deviceID id.DeviceID, opts ...func(*Options)) *Machine {
	t.Helper()
	o := Options{
		UserID:    userID,
		DeviceID:  deviceID,
		Driver:    d,
		Store:     memstore.New(),
		Transport: srv.Client(userID, deviceID),
		PickleKey: testPickleKey,
		Logger:    slog.New(slog.DiscardHandler),
	}
	for _, fn := range opts {
		fn(&o)
	}
	m, err := NewMachine(context.Background(), o)
	require.NoError(t, err)
	require.NoError(t, m.ShareKeys(context.Background(), -1))
	return m
}

// receive feeds everything queued for m through its dispatcher.
func receive(t *testing.T, srv *loopback.Server, m *Machine) []Outcome {
	t.Helper()
	out, err := m.HandleOlmEvents(context.Background(), srv.Drain(m.userID, m.deviceID))
	require.NoError(t, err)
	return out
}

func requireDecrypted(t *testing.T, outs []Outcome) {
	t.Helper()
	for i, out := range outs {
		require.NoError(t, out.Err, "event %d", i)
		require.NotNil(t, out.Decrypted, "event %d", i)
	}
}

func roomEvent(content *MegolmContent, sender id.UserID, eventID id.EventID) RoomEvent {
	return RoomEvent{
		EventID:   eventID,
		RoomID:    room,
		Sender:    sender,
		Timestamp: time.Now(),
		Content:   *content,
	}
}

func bodyOf(t *testing.T, dec *Decrypted) string {
	t.Helper()
	var c textContent
	require.NoError(t, json.Unmarshal(dec.Content, &c))
	return c.Body
}

func olmType(t *testing.T, evt transport.ToDeviceEvent, to *Machine) id.OlmMsgType {
	t.Helper()
	var content OlmContent
	require.NoError(t, json.Unmarshal(evt.Content, &content))
	_, curve := to.IdentityKeys()
	require.Contains(t, content.Ciphertext, curve)
	return content.Ciphertext[curve].Type
}

func testShareKeysFillsHalfThePool(t *testing.T, d driver.Driver) {
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	target := a.account.acc.MaxOneTimeKeys() / 2
	assert.Equal(t, target, srv.OneTimeKeyCount(alice, "A1"))

	dev, err := a.DeviceKeys()
	require.NoError(t, err)
	ed, curve := a.IdentityKeys()
	assert.Equal(t, ed, dev.Ed25519())
	assert.Equal(t, curve, dev.Curve25519())

	// Nothing to do while the server holds enough keys.
	require.NoError(t, a.HandleOneTimeKeyCounts(context.Background(), map[id.KeyAlgorithm]int{
		id.KeyAlgorithmSignedCurve25519: target,
	}))
	assert.Equal(t, target, srv.OneTimeKeyCount(alice, "A1"))
}

func testFirstContactClaimsOnceAndSendsPreKey(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")

	res, err := a.SendToDevice(ctx, "m.test", textContent{"hello"}, []keys.UserDevice{{UserID: bob, DeviceID: "B1"}})
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	calls, claimed := srv.ClaimCalls()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, claimed)

	events := srv.Drain(bob, "B1")
	require.Len(t, events, 1)
	assert.Equal(t, TypeToDeviceEncrypted, events[0].Type)
	assert.Equal(t, id.OlmMsgTypePreKey, olmType(t, events[0], b))

	dec, err := b.DecryptToDevice(ctx, events[0])
	require.NoError(t, err)
	_, aliceCurve := a.IdentityKeys()
	assert.Equal(t, SourceOlm, dec.Source)
	assert.Equal(t, "m.test", dec.Type)
	assert.Equal(t, "hello", bodyOf(t, dec))
	assert.Equal(t, alice, dec.Sender)
	assert.Equal(t, id.DeviceID("A1"), dec.SenderDevice)
	assert.Equal(t, aliceCurve, dec.SenderKey)
	assert.Equal(t, trust.Valid, dec.Trust.Level)
	assert.False(t, dec.Trust.Verified)

	// The reply reuses Bob's inbound session; no new claim.
	_, err = b.SendToDevice(ctx, "m.test", textContent{"hi back"}, []keys.UserDevice{{UserID: alice, DeviceID: "A1"}})
	require.NoError(t, err)
	calls, _ = srv.ClaimCalls()
	assert.Equal(t, 1, calls)

	replies := srv.Drain(alice, "A1")
	require.Len(t, replies, 1)
	assert.Equal(t, id.OlmMsgTypeMsg, olmType(t, replies[0], a))
	dec, err = a.DecryptToDevice(ctx, replies[0])
	require.NoError(t, err)
	assert.Equal(t, "hi back", bodyOf(t, dec))

	// Once Alice heard back she stops sending pre-key messages.
	_, err = a.SendToDevice(ctx, "m.test", textContent{"again"}, []keys.UserDevice{{UserID: bob, DeviceID: "B1"}})
	require.NoError(t, err)
	events = srv.Drain(bob, "B1")
	require.Len(t, events, 1)
	assert.Equal(t, id.OlmMsgTypeMsg, olmType(t, events[0], b))
	dec, err = b.DecryptToDevice(ctx, events[0])
	require.NoError(t, err)
	assert.Equal(t, "again", bodyOf(t, dec))

	// The claimed key is gone from Bob's pool until he tops it up.
	target := b.account.acc.MaxOneTimeKeys() / 2
	left := srv.OneTimeKeyCount(bob, "B1")
	assert.Equal(t, target-1, left)
	require.NoError(t, b.HandleOneTimeKeyCounts(ctx, map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: left}))
	assert.Equal(t, target, srv.OneTimeKeyCount(bob, "B1"))
}

func testGetOrCreateSessionIsStable(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	newTestMachine(t, d, srv, bob, "B1")

	_, err := a.Devices.GetDevices(ctx, bob)
	require.NoError(t, err)

	first, err := a.Sessions.GetOrCreateSession(ctx, bob, "B1")
	require.NoError(t, err)
	second, err := a.Sessions.GetOrCreateSession(ctx, bob, "B1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	calls, _ := srv.ClaimCalls()
	assert.Equal(t, 1, calls)

	_, err = a.Sessions.GetOrCreateSession(ctx, bob, "NOPE")
	require.ErrorIs(t, err, ErrUnknownDevice)
}

func testEncryptReportsUnreachableDevices(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	newTestMachine(t, d, srv, bob, "B1")

	res, err := a.SendToDevice(ctx, "m.test", textContent{"hi"}, []keys.UserDevice{
		{UserID: bob, DeviceID: "B1"},
		{UserID: bob, DeviceID: "GHOST"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Messages.Len())
	require.Contains(t, res.Failed, keys.UserDevice{UserID: bob, DeviceID: "GHOST"})
	assert.ErrorIs(t, res.Failed[keys.UserDevice{UserID: bob, DeviceID: "GHOST"}], ErrUnknownDevice)
}

func testConcurrentOlmEncryptsAllDecrypt(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	target := []keys.UserDevice{{UserID: bob, DeviceID: "B1"}}

	_, err := a.SendToDevice(ctx, "m.test", textContent{"setup"}, target)
	require.NoError(t, err)

	const n = 10
	errs := make(chan error, n)
	for i := range n {
		go func() {
			_, err := a.SendToDevice(ctx, "m.test", textContent{string(rune('a' + i))}, target)
			errs <- err
		}()
	}
	for range n {
		require.NoError(t, <-errs)
	}

	outs := receive(t, srv, b)
	require.Len(t, outs, n+1)
	requireDecrypted(t, outs)
	seen := make(map[string]bool)
	for _, out := range outs {
		seen[bodyOf(t, out.Decrypted)] = true
	}
	assert.Len(t, seen, n+1)
	calls, _ := srv.ClaimCalls()
	assert.Equal(t, 1, calls)
}

func testOlmFailedDecryptLeavesSessionUsable(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	target := []keys.UserDevice{{UserID: bob, DeviceID: "B1"}}

	_, err := a.SendToDevice(ctx, "m.test", textContent{"one"}, target)
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	aliceDev, err := b.store.GetDevice(ctx, alice, "A1")
	require.NoError(t, err)
	_, err = b.Sessions.Decrypt(ctx, aliceDev, OlmCiphertext{Type: id.OlmMsgTypeMsg, Body: "AwogAAAA"})
	require.ErrorIs(t, err, ErrSessionException)
	_, err = b.Sessions.Decrypt(ctx, aliceDev, OlmCiphertext{Type: 7, Body: "x"})
	require.ErrorIs(t, err, ErrValidationFailed)

	_, err = a.SendToDevice(ctx, "m.test", textContent{"two"}, target)
	require.NoError(t, err)
	outs := receive(t, srv, b)
	requireDecrypted(t, outs)
	assert.Equal(t, "two", bodyOf(t, outs[0].Decrypted))
}

func testOlmEncryptCancelledDoesNotCommit(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	target := []keys.UserDevice{{UserID: bob, DeviceID: "B1"}}

	_, err := a.SendToDevice(ctx, "m.test", textContent{"one"}, target)
	require.NoError(t, err)
	bobDev, err := a.store.GetDevice(ctx, bob, "B1")
	require.NoError(t, err)
	before, err := a.store.GetOlmSessions(ctx, bobDev.Curve25519())
	require.NoError(t, err)
	require.Len(t, before, 1)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = a.Sessions.Encrypt(cancelled, bobDev, []byte(`{}`))
	require.ErrorIs(t, err, context.Canceled)

	after, err := a.store.GetOlmSessions(ctx, bobDev.Curve25519())
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, before[0].LastUsed, after[0].LastUsed)

	outs := receive(t, srv, b)
	requireDecrypted(t, outs)
	assert.Equal(t, "one", bodyOf(t, outs[0].Decrypted))
}

func testRoomKeyRequestsAndUnknownDevicesAreDropped(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	m := newTestMachine(t, d, srv, mallory, "M1")
	target := []keys.UserDevice{{UserID: bob, DeviceID: "B1"}}

	_, err := a.SendToDevice(ctx, TypeRoomKeyRequest, map[string]string{"action": "request"}, target)
	require.NoError(t, err)
	_, err = m.SendToDevice(ctx, "m.test", textContent{"who am i"}, target)
	require.NoError(t, err)
	srv.RemoveDevice(mallory, "M1")

	var delivered int
	b.Subscribe(func(ctx context.Context, evt *Decrypted) error {
		delivered++
		return nil
	})
	outs := receive(t, srv, b)
	require.Len(t, outs, 2)
	for _, out := range outs {
		assert.ErrorIs(t, out.Err, ErrDropped)
	}
	assert.ErrorIs(t, outs[1].Err, ErrUnknownDevice)
	assert.Zero(t, delivered)

	_, err = b.DecryptToDevice(ctx, transport.ToDeviceEvent{Sender: alice, Type: "m.room.message"})
	assert.ErrorIs(t, err, ErrDropped)
}

func testMegolmRoundTrip(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"hello room"})
	require.NoError(t, err)
	_, aliceCurve := a.IdentityKeys()
	assert.Equal(t, id.AlgorithmMegolmV1, ct.Algorithm)
	assert.Equal(t, aliceCurve, ct.SenderKey)
	assert.Equal(t, id.DeviceID("A1"), ct.DeviceID)

	// Before the key arrives the event cannot be read.
	_, err = b.DecryptRoomEvent(ctx, roomEvent(ct, alice, "$1"))
	require.ErrorIs(t, err, ErrSenderDidNotSendMegolmKeysToUs)

	outs := receive(t, srv, b)
	require.Len(t, outs, 1)
	requireDecrypted(t, outs)
	assert.Equal(t, TypeRoomKey, outs[0].Decrypted.Type)

	dec, err := b.DecryptRoomEvent(ctx, roomEvent(ct, alice, "$1"))
	require.NoError(t, err)
	assert.Equal(t, SourceMegolm, dec.Source)
	assert.Equal(t, "m.room.message", dec.Type)
	assert.Equal(t, "hello room", bodyOf(t, dec))
	assert.Equal(t, room, dec.RoomID)
	assert.Equal(t, ct.SessionID, dec.SessionID)
	assert.Equal(t, uint32(0), dec.MessageIndex)
	assert.False(t, dec.Forwarded)
	assert.Equal(t, trust.Valid, dec.Trust.Level)

	// Our own messages are readable through the inbound copy.
	own, err := a.DecryptRoomEvent(ctx, roomEvent(ct, alice, "$1"))
	require.NoError(t, err)
	assert.Equal(t, "hello room", bodyOf(t, own))
}

func testMegolmReplayIsRejected(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"once"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	evt := roomEvent(ct, alice, "$original")
	first, err := b.DecryptRoomEvent(ctx, evt)
	require.NoError(t, err)
	again, err := b.DecryptRoomEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, first.Content, again.Content)
	assert.Equal(t, first.MessageIndex, again.MessageIndex)

	replay := evt
	replay.EventID = "$replayed"
	_, err = b.DecryptRoomEvent(ctx, replay)
	require.ErrorIs(t, err, ErrDuplicateMessageIndex)
}

func testMegolmReplayWithoutEventID(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"once"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	evt := roomEvent(ct, alice, "")
	dec, err := b.DecryptRoomEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, "once", bodyOf(t, dec))

	for range 3 {
		_, err = b.DecryptRoomEvent(ctx, evt)
		require.ErrorIs(t, err, ErrDuplicateMessageIndex)
	}
	withID := evt
	withID.EventID = "$late"
	_, err = b.DecryptRoomEvent(ctx, withID)
	require.ErrorIs(t, err, ErrDuplicateMessageIndex)
}

func testMegolmMalformedCiphertext(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"fine"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	for _, body := range []string{"AwogAAAA", "AwgA", "Aw", ""} {
		broken := *ct
		broken.Ciphertext = body
		require.NotPanics(t, func() {
			_, err = b.DecryptRoomEvent(ctx, roomEvent(&broken, alice, "$broken"))
		}, "ciphertext %q", body)
		require.ErrorIs(t, err, ErrValidationFailed, "ciphertext %q", body)
	}

	dec, err := b.DecryptRoomEvent(ctx, roomEvent(ct, alice, "$1"))
	require.NoError(t, err)
	assert.Equal(t, "fine", bodyOf(t, dec))
}

func testMegolmRejectsMismatchedRoomAndSender(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	newTestMachine(t, d, srv, carol, "C1")
	srv.SetMembers(room, alice, bob)

	ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"hi"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	spoofed := *ct
	spoofed.SenderKey = "not-the-key"
	_, err = b.DecryptRoomEvent(ctx, roomEvent(&spoofed, alice, "$1"))
	require.ErrorIs(t, err, ErrValidationFailed)

	// Carol cannot claim Alice's session.
	_, err = b.DecryptRoomEvent(ctx, roomEvent(ct, carol, "$2"))
	require.ErrorIs(t, err, ErrValidationFailed)

	_, err = b.DecryptRoomEvent(ctx, RoomEvent{RoomID: room, Content: MegolmContent{Algorithm: "m.unknown"}})
	require.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func testMembershipChangeRotatesSession(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	c := newTestMachine(t, d, srv, carol, "C1")
	srv.SetMembers(room, alice, bob, carol)

	first, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"one"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))
	requireDecrypted(t, receive(t, srv, c))

	srv.SetMembers(room, alice, bob)
	second, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"two"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	requireDecrypted(t, receive(t, srv, b))
	assert.Empty(t, srv.Drain(carol, "C1"))

	dec, err := b.DecryptRoomEvent(ctx, roomEvent(second, alice, "$2"))
	require.NoError(t, err)
	assert.Equal(t, "two", bodyOf(t, dec))

	_, err = c.DecryptRoomEvent(ctx, roomEvent(second, alice, "$2"))
	require.ErrorIs(t, err, ErrSenderDidNotSendMegolmKeysToUs)
	dec, err = c.DecryptRoomEvent(ctx, roomEvent(first, alice, "$1"))
	require.NoError(t, err)
	assert.Equal(t, "one", bodyOf(t, dec))
}

func testNewMemberGetsKeyWithoutRotation(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	c := newTestMachine(t, d, srv, carol, "C1")
	srv.SetMembers(room, alice, bob)

	first, err := a.Megolm.ShareGroupSession(ctx, room)
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	srv.SetMembers(room, alice, bob, carol)
	ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"welcome"})
	require.NoError(t, err)
	assert.Equal(t, first, ct.SessionID)
	assert.Empty(t, srv.Drain(bob, "B1"))

	requireDecrypted(t, receive(t, srv, c))
	dec, err := c.DecryptRoomEvent(ctx, roomEvent(ct, alice, "$1"))
	require.NoError(t, err)
	assert.Equal(t, "welcome", bodyOf(t, dec))
}

func testRotationByMessageCount(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1", func(o *Options) {
		o.Rotation = RotationPolicy{Messages: 2}
	})
	newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	var sessions []id.SessionID
	for range 3 {
		ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"x"})
		require.NoError(t, err)
		sessions = append(sessions, ct.SessionID)
	}
	assert.Equal(t, sessions[0], sessions[1])
	assert.NotEqual(t, sessions[1], sessions[2])
}

func testRotationByAge(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	first, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"x"})
	require.NoError(t, err)
	a.Megolm.now = func() time.Time { return time.Now().Add(DefaultRotationPeriod + time.Minute) }
	second, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"y"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func testBlockedDeviceForcesRotation(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	first, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"x"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	bobEd, _ := b.IdentityKeys()
	require.NoError(t, a.SetKeyVerification(ctx, string(bobEd), keys.Blocked))
	assert.Equal(t, trust.Blocked, a.Trust.DeviceTrustByID(ctx, bob, "B1").Level)

	second, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"y"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Empty(t, srv.Drain(bob, "B1"))
}

func testDiscardGroupSession(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	srv.SetMembers(room, alice)

	first, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"x"})
	require.NoError(t, err)
	require.NoError(t, a.Megolm.DiscardGroupSession(ctx, room))
	second, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"y"})
	require.NoError(t, err)
	assert.NotEqual(t, first.SessionID, second.SessionID)
}

func testImportKeepsEarliestIndex(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	c := newTestMachine(t, d, srv, carol, "C1")
	srv.SetMembers(room, alice, bob)

	e0, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"zero"})
	require.NoError(t, err)
	e1, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"one"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	early, err := b.Megolm.ExportSession(ctx, room, e0.SessionID)
	require.NoError(t, err)
	_, igs, err := b.Megolm.loadInbound(ctx, room, e0.SessionID)
	require.NoError(t, err)
	late := *early
	late.SessionKey, err = igs.Export(1)
	require.NoError(t, err)

	n, err := c.Megolm.ImportExportedSessions(ctx, []ExportedSession{late})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = c.DecryptRoomEvent(ctx, roomEvent(e0, alice, "$0"))
	require.ErrorIs(t, err, ErrUnknownMessageIndex)
	dec, err := c.DecryptRoomEvent(ctx, roomEvent(e1, alice, "$1"))
	require.NoError(t, err)
	assert.Equal(t, "one", bodyOf(t, dec))
	assert.True(t, dec.Forwarded)

	n, err = c.Megolm.ImportExportedSessions(ctx, []ExportedSession{*early})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	dec, err = c.DecryptRoomEvent(ctx, roomEvent(e0, alice, "$0"))
	require.NoError(t, err)
	assert.Equal(t, "zero", bodyOf(t, dec))

	// A later copy never replaces an earlier one.
	_, err = c.Megolm.ImportExportedSessions(ctx, []ExportedSession{late})
	require.NoError(t, err)
	rec, err := c.store.GetInboundGroupSession(ctx, room, e0.SessionID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), rec.FirstKnownIndex)

	// Neither does the room key arriving again from a later index.
	bobRec, err := b.store.GetInboundGroupSession(ctx, room, e0.SessionID)
	require.NoError(t, err)
	aliceDev, err := b.store.GetDevice(ctx, alice, "A1")
	require.NoError(t, err)
	ob, err := a.Megolm.loadOutbound(ctx, room)
	require.NoError(t, err)
	current, err := ob.sess.SessionKey()
	require.NoError(t, err)
	require.NoError(t, b.Megolm.ImportRoomKey(ctx, aliceDev, RoomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     room,
		SessionID:  e0.SessionID,
		SessionKey: current,
	}))
	after, err := b.store.GetInboundGroupSession(ctx, room, e0.SessionID)
	require.NoError(t, err)
	assert.Equal(t, bobRec.FirstKnownIndex, after.FirstKnownIndex)
	assert.Equal(t, bobRec.Pickle, after.Pickle)

	bad := *early
	bad.SessionID = "wrong"
	n, err = c.Megolm.ImportExportedSessions(ctx, []ExportedSession{bad})
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testForwardedRoomKeyFromOwnDevice(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b1 := newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	e0, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"before login"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b1))

	b2 := newTestMachine(t, d, srv, bob, "B2")
	exp, err := b1.Megolm.ExportSession(ctx, room, e0.SessionID)
	require.NoError(t, err)
	_, b1Curve := b1.IdentityKeys()
	fwd := ForwardedRoomKeyContent{
		RoomKeyContent: RoomKeyContent{
			Algorithm:  exp.Algorithm,
			RoomID:     exp.RoomID,
			SessionID:  exp.SessionID,
			SessionKey: exp.SessionKey,
		},
		SenderKey:        exp.SenderKey,
		SenderClaimedKey: exp.SenderClaimedKeys["ed25519"],
	}

	res, err := b1.SendToDevice(ctx, TypeForwardedRoomKey, fwd, []keys.UserDevice{{UserID: bob, DeviceID: "B2"}})
	require.NoError(t, err)
	require.Empty(t, res.Failed)
	outs := receive(t, srv, b2)
	require.Len(t, outs, 1)
	requireDecrypted(t, outs)
	assert.True(t, outs[0].Decrypted.Forwarded)

	dec, err := b2.DecryptRoomEvent(ctx, roomEvent(e0, alice, "$0"))
	require.NoError(t, err)
	assert.Equal(t, "before login", bodyOf(t, dec))
	assert.True(t, dec.Forwarded)
	rec, err := b2.store.GetInboundGroupSession(ctx, room, e0.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{string(b1Curve)}, rec.ForwardingChain)

	// Keys forwarded by someone else are refused.
	require.NoError(t, a.HandleDeviceListChanges(ctx, []id.UserID{bob}))
	_, err = a.SendToDevice(ctx, TypeForwardedRoomKey, fwd, []keys.UserDevice{{UserID: bob, DeviceID: "B2"}})
	require.NoError(t, err)
	outs = receive(t, srv, b2)
	require.Len(t, outs, 1)
	assert.ErrorIs(t, outs[0].Err, ErrValidationFailed)
}

func testDispatcherDeliversInOrder(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1", func(o *Options) { o.DecryptWorkers = 3 })
	srv.SetMembers(room, alice, bob)

	var events []RoomEvent
	for i := range 8 {
		ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{string(rune('0' + i))})
		require.NoError(t, err)
		events = append(events, roomEvent(ct, alice, id.EventID("$"+string(rune('0'+i)))))
	}
	requireDecrypted(t, receive(t, srv, b))

	b.Subscribe(func(ctx context.Context, evt *Decrypted) error {
		panic("subscriber bug")
	})
	var got []string
	unsubscribe := b.Subscribe(func(ctx context.Context, evt *Decrypted) error {
		got = append(got, bodyOf(t, evt))
		return nil
	})
	var failing int
	b.Subscribe(func(ctx context.Context, evt *Decrypted) error {
		failing++
		return assert.AnError
	})

	// An undecryptable event in the middle does not hold up the rest.
	broken := events[3]
	broken.Content.SessionID = "unknown"
	batch := append(append(events[:3:3], broken), events[3:]...)

	outs, err := b.HandleMegolmEvents(ctx, batch)
	require.NoError(t, err)
	require.Len(t, outs, len(batch))
	assert.ErrorIs(t, outs[3].Err, ErrSenderDidNotSendMegolmKeysToUs)
	assert.Equal(t, []string{"0", "1", "2", "3", "4", "5", "6", "7"}, got)
	assert.Equal(t, 8, failing)

	unsubscribe()
	unsubscribe()
	_, err = b.HandleMegolmEvents(ctx, events)
	require.NoError(t, err)
	assert.Len(t, got, 8)
	assert.Equal(t, 16, failing)
}

func testDispatcherStopsOnCancel(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	b := newTestMachine(t, d, srv, bob, "B1")
	srv.SetMembers(room, alice, bob)

	ct, err := a.EncryptRoomEvent(ctx, room, "m.room.message", textContent{"x"})
	require.NoError(t, err)
	requireDecrypted(t, receive(t, srv, b))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	outs, err := b.HandleMegolmEvents(cancelled, []RoomEvent{roomEvent(ct, alice, "$1")})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, outs)
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	ctx := context.Background()
	locks := newKeyedMutex[string]()

	unlock, err := locks.Lock(ctx, "a")
	require.NoError(t, err)
	other, err := locks.Lock(ctx, "b")
	require.NoError(t, err)
	other()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(short, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	again, err := locks.Lock(ctx, "a")
	require.NoError(t, err)
	again()
}

func testNewMachineValidatesOptions(t *testing.T, d driver.Driver) {
	srv := loopback.NewServer()
	_, err := NewMachine(context.Background(), Options{UserID: alice})
	require.Error(t, err)
	_, err = NewMachine(context.Background(), Options{
		UserID:    alice,
		DeviceID:  "A1",
		Driver:    d,
		Store:     memstore.New(),
		Transport: srv.Client(alice, "A1"),
	})
	require.Error(t, err)
}

func testMachineReloadsAccount(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	st := memstore.New()
	a := newTestMachine(t, d, srv, alice, "A1", func(o *Options) { o.Store = st })
	ed, curve := a.IdentityKeys()

	again, err := NewMachine(ctx, Options{
		UserID:    alice,
		DeviceID:  "A1",
		Driver:    d,
		Store:     st,
		Transport: srv.Client(alice, "A1"),
		PickleKey: testPickleKey,
		Logger:    slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)
	ed2, curve2 := again.IdentityKeys()
	assert.Equal(t, ed, ed2)
	assert.Equal(t, curve, curve2)
}
