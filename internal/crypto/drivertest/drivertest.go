// Package drivertest holds behaviour tests shared by every driver.Driver
// implementation.
package drivertest

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

var pickleKey = []byte("test pickle key")

func Run(t *testing.T, d driver.Driver) {
	tests := map[string]func(t *testing.T, d driver.Driver){
		"OlmRoundTrip":                   testOlmRoundTrip,
		"OlmOutOfOrder":                  testOlmOutOfOrder,
		"OlmFailedDecryptKeepsState":     testOlmFailedDecryptKeepsState,
		"OlmTruncatedMessage":            testOlmTruncatedMessage,
		"OlmTruncatedPreKey":             testOlmTruncatedPreKey,
		"MatchesInboundSession":          testMatchesInboundSession,
		"InboundNeedsKnownOneTimeKey":    testInboundNeedsKnownOneTimeKey,
		"FallbackKey":                    testFallbackKey,
		"AccountPickle":                  testAccountPickle,
		"SessionPickleContinues":         testSessionPickleContinues,
		"MegolmRoundTrip":                testMegolmRoundTrip,
		"MegolmLateJoinerCannotReadPast": testMegolmLateJoiner,
		"MegolmExportImport":             testMegolmExportImport,
		"MegolmTamperedMessage":          testMegolmTamperedMessage,
		"MegolmTruncatedMessage":         testMegolmTruncatedMessage,
		"MegolmBadSessionKey":            testMegolmBadSessionKey,
		"MegolmPickles":                  testMegolmPickles,
		"PKSigning":                      testPKSigning,
		"PKEncryption":                   testPKEncryption,
		"SAS":                            testSAS,
	}
	for name, fn := range tests {
		t.Run(name, func(t *testing.T) { fn(t, d) })
	}
}

func newAccount(t *testing.T, d driver.Driver) driver.Account {
	t.Helper()
	a, err := d.NewAccount()
	require.NoError(t, err)
	return a
}

func claimOne(t *testing.T, a driver.Account) id.Curve25519 {
	t.Helper()
	require.NoError(t, a.GenerateOneTimeKeys(1))
	keys, err := a.OneTimeKeys()
	require.NoError(t, err)
	a.MarkKeysAsPublished()
	for _, k := range keys {
		return k
	}
	t.Fatal("no one-time key generated")
	return ""
}

func pair(t *testing.T, d driver.Driver) (alice, bob driver.Account, aliceSess, bobSess driver.Session) {
	t.Helper()
	alice = newAccount(t, d)
	bob = newAccount(t, d)

	_, bobIK := bob.IdentityKeys()
	_, aliceIK := alice.IdentityKeys()
	otk := claimOne(t, bob)

	aliceSess, err := alice.NewOutboundSession(bobIK, otk)
	require.NoError(t, err)

	msgType, body, err := aliceSess.Encrypt([]byte("hello bob"))
	require.NoError(t, err)
	require.Equal(t, id.OlmMsgTypePreKey, msgType)

	bobSess, err = bob.NewInboundSession(aliceIK, body)
	require.NoError(t, err)
	require.Equal(t, aliceSess.ID(), bobSess.ID())

	pt, err := bobSess.Decrypt(msgType, body)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(pt))
	require.NoError(t, bob.RemoveOneTimeKeys(bobSess))
	return alice, bob, aliceSess, bobSess
}

func testOlmRoundTrip(t *testing.T, d driver.Driver) {
	_, _, aliceSess, bobSess := pair(t, d)

	msgType, body, err := bobSess.Encrypt([]byte("hi alice"))
	require.NoError(t, err)
	assert.Equal(t, id.OlmMsgTypeMsg, msgType)

	pt, err := aliceSess.Decrypt(msgType, body)
	require.NoError(t, err)
	assert.Equal(t, "hi alice", string(pt))
	assert.True(t, aliceSess.HasReceivedMessage())

	// Once alice has heard back she stops sending pre-key messages.
	msgType, body, err = aliceSess.Encrypt([]byte("again"))
	require.NoError(t, err)
	assert.Equal(t, id.OlmMsgTypeMsg, msgType)
	pt, err = bobSess.Decrypt(msgType, body)
	require.NoError(t, err)
	assert.Equal(t, "again", string(pt))
}

func testOlmOutOfOrder(t *testing.T, d driver.Driver) {
	_, _, aliceSess, bobSess := pair(t, d)

	type sealed struct {
		typ  id.OlmMsgType
		body string
	}
	var msgs []sealed
	for i := range 5 {
		typ, body, err := aliceSess.Encrypt(fmt.Appendf(nil, "msg %d", i))
		require.NoError(t, err)
		msgs = append(msgs, sealed{typ, body})
	}
	for _, i := range []int{3, 0, 4, 2, 1} {
		pt, err := bobSess.Decrypt(msgs[i].typ, msgs[i].body)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("msg %d", i), string(pt))
	}
}

func testOlmFailedDecryptKeepsState(t *testing.T, d driver.Driver) {
	_, _, aliceSess, bobSess := pair(t, d)

	typ, body, err := aliceSess.Encrypt([]byte("real"))
	require.NoError(t, err)

	_, err = bobSess.Decrypt(id.OlmMsgTypeMsg, "bm90IGFuIG9sbSBtZXNzYWdl")
	require.Error(t, err)

	pt, err := bobSess.Decrypt(typ, body)
	require.NoError(t, err)
	assert.Equal(t, "real", string(pt))
}

// A protobuf header that announces a 32 byte ratchet key and then ends.
const truncatedOlmBody = "AwogAAAA"

func testOlmTruncatedMessage(t *testing.T, d driver.Driver) {
	_, _, aliceSess, bobSess := pair(t, d)

	require.NotPanics(t, func() {
		_, err := bobSess.Decrypt(id.OlmMsgTypeMsg, truncatedOlmBody)
		assert.ErrorIs(t, err, driver.ErrBadMessage)
	})
	require.NotPanics(t, func() {
		_, err := bobSess.Decrypt(id.OlmMsgType(7), "AAAA")
		assert.ErrorIs(t, err, driver.ErrBadMessage)
	})

	typ, body, err := aliceSess.Encrypt([]byte("still works"))
	require.NoError(t, err)
	pt, err := bobSess.Decrypt(typ, body)
	require.NoError(t, err)
	assert.Equal(t, "still works", string(pt))
}

func testOlmTruncatedPreKey(t *testing.T, d driver.Driver) {
	alice, bob, bobSess := newAccount(t, d), newAccount(t, d), driver.Session(nil)
	_, aliceIK := alice.IdentityKeys()
	claimOne(t, bob)

	require.NotPanics(t, func() {
		var err error
		bobSess, err = bob.NewInboundSession(aliceIK, truncatedOlmBody)
		assert.Error(t, err)
	})
	assert.Nil(t, bobSess)

	_, _, _, sess := pair(t, d)
	require.NotPanics(t, func() {
		ok, _ := sess.MatchesInboundSession(aliceIK, truncatedOlmBody)
		assert.False(t, ok)
	})
}

func testMatchesInboundSession(t *testing.T, d driver.Driver) {
	alice, bob, aliceSess, bobSess := pair(t, d)
	_, aliceIK := alice.IdentityKeys()

	typ, body, err := aliceSess.Encrypt([]byte("second pre-key"))
	require.NoError(t, err)
	require.Equal(t, id.OlmMsgTypePreKey, typ)

	ok, err := bobSess.MatchesInboundSession(aliceIK, body)
	require.NoError(t, err)
	assert.True(t, ok)

	// A fresh session from alice uses a different base key.
	_, bobIK := bob.IdentityKeys()
	other, err := alice.NewOutboundSession(bobIK, claimOne(t, bob))
	require.NoError(t, err)
	_, body, err = other.Encrypt([]byte("x"))
	require.NoError(t, err)
	ok, err = bobSess.MatchesInboundSession(aliceIK, body)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testInboundNeedsKnownOneTimeKey(t *testing.T, d driver.Driver) {
	alice, bob, _, _ := pair(t, d)
	_, bobIK := bob.IdentityKeys()
	_, aliceIK := alice.IdentityKeys()

	sess, err := alice.NewOutboundSession(bobIK, claimOne(t, bob))
	require.NoError(t, err)
	_, body, err := sess.Encrypt([]byte("x"))
	require.NoError(t, err)

	s, err := bob.NewInboundSession(aliceIK, body)
	require.NoError(t, err)
	require.NoError(t, bob.RemoveOneTimeKeys(s))

	_, err = bob.NewInboundSession(aliceIK, body)
	assert.ErrorIs(t, err, driver.ErrUnknownOneTimeKey)
}

func testFallbackKey(t *testing.T, d driver.Driver) {
	alice := newAccount(t, d)
	acc := newAccount(t, d)
	bob, ok := acc.(driver.FallbackKeyAccount)
	if !ok {
		t.Skipf("%s has no fallback keys", d.Name())
	}
	require.NoError(t, bob.GenerateFallbackKey())

	fb, err := bob.UnpublishedFallbackKey()
	require.NoError(t, err)
	require.Len(t, fb, 1)
	acc.MarkKeysAsPublished()
	fb2, err := bob.UnpublishedFallbackKey()
	require.NoError(t, err)
	assert.Empty(t, fb2)

	_, bobIK := acc.IdentityKeys()
	_, aliceIK := alice.IdentityKeys()
	for _, key := range fb {
		// The fallback key survives any number of claims.
		for range 2 {
			sess, err := alice.NewOutboundSession(bobIK, key)
			require.NoError(t, err)
			typ, body, err := sess.Encrypt([]byte("via fallback"))
			require.NoError(t, err)
			in, err := acc.NewInboundSession(aliceIK, body)
			require.NoError(t, err)
			pt, err := in.Decrypt(typ, body)
			require.NoError(t, err)
			assert.Equal(t, "via fallback", string(pt))
		}
	}
}

func testAccountPickle(t *testing.T, d driver.Driver) {
	a := newAccount(t, d)
	require.NoError(t, a.GenerateOneTimeKeys(3))

	p, err := a.Pickle(pickleKey)
	require.NoError(t, err)

	restored, err := d.AccountFromPickle(p, pickleKey)
	require.NoError(t, err)
	ed1, curve1 := a.IdentityKeys()
	ed2, curve2 := restored.IdentityKeys()
	assert.Equal(t, ed1, ed2)
	assert.Equal(t, curve1, curve2)

	// A wrong key must not be reported as a tampered message.
	_, err = d.AccountFromPickle(p, []byte("wrong"))
	assert.ErrorIs(t, err, driver.ErrBadPickle)
	assert.NotErrorIs(t, err, driver.ErrBadMAC)

	_, err = d.SessionFromPickle(p, pickleKey)
	assert.ErrorIs(t, err, driver.ErrBadPickle)

	_, err = d.AccountFromPickle(nil, pickleKey)
	assert.ErrorIs(t, err, driver.ErrBadPickle)
}

func testSessionPickleContinues(t *testing.T, d driver.Driver) {
	_, _, aliceSess, bobSess := pair(t, d)

	p, err := bobSess.Pickle(pickleKey)
	require.NoError(t, err)
	restored, err := d.SessionFromPickle(p, pickleKey)
	require.NoError(t, err)

	typ, body, err := aliceSess.Encrypt([]byte("after restore"))
	require.NoError(t, err)
	pt, err := restored.Decrypt(typ, body)
	require.NoError(t, err)
	assert.Equal(t, "after restore", string(pt))
}

func groupPair(t *testing.T, d driver.Driver) (driver.OutboundGroupSession, driver.InboundGroupSession) {
	t.Helper()
	out, err := d.NewOutboundGroupSession()
	require.NoError(t, err)
	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := d.NewInboundGroupSession(key)
	require.NoError(t, err)
	return out, in
}

func testMegolmRoundTrip(t *testing.T, d driver.Driver) {
	out, in := groupPair(t, d)
	assert.Equal(t, out.ID(), in.ID())
	assert.Equal(t, uint32(0), in.FirstKnownIndex())

	var msgs []string
	for i := range 3 {
		ct, err := out.Encrypt(fmt.Appendf(nil, "group %d", i))
		require.NoError(t, err)
		msgs = append(msgs, ct)
	}
	assert.Equal(t, uint32(3), out.MessageIndex())

	for _, i := range []int{2, 0, 1, 2} {
		pt, idx, err := in.Decrypt(msgs[i])
		require.NoError(t, err)
		assert.Equal(t, uint32(i), idx)
		assert.Equal(t, fmt.Sprintf("group %d", i), string(pt))
	}
}

func testMegolmLateJoiner(t *testing.T, d driver.Driver) {
	out, err := d.NewOutboundGroupSession()
	require.NoError(t, err)
	early, err := out.Encrypt([]byte("before"))
	require.NoError(t, err)

	key, err := out.SessionKey()
	require.NoError(t, err)
	in, err := d.NewInboundGroupSession(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), in.FirstKnownIndex())

	_, _, err = in.Decrypt(early)
	assert.ErrorIs(t, err, driver.ErrUnknownMessageIndex)
}

func testMegolmExportImport(t *testing.T, d driver.Driver) {
	out, in := groupPair(t, d)

	var msgs []string
	for i := range 4 {
		ct, err := out.Encrypt(fmt.Appendf(nil, "m%d", i))
		require.NoError(t, err)
		msgs = append(msgs, ct)
	}

	exported, err := in.Export(2)
	require.NoError(t, err)
	imported, err := d.ImportInboundGroupSession(exported)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), imported.FirstKnownIndex())

	pt, _, err := imported.Decrypt(msgs[3])
	require.NoError(t, err)
	assert.Equal(t, "m3", string(pt))
	_, _, err = imported.Decrypt(msgs[1])
	assert.ErrorIs(t, err, driver.ErrUnknownMessageIndex)
}

func testMegolmTamperedMessage(t *testing.T, d driver.Driver) {
	out, in := groupPair(t, d)

	ct, err := out.Encrypt([]byte("payload"))
	require.NoError(t, err)
	raw := []byte(ct)
	// Flip a character inside the ciphertext, keeping valid base64.
	if raw[10] == 'A' {
		raw[10] = 'B'
	} else {
		raw[10] = 'A'
	}

	_, _, err = in.Decrypt(string(raw))
	require.Error(t, err)
	assert.True(t, errors.Is(err, driver.ErrBadSignature) || errors.Is(err, driver.ErrBadMAC), err)
}

func testMegolmTruncatedMessage(t *testing.T, d driver.Driver) {
	_, in := groupPair(t, d)
	for _, body := range []string{"AwgA", "Aw", "", "!!!"} {
		require.NotPanics(t, func() {
			_, _, err := in.Decrypt(body)
			assert.ErrorIs(t, err, driver.ErrBadMessage, body)
		}, body)
	}
}

func testMegolmBadSessionKey(t *testing.T, d driver.Driver) {
	for _, key := range []string{"", "AgAAAA", "not base64"} {
		require.NotPanics(t, func() {
			_, err := d.NewInboundGroupSession(key)
			assert.Error(t, err, key)
			_, err = d.ImportInboundGroupSession(key)
			assert.Error(t, err, key)
		}, key)
	}
}

func testMegolmPickles(t *testing.T, d driver.Driver) {
	out, err := d.NewOutboundGroupSession()
	require.NoError(t, err)
	_, err = out.Encrypt([]byte("one"))
	require.NoError(t, err)

	p, err := out.Pickle(pickleKey)
	require.NoError(t, err)
	out2, err := d.OutboundGroupSessionFromPickle(p, pickleKey)
	require.NoError(t, err)
	assert.Equal(t, out.ID(), out2.ID())
	assert.Equal(t, uint32(1), out2.MessageIndex())

	key, err := out2.SessionKey()
	require.NoError(t, err)
	in, err := d.NewInboundGroupSession(key)
	require.NoError(t, err)
	ip, err := in.Pickle(pickleKey)
	require.NoError(t, err)
	in2, err := d.InboundGroupSessionFromPickle(ip, pickleKey)
	require.NoError(t, err)

	_, err = d.InboundGroupSessionFromPickle(ip, []byte("wrong"))
	assert.ErrorIs(t, err, driver.ErrBadPickle)

	ct, err := out2.Encrypt([]byte("two"))
	require.NoError(t, err)
	pt, idx, err := in2.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), idx)
	assert.Equal(t, "two", string(pt))
}

func testPKSigning(t *testing.T, d driver.Driver) {
	s, err := d.NewPKSigning()
	require.NoError(t, err)
	again, err := d.PKSigningFromSeed(s.Seed())
	require.NoError(t, err)
	assert.Equal(t, s.PublicKey(), again.PublicKey())

	sig1, err := s.Sign([]byte("msg"))
	require.NoError(t, err)
	sig2, err := again.Sign([]byte("msg"))
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)

	_, err = d.PKSigningFromSeed([]byte("short"))
	assert.Error(t, err)
}

func testPKEncryption(t *testing.T, d driver.Driver) {
	dec, err := d.NewPKDecryption()
	require.NoError(t, err)
	enc, err := d.PKEncryption(dec.PublicKey())
	require.NoError(t, err)

	msg, err := enc.Encrypt([]byte("backup payload"))
	require.NoError(t, err)

	restored, err := d.PKDecryptionFromPrivate(dec.PrivateKey())
	require.NoError(t, err)
	assert.Equal(t, dec.PublicKey(), restored.PublicKey())

	pt, err := restored.Decrypt(msg)
	require.NoError(t, err)
	assert.Equal(t, "backup payload", string(pt))

	forged := msg
	forged.MAC = "AAAAAAAAAAA"
	_, err = restored.Decrypt(forged)
	assert.ErrorIs(t, err, driver.ErrBadMAC)

	forged.MAC = ""
	_, err = restored.Decrypt(forged)
	assert.ErrorIs(t, err, driver.ErrBadMAC)

	_, err = d.PKEncryption("short")
	assert.ErrorIs(t, err, driver.ErrBadMessage)
}

func testSAS(t *testing.T, d driver.Driver) {
	a, err := d.NewSAS()
	require.NoError(t, err)
	b, err := d.NewSAS()
	require.NoError(t, err)

	_, err = a.GenerateBytes([]byte("info"), 6)
	require.Error(t, err)

	require.NoError(t, a.SetTheirKey(b.PublicKey()))
	require.NoError(t, b.SetTheirKey(a.PublicKey()))

	ab, err := a.GenerateBytes([]byte("info"), 6)
	require.NoError(t, err)
	bb, err := b.GenerateBytes([]byte("info"), 6)
	require.NoError(t, err)
	assert.Equal(t, ab, bb)

	am, err := a.CalculateMAC([]byte("ed25519:DEV"), []byte("mac info"))
	require.NoError(t, err)
	bm, err := b.CalculateMAC([]byte("ed25519:DEV"), []byte("mac info"))
	require.NoError(t, err)
	assert.Equal(t, am, bm)

	assert.Error(t, a.SetTheirKey("bad"))
}
