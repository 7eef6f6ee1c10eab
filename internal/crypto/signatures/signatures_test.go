package signatures_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/goolm"
	"github.com/arko-chat/e2ee/internal/crypto/signatures"
	"github.com/arko-chat/e2ee/internal/keys"
)

func TestSignVerifyDeviceKeys(t *testing.T) {
	acc, err := goolm.Driver{}.NewAccount()
	require.NoError(t, err)
	ed, curve := acc.IdentityKeys()

	dev := &keys.DeviceKeys{
		UserID:     "@alice:example.org",
		DeviceID:   "ALICEDEV",
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, "ALICEDEV"):    string(ed),
			id.NewKeyID(id.KeyAlgorithmCurve25519, "ALICEDEV"): string(curve),
		},
	}
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, "ALICEDEV")
	sig, err := signatures.Sign(dev, acc)
	require.NoError(t, err)
	dev.Signatures = dev.Signatures.Add(dev.UserID, keyID, sig)

	// Unsigned data is not covered by the signature.
	dev.Unsigned = map[string]any{"device_display_name": "laptop"}
	require.NoError(t, signatures.VerifyJSON(dev, dev.UserID, keyID, ed))

	dev.Algorithms = dev.Algorithms[:1]
	assert.ErrorIs(t, signatures.VerifyJSON(dev, dev.UserID, keyID, ed), signatures.ErrInvalidSignature)

	assert.ErrorIs(t,
		signatures.VerifyJSON(dev, "@mallory:example.org", keyID, ed),
		signatures.ErrMissingSignature)
}

func TestCanonicalOrdersKeys(t *testing.T) {
	a, err := signatures.CanonicalBytes([]byte(`{"b": 1, "a": {"d": 2, "c": 3}, "signatures": {}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"c":3,"d":2},"b":1}`, string(a))
}

func TestVerifyAcceptsPaddedBase64(t *testing.T) {
	s, err := goolm.Driver{}.NewPKSigning()
	require.NoError(t, err)
	sig, err := s.Sign([]byte("msg"))
	require.NoError(t, err)

	padded := sig
	for len(padded)%4 != 0 {
		padded += "="
	}
	assert.NoError(t, signatures.Verify(s.PublicKey(), []byte("msg"), padded))
	assert.ErrorIs(t, signatures.Verify("not a key", []byte("msg"), sig), signatures.ErrMalformedKey)
}
