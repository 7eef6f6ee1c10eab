package olmdriver

import (
	"encoding/base64"
	"fmt"

	gcrypto "maunium.net/go/mautrix/crypto/goolm/crypto"
	"maunium.net/go/mautrix/crypto/goolm/pk"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

var b64 = base64.RawStdEncoding

type pkSigning struct {
	inner olm.PKSigning
}

func (s pkSigning) Seed() []byte          { return s.inner.Seed() }
func (s pkSigning) PublicKey() id.Ed25519 { return s.inner.PublicKey() }

func (s pkSigning) Sign(message []byte) (string, error) {
	sig, err := s.inner.Sign(message)
	if err != nil {
		return "", err
	}
	return string(sig), nil
}

// PK encryption is the m.megolm_backup.v1.curve25519-aes-sha2 scheme. Both
// backends share the goolm implementation since it only touches public
// primitives.
type pkEncryption struct {
	inner *pk.Encryption
}

func newPKEncryption(recipient id.Curve25519) (*pkEncryption, error) {
	raw, err := b64.DecodeString(string(recipient))
	if err != nil || len(raw) != gcrypto.Curve25519PublicKeyLength {
		return nil, fmt.Errorf("%w: recipient key %q", driver.ErrBadMessage, recipient)
	}
	enc, err := pk.NewEncryption(recipient)
	if err != nil {
		return nil, err
	}
	return &pkEncryption{inner: enc}, nil
}

func (e *pkEncryption) Encrypt(plaintext []byte) (driver.PKMessage, error) {
	eph, err := gcrypto.Curve25519GenerateKey()
	if err != nil {
		return driver.PKMessage{}, err
	}
	ct, mac, err := e.inner.Encrypt(plaintext, eph.PrivateKey)
	if err != nil {
		return driver.PKMessage{}, err
	}
	return driver.PKMessage{
		Ciphertext: b64.EncodeToString(ct),
		MAC:        string(mac),
		Ephemeral:  string(eph.B64Encoded()),
	}, nil
}

type pkDecryption struct {
	inner *pk.Decryption
}

func newPKDecryption() (*pkDecryption, error) {
	dec, err := pk.NewDecryption()
	if err != nil {
		return nil, err
	}
	return &pkDecryption{inner: dec}, nil
}

func pkDecryptionFromPrivate(private []byte) (*pkDecryption, error) {
	if len(private) != gcrypto.Curve25519PrivateKeyLength {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", gcrypto.Curve25519PrivateKeyLength, len(private))
	}
	dec, err := pk.NewDecryptionFromPrivate(gcrypto.Curve25519PrivateKey(private))
	if err != nil {
		return nil, err
	}
	return &pkDecryption{inner: dec}, nil
}

func (d *pkDecryption) PublicKey() id.Curve25519 { return d.inner.PublicKey() }
func (d *pkDecryption) PrivateKey() []byte       { return d.inner.PrivateKey() }

// Decrypt accepts the full HMAC and the eight byte truncation libolm emits.
func (d *pkDecryption) Decrypt(msg driver.PKMessage) (plaintext []byte, err error) {
	defer contain(driver.ErrBadMessage, "pk decrypt", &err)
	ct, err := b64.DecodeString(msg.Ciphertext)
	if err != nil {
		return nil, mapErr("pk decrypt", err)
	}
	mac, err := b64.DecodeString(msg.MAC)
	if err != nil {
		return nil, mapErr("pk decrypt", err)
	}
	if len(mac) != 8 && len(mac) != 32 {
		return nil, mapErr("pk decrypt", olm.ErrBadMAC)
	}
	plaintext, err = d.inner.Decrypt([]byte(msg.Ephemeral), []byte(msg.MAC), ct)
	if err != nil {
		return nil, mapErr("pk decrypt", err)
	}
	return plaintext, nil
}
