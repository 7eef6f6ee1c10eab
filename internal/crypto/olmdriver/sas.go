package olmdriver

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	gcrypto "maunium.net/go/mautrix/crypto/goolm/crypto"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

var errNoTheirKey = errors.New("sas: their key has not been set")

type sas struct {
	kp     gcrypto.Curve25519KeyPair
	shared []byte
}

var _ driver.SAS = (*sas)(nil)

func newSAS() (*sas, error) {
	kp, err := gcrypto.Curve25519GenerateKey()
	if err != nil {
		return nil, err
	}
	return &sas{kp: kp}, nil
}

func (s *sas) PublicKey() id.Curve25519 { return s.kp.B64Encoded() }

func (s *sas) SetTheirKey(key id.Curve25519) error {
	raw, err := b64.DecodeString(string(key))
	if err != nil || len(raw) != gcrypto.Curve25519PublicKeyLength {
		return fmt.Errorf("%w: sas key %q", driver.ErrBadMessage, key)
	}
	shared, err := s.kp.SharedSecret(gcrypto.Curve25519PublicKey(raw))
	if err != nil {
		return err
	}
	s.shared = shared
	return nil
}

func (s *sas) GenerateBytes(info []byte, count int) ([]byte, error) {
	if s.shared == nil {
		return nil, errNoTheirKey
	}
	out := make([]byte, count)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.shared, nil, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// CalculateMAC implements the hkdf-hmac-sha256.v2 method.
func (s *sas) CalculateMAC(input, info []byte) (string, error) {
	key, err := s.GenerateBytes(info, 32)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(input)
	return b64.EncodeToString(mac.Sum(nil)), nil
}
