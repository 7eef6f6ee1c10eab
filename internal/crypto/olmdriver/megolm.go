package olmdriver

import (
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

type outboundGroupSession struct {
	inner olm.OutboundGroupSession
}

var _ driver.OutboundGroupSession = (*outboundGroupSession)(nil)

func (s *outboundGroupSession) ID() id.SessionID     { return s.inner.ID() }
func (s *outboundGroupSession) MessageIndex() uint32 { return uint32(s.inner.MessageIndex()) }

func (s *outboundGroupSession) SessionKey() (string, error) {
	return s.inner.Key(), nil
}

func (s *outboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	ct, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return string(ct), nil
}

func (s *outboundGroupSession) Pickle(key []byte) ([]byte, error) {
	return s.inner.Pickle(key)
}

type inboundGroupSession struct {
	inner olm.InboundGroupSession
}

var _ driver.InboundGroupSession = (*inboundGroupSession)(nil)

func (s *inboundGroupSession) ID() id.SessionID        { return s.inner.ID() }
func (s *inboundGroupSession) FirstKnownIndex() uint32 { return s.inner.FirstKnownIndex() }

func (s *inboundGroupSession) Decrypt(ciphertext string) (plaintext []byte, index uint32, err error) {
	defer contain(driver.ErrBadMessage, "megolm decrypt", &err)
	if ciphertext == "" {
		return nil, 0, mapErr("megolm decrypt", olm.ErrEmptyInput)
	}
	pt, idx, err := s.inner.Decrypt([]byte(ciphertext))
	if err != nil {
		return nil, 0, mapErr("megolm decrypt", err)
	}
	return pt, uint32(idx), nil
}

func (s *inboundGroupSession) Export(index uint32) (string, error) {
	out, err := s.inner.Export(index)
	if err != nil {
		return "", mapErr("export room key", err)
	}
	return string(out), nil
}

func (s *inboundGroupSession) Pickle(key []byte) ([]byte, error) {
	return s.inner.Pickle(key)
}
