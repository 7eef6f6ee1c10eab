package olmdriver

import (
	"errors"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

var errForeignSession = errors.New("session was not created by this driver")

type account struct {
	inner olm.Account
}

// fallbackAccount is only handed out when the backend account supports
// fallback keys, so callers can rely on the driver.FallbackKeyAccount
// assertion.
type fallbackAccount struct {
	*account
	keys FallbackKeys
}

var (
	_ driver.Account            = (*account)(nil)
	_ driver.FallbackKeyAccount = (*fallbackAccount)(nil)
)

func wrapAccount(acc olm.Account) driver.Account {
	a := &account{inner: acc}
	if fb, ok := acc.(FallbackKeys); ok {
		return &fallbackAccount{account: a, keys: fb}
	}
	return a
}

func (a *account) IdentityKeys() (id.Ed25519, id.Curve25519) {
	ed, curve, err := a.inner.IdentityKeys()
	if err != nil {
		return "", ""
	}
	return ed, curve
}

func (a *account) Sign(message []byte) (string, error) {
	sig, err := a.inner.Sign(message)
	if err != nil {
		return "", err
	}
	return string(sig), nil
}

func (a *account) MaxOneTimeKeys() int {
	return int(a.inner.MaxNumberOfOneTimeKeys())
}

func (a *account) GenerateOneTimeKeys(count int) error {
	if count <= 0 {
		return nil
	}
	return a.inner.GenOneTimeKeys(uint(count))
}

func (a *account) OneTimeKeys() (map[string]id.Curve25519, error) {
	return a.inner.OneTimeKeys()
}

// MarkKeysAsPublished also covers the fallback key on backends that have
// one.
func (a *account) MarkKeysAsPublished() {
	a.inner.MarkKeysAsPublished()
}

func (a *account) NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (_ driver.Session, err error) {
	defer contain(driver.ErrBadMessage, "outbound session", &err)
	s, err := a.inner.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, mapErr("outbound session", err)
	}
	return &session{inner: s}, nil
}

func (a *account) NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (_ driver.Session, err error) {
	defer contain(driver.ErrBadMessage, "inbound session", &err)
	var from *id.Curve25519
	if theirIdentityKey != "" {
		from = &theirIdentityKey
	}
	s, err := a.inner.NewInboundSessionFrom(from, preKeyMessage)
	if err != nil {
		return nil, mapErr("inbound session", err)
	}
	return &session{inner: s}, nil
}

func (a *account) RemoveOneTimeKeys(s driver.Session) error {
	sess, ok := s.(*session)
	if !ok {
		return errForeignSession
	}
	return a.inner.RemoveOneTimeKeys(sess.inner)
}

func (a *account) Pickle(key []byte) ([]byte, error) {
	return a.inner.Pickle(key)
}

func (a *fallbackAccount) GenerateFallbackKey() error {
	return a.keys.GenFallbackKey()
}

func (a *fallbackAccount) UnpublishedFallbackKey() (map[string]id.Curve25519, error) {
	return a.keys.FallbackKeyUnpublished(), nil
}

type session struct {
	inner olm.Session
}

var _ driver.Session = (*session)(nil)

func (s *session) ID() id.SessionID        { return s.inner.ID() }
func (s *session) HasReceivedMessage() bool { return s.inner.HasReceivedMessage() }

func (s *session) MatchesInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (ok bool, err error) {
	defer contain(driver.ErrBadMessage, "match inbound session", &err)
	ok, err = s.inner.MatchesInboundSessionFrom(string(theirIdentityKey), preKeyMessage)
	return ok, mapErr("match inbound session", err)
}

func (s *session) Encrypt(plaintext []byte) (id.OlmMsgType, string, error) {
	msgType, body, err := s.inner.Encrypt(plaintext)
	if err != nil {
		return 0, "", err
	}
	return msgType, string(body), nil
}

func (s *session) Decrypt(msgType id.OlmMsgType, ciphertext string) (plaintext []byte, err error) {
	defer contain(driver.ErrBadMessage, "olm decrypt", &err)
	if msgType != id.OlmMsgTypePreKey && msgType != id.OlmMsgTypeMsg {
		return nil, mapErr("olm decrypt", olm.ErrBadMessageFormat)
	}
	plaintext, err = s.inner.Decrypt(ciphertext, msgType)
	if err != nil {
		return nil, mapErr("olm decrypt", err)
	}
	return plaintext, nil
}

func (s *session) Pickle(key []byte) ([]byte, error) {
	return s.inner.Pickle(key)
}
