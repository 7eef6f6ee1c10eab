// Package olmdriver adapts the libolm compatible implementations shipped
// with mautrix to the driver interfaces. A backend only supplies the
// constructors; the adapter translates errors into driver sentinels and
// turns panics raised while parsing untrusted input into errors.
package olmdriver

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
)

// Backend is the constructor set of one olm implementation. Implementations
// are expected to be empty structs so that Driver works as a zero value.
type Backend interface {
	Name() string

	NewAccount() (olm.Account, error)
	AccountFromPickled(pickled, key []byte) (olm.Account, error)
	SessionFromPickled(pickled, key []byte) (olm.Session, error)

	NewOutboundGroupSession() (olm.OutboundGroupSession, error)
	OutboundGroupSessionFromPickled(pickled, key []byte) (olm.OutboundGroupSession, error)
	NewInboundGroupSession(sessionKey []byte) (olm.InboundGroupSession, error)
	InboundGroupSessionImport(exported []byte) (olm.InboundGroupSession, error)
	InboundGroupSessionFromPickled(pickled, key []byte) (olm.InboundGroupSession, error)

	NewPKSigning() (olm.PKSigning, error)
	PKSigningFromSeed(seed []byte) (olm.PKSigning, error)
}

// FallbackKeys is the optional fallback key surface of an olm.Account.
type FallbackKeys interface {
	GenFallbackKey() error
	FallbackKeyUnpublished() map[string]id.Curve25519
}

type Driver[B Backend] struct{}

func (Driver[B]) backend() B {
	var b B
	return b
}

func (d Driver[B]) Name() string { return d.backend().Name() }

// contain recovers a panic raised by the backend while parsing its input and
// reports it as an error of the given class.
func contain(class error, op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %s: %v", class, op, r)
	}
}

// mapErr classifies errors from operations on untrusted input. Anything the
// backend does not tag with a known sentinel is treated as a malformed
// message.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case errors.Is(err, olm.ErrUnknownMessageIndex):
		sentinel = driver.ErrUnknownMessageIndex
	case errors.Is(err, olm.ErrBadMAC):
		sentinel = driver.ErrBadMAC
	case errors.Is(err, olm.ErrBadSignature), errors.Is(err, olm.ErrBadVerification):
		sentinel = driver.ErrBadSignature
	case errors.Is(err, olm.ErrBadMessageKeyID):
		sentinel = driver.ErrUnknownOneTimeKey
	default:
		sentinel = driver.ErrBadMessage
	}
	return fmt.Errorf("%w: %s: %w", sentinel, op, err)
}

// pickleErr wraps every unpickling failure. A wrong pickle key surfaces from
// both backends as olm.ErrBadMAC.
func pickleErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", driver.ErrBadPickle, op, err)
}

func (d Driver[B]) NewAccount() (driver.Account, error) {
	acc, err := d.backend().NewAccount()
	if err != nil {
		return nil, err
	}
	return wrapAccount(acc), nil
}

func (d Driver[B]) AccountFromPickle(pickle, key []byte) (_ driver.Account, err error) {
	defer contain(driver.ErrBadPickle, "unpickle account", &err)
	if len(pickle) == 0 {
		return nil, pickleErr("unpickle account", olm.ErrEmptyInput)
	}
	acc, err := d.backend().AccountFromPickled(pickle, key)
	if err != nil {
		return nil, pickleErr("unpickle account", err)
	}
	return wrapAccount(acc), nil
}

func (d Driver[B]) SessionFromPickle(pickle, key []byte) (_ driver.Session, err error) {
	defer contain(driver.ErrBadPickle, "unpickle session", &err)
	if len(pickle) == 0 {
		return nil, pickleErr("unpickle session", olm.ErrEmptyInput)
	}
	s, err := d.backend().SessionFromPickled(pickle, key)
	if err != nil {
		return nil, pickleErr("unpickle session", err)
	}
	return &session{inner: s}, nil
}

func (d Driver[B]) NewOutboundGroupSession() (driver.OutboundGroupSession, error) {
	s, err := d.backend().NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	return &outboundGroupSession{inner: s}, nil
}

func (d Driver[B]) OutboundGroupSessionFromPickle(pickle, key []byte) (_ driver.OutboundGroupSession, err error) {
	defer contain(driver.ErrBadPickle, "unpickle outbound group session", &err)
	if len(pickle) == 0 {
		return nil, pickleErr("unpickle outbound group session", olm.ErrEmptyInput)
	}
	s, err := d.backend().OutboundGroupSessionFromPickled(pickle, key)
	if err != nil {
		return nil, pickleErr("unpickle outbound group session", err)
	}
	return &outboundGroupSession{inner: s}, nil
}

func (d Driver[B]) NewInboundGroupSession(sessionKey string) (_ driver.InboundGroupSession, err error) {
	defer contain(driver.ErrBadMessage, "room key", &err)
	if sessionKey == "" {
		return nil, mapErr("room key", olm.ErrEmptyInput)
	}
	s, err := d.backend().NewInboundGroupSession([]byte(sessionKey))
	if err != nil {
		return nil, mapErr("room key", err)
	}
	return &inboundGroupSession{inner: s}, nil
}

func (d Driver[B]) ImportInboundGroupSession(exportedKey string) (_ driver.InboundGroupSession, err error) {
	defer contain(driver.ErrBadMessage, "import room key", &err)
	if exportedKey == "" {
		return nil, mapErr("import room key", olm.ErrEmptyInput)
	}
	s, err := d.backend().InboundGroupSessionImport([]byte(exportedKey))
	if err != nil {
		return nil, mapErr("import room key", err)
	}
	return &inboundGroupSession{inner: s}, nil
}

func (d Driver[B]) InboundGroupSessionFromPickle(pickle, key []byte) (_ driver.InboundGroupSession, err error) {
	defer contain(driver.ErrBadPickle, "unpickle inbound group session", &err)
	if len(pickle) == 0 {
		return nil, pickleErr("unpickle inbound group session", olm.ErrEmptyInput)
	}
	s, err := d.backend().InboundGroupSessionFromPickled(pickle, key)
	if err != nil {
		return nil, pickleErr("unpickle inbound group session", err)
	}
	return &inboundGroupSession{inner: s}, nil
}

func (d Driver[B]) NewPKSigning() (driver.PKSigning, error) {
	s, err := d.backend().NewPKSigning()
	if err != nil {
		return nil, err
	}
	return pkSigning{inner: s}, nil
}

func (d Driver[B]) PKSigningFromSeed(seed []byte) (driver.PKSigning, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("signing seed must be 32 bytes, got %d", len(seed))
	}
	s, err := d.backend().PKSigningFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return pkSigning{inner: s}, nil
}

func (Driver[B]) NewPKDecryption() (driver.PKDecryption, error) {
	return newPKDecryption()
}

func (Driver[B]) PKDecryptionFromPrivate(private []byte) (driver.PKDecryption, error) {
	return pkDecryptionFromPrivate(private)
}

func (Driver[B]) PKEncryption(recipient id.Curve25519) (driver.PKEncryption, error) {
	return newPKEncryption(recipient)
}

func (Driver[B]) NewSAS() (driver.SAS, error) {
	return newSAS()
}
