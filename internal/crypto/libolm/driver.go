//go:build cgo && libolm

// Package libolm is the cgo backend over the reference C implementation.
// Build with -tags libolm and libolm's headers installed. It has no
// fallback key support; accounts created here only publish one-time keys.
package libolm

import (
	"maunium.net/go/mautrix/crypto/libolm"
	"maunium.net/go/mautrix/crypto/olm"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/crypto/olmdriver"
)

const Name = "libolm"

func init() {
	driver.Register(Name, func() driver.Driver { return Driver{} })
}

type Driver = olmdriver.Driver[backend]

var _ driver.Driver = Driver{}

type backend struct{}

func (backend) Name() string { return Name }

func (backend) NewAccount() (olm.Account, error) {
	return libolm.NewAccount()
}

func (backend) AccountFromPickled(pickled, key []byte) (olm.Account, error) {
	return libolm.AccountFromPickled(pickled, key)
}

func (backend) SessionFromPickled(pickled, key []byte) (olm.Session, error) {
	return libolm.SessionFromPickled(pickled, key)
}

func (backend) NewOutboundGroupSession() (olm.OutboundGroupSession, error) {
	return libolm.NewOutboundGroupSession()
}

func (backend) OutboundGroupSessionFromPickled(pickled, key []byte) (olm.OutboundGroupSession, error) {
	s := libolm.NewBlankOutboundGroupSession()
	if err := s.Unpickle(pickled, key); err != nil {
		return nil, err
	}
	return s, nil
}

func (backend) NewInboundGroupSession(sessionKey []byte) (olm.InboundGroupSession, error) {
	return libolm.NewInboundGroupSession(sessionKey)
}

func (backend) InboundGroupSessionImport(exported []byte) (olm.InboundGroupSession, error) {
	return libolm.InboundGroupSessionImport(exported)
}

func (backend) InboundGroupSessionFromPickled(pickled, key []byte) (olm.InboundGroupSession, error) {
	return libolm.InboundGroupSessionFromPickled(pickled, key)
}

func (backend) NewPKSigning() (olm.PKSigning, error) {
	return libolm.NewPKSigning()
}

func (backend) PKSigningFromSeed(seed []byte) (olm.PKSigning, error) {
	return libolm.NewPKSigningFromSeed(seed)
}
