// Package goolm is the default crypto backend: mautrix's pure Go port of
// libolm. Its pickles are libolm compatible, so an account created here can
// be moved into any other libolm based client.
package goolm

import (
	"maunium.net/go/mautrix/crypto/goolm/account"
	"maunium.net/go/mautrix/crypto/goolm/pk"
	"maunium.net/go/mautrix/crypto/goolm/session"
	"maunium.net/go/mautrix/crypto/olm"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/crypto/olmdriver"
)

const Name = "goolm"

func init() {
	driver.Register(Name, func() driver.Driver { return Driver{} })
}

// Driver calls the goolm constructors directly and never touches the
// process wide olm.Init* hooks, so it can be used as a zero value next to
// any other backend.
type Driver = olmdriver.Driver[backend]

var (
	_ driver.Driver          = Driver{}
	_ olmdriver.FallbackKeys = (*account.Account)(nil)
)

type backend struct{}

func (backend) Name() string { return Name }

func (backend) NewAccount() (olm.Account, error) {
	return account.NewAccount()
}

func (backend) AccountFromPickled(pickled, key []byte) (olm.Account, error) {
	return account.AccountFromPickled(pickled, key)
}

func (backend) SessionFromPickled(pickled, key []byte) (olm.Session, error) {
	return session.OlmSessionFromPickled(pickled, key)
}

func (backend) NewOutboundGroupSession() (olm.OutboundGroupSession, error) {
	return session.NewMegolmOutboundSession()
}

func (backend) OutboundGroupSessionFromPickled(pickled, key []byte) (olm.OutboundGroupSession, error) {
	return session.MegolmOutboundSessionFromPickled(pickled, key)
}

func (backend) NewInboundGroupSession(sessionKey []byte) (olm.InboundGroupSession, error) {
	return session.NewMegolmInboundSession(sessionKey)
}

func (backend) InboundGroupSessionImport(exported []byte) (olm.InboundGroupSession, error) {
	return session.NewMegolmInboundSessionFromExport(exported)
}

func (backend) InboundGroupSessionFromPickled(pickled, key []byte) (olm.InboundGroupSession, error) {
	return session.MegolmInboundSessionFromPickled(pickled, key)
}

func (backend) NewPKSigning() (olm.PKSigning, error) {
	return pk.NewSigning()
}

func (backend) PKSigningFromSeed(seed []byte) (olm.PKSigning, error) {
	return pk.NewSigningFromSeed(seed)
}
