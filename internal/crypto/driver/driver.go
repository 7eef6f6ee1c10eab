// Package driver defines the capability interfaces the engine uses to talk
// to a cryptographic backend. Backends register themselves by name and are
// chosen from configuration; nothing above this package knows which one is
// in use.
package driver

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"maunium.net/go/mautrix/id"
)

var (
	ErrUnknownDriver       = errors.New("unknown crypto driver")
	ErrUnknownMessageIndex = errors.New("message index is earlier than the first known index")
	ErrBadMAC              = errors.New("bad message mac")
	ErrBadSignature        = errors.New("bad signature")
	ErrBadMessage          = errors.New("malformed message")
	ErrBadPickle           = errors.New("wrong pickle key or corrupted pickle")
	ErrUnknownOneTimeKey   = errors.New("pre-key message references an unknown one-time key")
	ErrSessionMismatch     = errors.New("message does not belong to this session")
)

// Account is the long-lived Olm identity of the local device.
type Account interface {
	IdentityKeys() (id.Ed25519, id.Curve25519)
	Sign(message []byte) (string, error)

	MaxOneTimeKeys() int
	GenerateOneTimeKeys(count int) error
	// OneTimeKeys returns the keys that have not been marked as published,
	// keyed by key ID.
	OneTimeKeys() (map[string]id.Curve25519, error)
	MarkKeysAsPublished()

	NewOutboundSession(theirIdentityKey, theirOneTimeKey id.Curve25519) (Session, error)
	NewInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (Session, error)
	RemoveOneTimeKeys(s Session) error

	Pickle(key []byte) ([]byte, error)
}

// FallbackKeyAccount is implemented by accounts that support fallback keys.
type FallbackKeyAccount interface {
	GenerateFallbackKey() error
	UnpublishedFallbackKey() (map[string]id.Curve25519, error)
}

// Session is one Olm double-ratchet session with a remote device. It is not
// safe for concurrent use.
type Session interface {
	ID() id.SessionID
	HasReceivedMessage() bool
	MatchesInboundSession(theirIdentityKey id.Curve25519, preKeyMessage string) (bool, error)
	Encrypt(plaintext []byte) (id.OlmMsgType, string, error)
	Decrypt(msgType id.OlmMsgType, ciphertext string) ([]byte, error)
	Pickle(key []byte) ([]byte, error)
}

type OutboundGroupSession interface {
	ID() id.SessionID
	MessageIndex() uint32
	// SessionKey is the signed key shared in m.room_key events, valid from
	// the current message index on.
	SessionKey() (string, error)
	Encrypt(plaintext []byte) (string, error)
	Pickle(key []byte) ([]byte, error)
}

// InboundGroupSession decrypts messages of one Megolm session. Decrypt does
// not advance the stored ratchet, so decrypting the same message twice
// yields the same plaintext.
type InboundGroupSession interface {
	ID() id.SessionID
	FirstKnownIndex() uint32
	Decrypt(ciphertext string) (plaintext []byte, index uint32, err error)
	Export(index uint32) (string, error)
	Pickle(key []byte) ([]byte, error)
}

type PKSigning interface {
	Seed() []byte
	PublicKey() id.Ed25519
	Sign(message []byte) (string, error)
}

// PKMessage is the output of PK encryption, all fields unpadded base64.
type PKMessage struct {
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
	Ephemeral  string `json:"ephemeral"`
}

type PKEncryption interface {
	Encrypt(plaintext []byte) (PKMessage, error)
}

type PKDecryption interface {
	PublicKey() id.Curve25519
	PrivateKey() []byte
	Decrypt(msg PKMessage) ([]byte, error)
}

// SAS is the short-authentication-string key agreement used by interactive
// verification.
type SAS interface {
	PublicKey() id.Curve25519
	SetTheirKey(key id.Curve25519) error
	GenerateBytes(info []byte, count int) ([]byte, error)
	CalculateMAC(input, info []byte) (string, error)
}

type Driver interface {
	Name() string

	NewAccount() (Account, error)
	AccountFromPickle(pickle, key []byte) (Account, error)
	SessionFromPickle(pickle, key []byte) (Session, error)

	NewOutboundGroupSession() (OutboundGroupSession, error)
	OutboundGroupSessionFromPickle(pickle, key []byte) (OutboundGroupSession, error)
	NewInboundGroupSession(sessionKey string) (InboundGroupSession, error)
	// ImportInboundGroupSession creates a session from an exported
	// (unsigned) key, as found in forwarded keys and key backups.
	ImportInboundGroupSession(exportedKey string) (InboundGroupSession, error)
	InboundGroupSessionFromPickle(pickle, key []byte) (InboundGroupSession, error)

	NewPKSigning() (PKSigning, error)
	PKSigningFromSeed(seed []byte) (PKSigning, error)
	NewPKDecryption() (PKDecryption, error)
	PKDecryptionFromPrivate(private []byte) (PKDecryption, error)
	PKEncryption(recipient id.Curve25519) (PKEncryption, error)

	NewSAS() (SAS, error)
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Driver)
)

// Register makes a backend available under name. It panics on duplicates,
// like database/sql.
func Register(name string, factory func() Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("driver: Register called twice for " + name)
	}
	registry[name] = factory
}

func Get(name string) (Driver, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownDriver, name, Names())
	}
	return factory(), nil
}

func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
