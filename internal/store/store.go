// Package store defines persistence for the encryption engine. Ratchet
// state only ever appears here as an opaque pickle.
package store

import (
	"context"
	"errors"
	"maps"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
)

var ErrNotFound = errors.New("not found")

type OlmSessionRecord struct {
	SessionID id.SessionID  `json:"session_id"`
	SenderKey id.Curve25519 `json:"sender_key"`
	Pickle    []byte        `json:"pickle"`
	CreatedAt time.Time     `json:"created_at"`
	LastUsed  time.Time     `json:"last_used"`
}

// SharedWith records, per device, the identity key the session key was
// sent to.
type SharedWith map[id.UserID]map[id.DeviceID]id.Curve25519

func (s SharedWith) Has(userID id.UserID, deviceID id.DeviceID) bool {
	_, ok := s[userID][deviceID]
	return ok
}

func (s SharedWith) Mark(userID id.UserID, deviceID id.DeviceID, key id.Curve25519) {
	if s[userID] == nil {
		s[userID] = make(map[id.DeviceID]id.Curve25519)
	}
	s[userID][deviceID] = key
}

func (s SharedWith) Clone() SharedWith {
	out := make(SharedWith, len(s))
	for user, devices := range s {
		out[user] = maps.Clone(devices)
	}
	return out
}

type OutboundGroupSessionRecord struct {
	RoomID       id.RoomID     `json:"room_id"`
	SessionID    id.SessionID  `json:"session_id"`
	Pickle       []byte        `json:"pickle"`
	CreatedAt    time.Time     `json:"created_at"`
	MessageCount int           `json:"message_count"`
	SharedWith   SharedWith    `json:"shared_with"`
	MaxAge       time.Duration `json:"max_age"`
	MaxMessages  int           `json:"max_messages"`
}

type InboundGroupSessionRecord struct {
	RoomID          id.RoomID     `json:"room_id"`
	SessionID       id.SessionID  `json:"session_id"`
	SenderKey       id.Curve25519 `json:"sender_key"`
	SigningKey      id.Ed25519    `json:"signing_key"`
	Pickle          []byte        `json:"pickle"`
	FirstKnownIndex uint32        `json:"first_known_index"`
	Forwarded       bool          `json:"forwarded"`
	ForwardingChain []string      `json:"forwarding_chain,omitempty"`
	ReceivedAt      time.Time     `json:"received_at"`
}

type MessageIndexRecord struct {
	EventID   id.EventID `json:"event_id"`
	Timestamp time.Time  `json:"timestamp"`
}

// SameEvent reports whether r and other were recorded for the same event.
// Records without an event ID never match.
func (r MessageIndexRecord) SameEvent(other MessageIndexRecord) bool {
	return r.EventID != "" && r.EventID == other.EventID &&
		r.Timestamp.UnixMilli() == other.Timestamp.UnixMilli()
}

type AccountStore interface {
	GetAccount(ctx context.Context) ([]byte, error)
	PutAccount(ctx context.Context, pickle []byte) error
}

type OlmStore interface {
	// GetOlmSessions returns the sessions with a remote identity key, most
	// recently used first.
	GetOlmSessions(ctx context.Context, senderKey id.Curve25519) ([]*OlmSessionRecord, error)
	PutOlmSession(ctx context.Context, rec *OlmSessionRecord) error
}

type MegolmStore interface {
	GetOutboundGroupSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSessionRecord, error)
	PutOutboundGroupSession(ctx context.Context, rec *OutboundGroupSessionRecord) error
	DeleteOutboundGroupSession(ctx context.Context, roomID id.RoomID) error

	GetInboundGroupSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*InboundGroupSessionRecord, error)
	PutInboundGroupSession(ctx context.Context, rec *InboundGroupSessionRecord) error

	// ValidateMessageIndex records that index of the session decrypted to
	// rec. It reports false if the index was already recorded and the
	// earlier record is not the SameEvent as rec.
	ValidateMessageIndex(ctx context.Context, senderKey id.Curve25519, sessionID id.SessionID, index uint32, rec MessageIndexRecord) (bool, error)
}

type KeyStore interface {
	GetDevices(ctx context.Context, userID id.UserID) (map[id.DeviceID]*keys.DeviceKeys, error)
	GetDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*keys.DeviceKeys, error)
	// PutDevices replaces every known device of the user and clears the
	// outdated flag.
	PutDevices(ctx context.Context, userID id.UserID, devices map[id.DeviceID]*keys.DeviceKeys) error
	FindDeviceByKey(ctx context.Context, identityKey id.Curve25519) (*keys.DeviceKeys, error)

	GetCrossSigningKeys(ctx context.Context, userID id.UserID) (*keys.CrossSigningKeys, error)
	PutCrossSigningKeys(ctx context.Context, userID id.UserID, csk *keys.CrossSigningKeys) error

	MarkOutdated(ctx context.Context, userIDs ...id.UserID) error
	// IsOutdated also reports true for users whose devices were never
	// stored.
	IsOutdated(ctx context.Context, userID id.UserID) (bool, error)

	GetVerification(ctx context.Context, key string) (keys.VerificationState, error)
	PutVerification(ctx context.Context, key string, state keys.VerificationState) error
}

type Store interface {
	AccountStore
	OlmStore
	MegolmStore
	KeyStore
	Close() error
}
