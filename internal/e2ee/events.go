package e2ee

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/trust"
)

var (
	TypeEncrypted         = event.EventEncrypted.Type
	TypeToDeviceEncrypted = event.ToDeviceEncrypted.Type
	TypeRoomKey           = event.ToDeviceRoomKey.Type
	TypeForwardedRoomKey  = event.ToDeviceForwardedRoomKey.Type
	TypeRoomKeyRequest    = event.ToDeviceRoomKeyRequest.Type
)

type OlmCiphertext struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

// OlmContent is the content of an m.room.encrypted to-device event.
type OlmContent struct {
	Algorithm  id.Algorithm                    `json:"algorithm"`
	Ciphertext map[id.Curve25519]OlmCiphertext `json:"ciphertext"`
	SenderKey  id.Curve25519                   `json:"sender_key"`
}

// MegolmContent is the content of an m.room.encrypted room event.
type MegolmContent struct {
	Algorithm  id.Algorithm  `json:"algorithm"`
	Ciphertext string        `json:"ciphertext"`
	SessionID  id.SessionID  `json:"session_id"`
	DeviceID   id.DeviceID   `json:"device_id,omitempty"`
	SenderKey  id.Curve25519 `json:"sender_key,omitempty"`
}

type ed25519Key struct {
	Ed25519 id.Ed25519 `json:"ed25519"`
}

// olmPayload is the plaintext of an Olm message.
type olmPayload struct {
	Type          string          `json:"type"`
	Content       json.RawMessage `json:"content"`
	Sender        id.UserID       `json:"sender"`
	SenderDevice  id.DeviceID     `json:"sender_device"`
	Keys          ed25519Key      `json:"keys"`
	Recipient     id.UserID       `json:"recipient"`
	RecipientKeys ed25519Key      `json:"recipient_keys"`
}

// megolmPayload is the plaintext of a Megolm message.
type megolmPayload struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
	RoomID  id.RoomID       `json:"room_id"`
}

type RoomKeyContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

type ForwardedRoomKeyContent struct {
	RoomKeyContent
	SenderKey        id.Curve25519 `json:"sender_key"`
	SenderClaimedKey id.Ed25519    `json:"sender_claimed_ed25519_key"`
	ForwardingChain  []string      `json:"forwarding_curve25519_key_chain"`
}

// ExportedSession is one entry of a key export file.
type ExportedSession struct {
	Algorithm         id.Algorithm          `json:"algorithm"`
	ForwardingChain   []string              `json:"forwarding_curve25519_key_chain"`
	RoomID            id.RoomID             `json:"room_id"`
	SenderKey         id.Curve25519         `json:"sender_key"`
	SenderClaimedKeys map[string]id.Ed25519 `json:"sender_claimed_keys"`
	SessionID         id.SessionID          `json:"session_id"`
	SessionKey        string                `json:"session_key"`
}

// RoomEvent is an encrypted room event as received from the timeline.
type RoomEvent struct {
	EventID   id.EventID
	RoomID    id.RoomID
	Sender    id.UserID
	Timestamp time.Time
	Content   MegolmContent
}

type Source int

const (
	SourceOlm Source = iota
	SourceMegolm
)

func (s Source) String() string {
	if s == SourceMegolm {
		return "megolm"
	}
	return "olm"
}

// Decrypted is the plaintext of one event plus what we know about its
// sender. It is handed to subscribers and never persisted.
type Decrypted struct {
	Source  Source
	Type    string
	Content json.RawMessage

	Sender       id.UserID
	SenderDevice id.DeviceID
	SenderKey    id.Curve25519

	RoomID       id.RoomID
	EventID      id.EventID
	SessionID    id.SessionID
	MessageIndex uint32
	// Forwarded is set for room keys that did not come from the session
	// creator directly.
	Forwarded bool

	Trust trust.Result

	device *keys.DeviceKeys
}
