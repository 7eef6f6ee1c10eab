// Package transport describes what the encryption engine needs from a
// homeserver connection. Adapters live in the subpackages.
package transport

import (
	"context"
	"encoding/json"
	"errors"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
)

var (
	ErrUnknownUser = errors.New("unknown user")
	ErrUnknownRoom = errors.New("unknown room")
)

// ToDeviceMessages maps user to device to event content. The device "*"
// addresses every device of the user.
type ToDeviceMessages map[id.UserID]map[id.DeviceID]json.RawMessage

func (m ToDeviceMessages) Add(userID id.UserID, deviceID id.DeviceID, content json.RawMessage) {
	if m[userID] == nil {
		m[userID] = make(map[id.DeviceID]json.RawMessage)
	}
	m[userID][deviceID] = content
}

func (m ToDeviceMessages) Len() int {
	n := 0
	for _, devices := range m {
		n += len(devices)
	}
	return n
}

type txnKey struct{}

// WithTxnID fixes the transaction ID of the next send made with ctx, so a
// retried request is deduplicated by the server.
func WithTxnID(ctx context.Context, txnID string) context.Context {
	return context.WithValue(ctx, txnKey{}, txnID)
}

func TxnID(ctx context.Context) (string, bool) {
	txnID, ok := ctx.Value(txnKey{}).(string)
	return txnID, ok && txnID != ""
}

// ToDeviceEvent is a to-device event as received in a sync response.
type ToDeviceEvent struct {
	Sender  id.UserID       `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type Transport interface {
	ClaimOneTimeKeys(ctx context.Context, req keys.ClaimRequest) (*keys.ClaimResponse, error)
	SendToDevice(ctx context.Context, eventType string, msgs ToDeviceMessages) error
	QueryKeys(ctx context.Context, users []id.UserID) (*keys.QueryResponse, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	// UploadKeys returns the number of unclaimed one-time keys per
	// algorithm left on the server.
	UploadKeys(ctx context.Context, req *keys.UploadRequest) (map[id.KeyAlgorithm]int, error)
}
