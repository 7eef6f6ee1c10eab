package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
	"github.com/arko-chat/e2ee/internal/transport"
	"github.com/arko-chat/e2ee/internal/trust"
)

const (
	DefaultRotationPeriod   = 7 * 24 * time.Hour
	DefaultRotationMessages = 100
)

// RotationPolicy bounds how long an outbound group session is used.
type RotationPolicy struct {
	Period   time.Duration
	Messages int
}

func (p RotationPolicy) withDefaults() RotationPolicy {
	if p.Period <= 0 {
		p.Period = DefaultRotationPeriod
	}
	if p.Messages <= 0 {
		p.Messages = DefaultRotationMessages
	}
	return p
}

// MegolmSessionManager owns the outbound session of every room we send to
// and the inbound sessions of everyone who sent to us.
type MegolmSessionManager struct {
	driver    driver.Driver
	pickleKey []byte
	account   *olmAccount
	store     store.Store
	olm       *OlmEncryptionService
	devices   *DeviceTracker
	trust     *trust.Engine
	transport transport.Transport
	policy    RotationPolicy

	roomLocks    keyedMutex[id.RoomID]
	sessionLocks keyedMutex[roomSession]
	now          func() time.Time
	log          *slog.Logger
}

type roomSession struct {
	roomID    id.RoomID
	sessionID id.SessionID
}

type outbound struct {
	rec  *store.OutboundGroupSessionRecord
	sess driver.OutboundGroupSession
}

func (m *MegolmSessionManager) loadOutbound(ctx context.Context, roomID id.RoomID) (*outbound, error) {
	rec, err := m.store.GetOutboundGroupSession(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("load outbound group session: %w", err)
	}
	sess, err := m.driver.OutboundGroupSessionFromPickle(rec.Pickle, m.pickleKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unpickle outbound group session: %w", ErrBackend, err)
	}
	return &outbound{rec: rec, sess: sess}, nil
}

func (m *MegolmSessionManager) saveOutbound(ctx context.Context, ob *outbound) error {
	pickle, err := ob.sess.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle outbound group session: %w", ErrBackend, err)
	}
	ob.rec.Pickle = pickle
	if err := m.store.PutOutboundGroupSession(ctx, ob.rec); err != nil {
		return fmt.Errorf("save outbound group session: %w", err)
	}
	return nil
}

// createOutbound starts a new session for the room and keeps an inbound
// copy so our own messages can be decrypted.
func (m *MegolmSessionManager) createOutbound(ctx context.Context, roomID id.RoomID) (*outbound, error) {
	sess, err := m.driver.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("%w: create outbound group session: %w", ErrBackend, err)
	}
	sessionKey, err := sess.SessionKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	igs, err := m.driver.NewInboundGroupSession(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: create own inbound group session: %w", ErrBackend, err)
	}
	ed, curve := m.account.IdentityKeys()
	if err := m.storeInbound(ctx, &store.InboundGroupSessionRecord{
		RoomID:     roomID,
		SessionID:  sess.ID(),
		SenderKey:  curve,
		SigningKey: ed,
		ReceivedAt: m.now(),
	}, igs); err != nil {
		return nil, err
	}

	ob := &outbound{
		rec: &store.OutboundGroupSessionRecord{
			RoomID:      roomID,
			SessionID:   sess.ID(),
			CreatedAt:   m.now(),
			SharedWith:  make(store.SharedWith),
			MaxAge:      m.policy.Period,
			MaxMessages: m.policy.Messages,
		},
		sess: sess,
	}
	if err := m.saveOutbound(ctx, ob); err != nil {
		return nil, err
	}
	m.log.Info("created outbound group session", "room", roomID, "session", ob.rec.SessionID)
	return ob, nil
}

// rotationReason reports why rec must not be used any more, or "" if it
// can stay. Any device that received the key but is no longer a valid
// recipient forces a rotation.
func (m *MegolmSessionManager) rotationReason(rec *store.OutboundGroupSessionRecord, recipients map[keys.UserDevice]*keys.DeviceKeys) string {
	if m.now().Sub(rec.CreatedAt) >= rec.MaxAge {
		return "max age reached"
	}
	if rec.MessageCount >= rec.MaxMessages {
		return "max messages reached"
	}
	for userID, devices := range rec.SharedWith {
		for deviceID, key := range devices {
			dev, ok := recipients[keys.UserDevice{UserID: userID, DeviceID: deviceID}]
			if !ok {
				return "recipient left or was blocked"
			}
			if dev.Curve25519() != key {
				return "recipient identity key changed"
			}
		}
	}
	return ""
}

// recipients lists the member devices that may receive room keys.
func (m *MegolmSessionManager) recipients(ctx context.Context, roomID id.RoomID) (map[keys.UserDevice]*keys.DeviceKeys, error) {
	members, err := m.transport.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room members: %w", err)
	}
	byUser, err := m.devices.GetDevices(ctx, members...)
	if err != nil {
		return nil, fmt.Errorf("load member devices: %w", err)
	}
	out := make(map[keys.UserDevice]*keys.DeviceKeys)
	for _, devices := range byUser {
		for _, dev := range devices {
			if dev.UserID == m.account.userID && dev.DeviceID == m.account.deviceID {
				continue
			}
			if res := m.trust.DeviceTrust(ctx, dev); !res.Usable() {
				m.log.Debug("not sharing room key with device",
					"room", roomID,
					"user", dev.UserID,
					"device", dev.DeviceID,
					"trust", res,
				)
				continue
			}
			out[dev.Ref()] = dev
		}
	}
	return out, nil
}

// prepareLocked returns a session that is safe to encrypt with: rotated if
// needed and shared with every current recipient that can be reached.
// The room lock must be held.
func (m *MegolmSessionManager) prepareLocked(ctx context.Context, roomID id.RoomID) (*outbound, error) {
	recipients, err := m.recipients(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ob, err := m.loadOutbound(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if ob != nil {
		if reason := m.rotationReason(ob.rec, recipients); reason != "" {
			m.log.Info("rotating outbound group session",
				"room", roomID,
				"session", ob.rec.SessionID,
				"reason", reason,
			)
			if err := m.store.DeleteOutboundGroupSession(ctx, roomID); err != nil {
				return nil, fmt.Errorf("discard outbound group session: %w", err)
			}
			ob = nil
		}
	}
	if ob == nil {
		if ob, err = m.createOutbound(ctx, roomID); err != nil {
			return nil, err
		}
	}

	var pending []*keys.DeviceKeys
	for ref, dev := range recipients {
		if !ob.rec.SharedWith.Has(ref.UserID, ref.DeviceID) {
			pending = append(pending, dev)
		}
	}
	if len(pending) > 0 {
		if err := m.share(ctx, ob, pending); err != nil {
			return nil, err
		}
	}
	return ob, nil
}

func (m *MegolmSessionManager) share(ctx context.Context, ob *outbound, devices []*keys.DeviceKeys) error {
	sessionKey, err := ob.sess.SessionKey()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBackend, err)
	}
	res, err := m.olm.Encrypt(ctx, TypeRoomKey, RoomKeyContent{
		Algorithm:  id.AlgorithmMegolmV1,
		RoomID:     ob.rec.RoomID,
		SessionID:  ob.rec.SessionID,
		SessionKey: sessionKey,
	}, devices)
	if err != nil {
		return err
	}
	if res.Messages.Len() > 0 {
		if err := m.transport.SendToDevice(ctx, TypeToDeviceEncrypted, res.Messages); err != nil {
			return fmt.Errorf("send room key: %w", err)
		}
	}

	for _, dev := range devices {
		if _, ok := res.Messages[dev.UserID][dev.DeviceID]; ok {
			ob.rec.SharedWith.Mark(dev.UserID, dev.DeviceID, dev.Curve25519())
		}
	}
	m.log.Debug("shared room key",
		"room", ob.rec.RoomID,
		"session", ob.rec.SessionID,
		"devices", res.Messages.Len(),
		"failed", len(res.Failed),
	)
	// The keys are out; the record has to say so even if ctx is gone.
	return m.saveOutbound(context.WithoutCancel(ctx), ob)
}

// EncryptRoomEvent encrypts content for the room, rotating and sharing the
// outbound session first where needed.
func (m *MegolmSessionManager) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (*MegolmContent, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	plaintext, err := json.Marshal(megolmPayload{Type: eventType, Content: raw, RoomID: roomID})
	if err != nil {
		return nil, err
	}

	unlock, err := m.roomLocks.Lock(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ob, err := m.prepareLocked(ctx, roomID)
	if err != nil {
		return nil, err
	}
	ciphertext, err := ob.sess.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: megolm encrypt: %w", ErrBackend, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ob.rec.MessageCount++
	if err := m.saveOutbound(context.WithoutCancel(ctx), ob); err != nil {
		return nil, err
	}

	_, curve := m.account.IdentityKeys()
	return &MegolmContent{
		Algorithm:  id.AlgorithmMegolmV1,
		Ciphertext: ciphertext,
		SessionID:  ob.rec.SessionID,
		DeviceID:   m.account.deviceID,
		SenderKey:  curve,
	}, nil
}

// ShareGroupSession makes sure every current member device holds the key
// of the room's outbound session, without sending a message.
func (m *MegolmSessionManager) ShareGroupSession(ctx context.Context, roomID id.RoomID) (id.SessionID, error) {
	unlock, err := m.roomLocks.Lock(ctx, roomID)
	if err != nil {
		return "", err
	}
	defer unlock()

	ob, err := m.prepareLocked(ctx, roomID)
	if err != nil {
		return "", err
	}
	return ob.rec.SessionID, nil
}

// DiscardGroupSession forces the next message in the room onto a new
// session.
func (m *MegolmSessionManager) DiscardGroupSession(ctx context.Context, roomID id.RoomID) error {
	unlock, err := m.roomLocks.Lock(ctx, roomID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.store.DeleteOutboundGroupSession(ctx, roomID)
}
