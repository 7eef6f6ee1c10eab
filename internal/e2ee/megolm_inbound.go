package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
	"github.com/arko-chat/e2ee/internal/trust"
)

// storeInbound saves igs unless an equally good copy exists. A stored
// session is only replaced by one that starts at an earlier index, so
// receiving the same key twice never loses history.
func (m *MegolmSessionManager) storeInbound(ctx context.Context, rec *store.InboundGroupSessionRecord, igs driver.InboundGroupSession) error {
	unlock, err := m.sessionLocks.Lock(ctx, roomSession{rec.RoomID, rec.SessionID})
	if err != nil {
		return err
	}
	defer unlock()

	rec.FirstKnownIndex = igs.FirstKnownIndex()
	existing, err := m.store.GetInboundGroupSession(ctx, rec.RoomID, rec.SessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("load inbound group session: %w", err)
	case existing.SenderKey != rec.SenderKey:
		return fmt.Errorf("%w: session %s already belongs to sender key %s", ErrValidationFailed, rec.SessionID, existing.SenderKey)
	case existing.FirstKnownIndex <= rec.FirstKnownIndex:
		m.log.Debug("already have inbound group session",
			"room", rec.RoomID,
			"session", rec.SessionID,
			"first_index", existing.FirstKnownIndex,
		)
		return nil
	}

	pickle, err := igs.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle inbound group session: %w", ErrBackend, err)
	}
	rec.Pickle = pickle
	if err := m.store.PutInboundGroupSession(ctx, rec); err != nil {
		return fmt.Errorf("save inbound group session: %w", err)
	}
	return nil
}

// ImportRoomKey stores the session from an m.room_key event sent by dev
// over Olm.
func (m *MegolmSessionManager) ImportRoomKey(ctx context.Context, dev *keys.DeviceKeys, content RoomKeyContent) error {
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("%w %q", ErrUnknownAlgorithm, content.Algorithm)
	}
	igs, err := m.driver.NewInboundGroupSession(content.SessionKey)
	if err != nil {
		return fmt.Errorf("%w: room key: %w", ErrValidationFailed, err)
	}
	if igs.ID() != content.SessionID {
		return fmt.Errorf("%w: room key is for session %s, not %s", ErrValidationFailed, igs.ID(), content.SessionID)
	}
	err = m.storeInbound(ctx, &store.InboundGroupSessionRecord{
		RoomID:     content.RoomID,
		SessionID:  content.SessionID,
		SenderKey:  dev.Curve25519(),
		SigningKey: dev.Ed25519(),
		ReceivedAt: m.now(),
	}, igs)
	if err != nil {
		return err
	}
	m.log.Info("imported room key",
		"room", content.RoomID,
		"session", content.SessionID,
		"user", dev.UserID,
		"device", dev.DeviceID,
	)
	return nil
}

// ImportForwardedRoomKey stores a session forwarded by another of our own
// devices. Forwarded sessions are flagged, their sender claim is only as
// good as the forwarder.
func (m *MegolmSessionManager) ImportForwardedRoomKey(ctx context.Context, forwarder *keys.DeviceKeys, content ForwardedRoomKeyContent) error {
	if forwarder.UserID != m.account.userID {
		return fmt.Errorf("%w: forwarded key from another user (%s)", ErrValidationFailed, forwarder.UserID)
	}
	if res := m.trust.DeviceTrust(ctx, forwarder); !res.Usable() {
		return fmt.Errorf("%w: forwarded key from %s device %s", ErrValidationFailed, res.Level, forwarder.DeviceID)
	}
	chain := append(slices.Clone(content.ForwardingChain), string(forwarder.Curve25519()))
	return m.importExported(ctx, ExportedSession{
		Algorithm:         content.Algorithm,
		ForwardingChain:   chain,
		RoomID:            content.RoomID,
		SenderKey:         content.SenderKey,
		SenderClaimedKeys: map[string]id.Ed25519{"ed25519": content.SenderClaimedKey},
		SessionID:         content.SessionID,
		SessionKey:        content.SessionKey,
	})
}

// ImportExportedSessions imports a key export, e.g. from a backup. It
// returns how many sessions were accepted.
func (m *MegolmSessionManager) ImportExportedSessions(ctx context.Context, sessions []ExportedSession) (int, error) {
	imported := 0
	for _, exp := range sessions {
		if err := ctx.Err(); err != nil {
			return imported, err
		}
		if err := m.importExported(ctx, exp); err != nil {
			m.log.Warn("failed to import session",
				"room", exp.RoomID,
				"session", exp.SessionID,
				"err", err,
			)
			continue
		}
		imported++
	}
	return imported, nil
}

func (m *MegolmSessionManager) importExported(ctx context.Context, exp ExportedSession) error {
	if exp.Algorithm != id.AlgorithmMegolmV1 {
		return fmt.Errorf("%w %q", ErrUnknownAlgorithm, exp.Algorithm)
	}
	igs, err := m.driver.ImportInboundGroupSession(exp.SessionKey)
	if err != nil {
		return fmt.Errorf("%w: exported key: %w", ErrValidationFailed, err)
	}
	if igs.ID() != exp.SessionID {
		return fmt.Errorf("%w: exported key is for session %s, not %s", ErrValidationFailed, igs.ID(), exp.SessionID)
	}
	return m.storeInbound(ctx, &store.InboundGroupSessionRecord{
		RoomID:          exp.RoomID,
		SessionID:       exp.SessionID,
		SenderKey:       exp.SenderKey,
		SigningKey:      exp.SenderClaimedKeys["ed25519"],
		Forwarded:       true,
		ForwardingChain: exp.ForwardingChain,
		ReceivedAt:      m.now(),
	}, igs)
}

// ExportSession exports a stored session from its first known index on.
func (m *MegolmSessionManager) ExportSession(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*ExportedSession, error) {
	rec, igs, err := m.loadInbound(ctx, roomID, sessionID)
	if err != nil {
		return nil, err
	}
	key, err := igs.Export(rec.FirstKnownIndex)
	if err != nil {
		return nil, fmt.Errorf("%w: export: %w", ErrBackend, err)
	}
	return &ExportedSession{
		Algorithm:         id.AlgorithmMegolmV1,
		ForwardingChain:   slices.Clone(rec.ForwardingChain),
		RoomID:            rec.RoomID,
		SenderKey:         rec.SenderKey,
		SenderClaimedKeys: map[string]id.Ed25519{"ed25519": rec.SigningKey},
		SessionID:         rec.SessionID,
		SessionKey:        key,
	}, nil
}

func (m *MegolmSessionManager) loadInbound(ctx context.Context, roomID id.RoomID, sessionID id.SessionID) (*store.InboundGroupSessionRecord, driver.InboundGroupSession, error) {
	rec, err := m.store.GetInboundGroupSession(ctx, roomID, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: session %s in %s", ErrSenderDidNotSendMegolmKeysToUs, sessionID, roomID)
	} else if err != nil {
		return nil, nil, fmt.Errorf("load inbound group session: %w", err)
	}
	igs, err := m.driver.InboundGroupSessionFromPickle(rec.Pickle, m.pickleKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: unpickle inbound group session: %w", ErrBackend, err)
	}
	return rec, igs, nil
}

// Decrypt decrypts a room event. The plaintext is only returned once the
// message index was recorded for this event, the payload is bound to the
// room, and the session is bound to the sender's device.
func (m *MegolmSessionManager) Decrypt(ctx context.Context, evt RoomEvent) (*Decrypted, error) {
	content := evt.Content
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w %q", ErrUnknownAlgorithm, content.Algorithm)
	}
	rec, igs, err := m.loadInbound(ctx, evt.RoomID, content.SessionID)
	if err != nil {
		return nil, err
	}
	if content.SenderKey != "" && content.SenderKey != rec.SenderKey {
		return nil, fmt.Errorf("%w: event sender key does not match the session", ErrValidationFailed)
	}

	plaintext, index, err := igs.Decrypt(content.Ciphertext)
	switch {
	case errors.Is(err, driver.ErrUnknownMessageIndex):
		return nil, fmt.Errorf("%w: session %s starts at %d", ErrUnknownMessageIndex, rec.SessionID, rec.FirstKnownIndex)
	case errors.Is(err, driver.ErrBadSignature), errors.Is(err, driver.ErrBadMAC), errors.Is(err, driver.ErrBadMessage):
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	case err != nil:
		return nil, fmt.Errorf("%w: megolm decrypt: %w", ErrBackend, err)
	}

	ok, err := m.store.ValidateMessageIndex(ctx, rec.SenderKey, rec.SessionID, index, store.MessageIndexRecord{
		EventID:   evt.EventID,
		Timestamp: evt.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("check message index: %w", err)
	}
	if !ok {
		m.log.Warn("rejecting replayed message index",
			"room", evt.RoomID,
			"session", rec.SessionID,
			"index", index,
			"event", evt.EventID,
		)
		return nil, fmt.Errorf("%w: index %d of session %s", ErrDuplicateMessageIndex, index, rec.SessionID)
	}

	var payload megolmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: parse megolm payload: %w", ErrValidationFailed, err)
	}
	if payload.RoomID != evt.RoomID {
		return nil, fmt.Errorf("%w: payload is for room %s", ErrValidationFailed, payload.RoomID)
	}

	res, err := m.senderTrust(ctx, evt, rec)
	if err != nil {
		return nil, err
	}
	return &Decrypted{
		Source:       SourceMegolm,
		Type:         payload.Type,
		Content:      payload.Content,
		Sender:       evt.Sender,
		SenderDevice: content.DeviceID,
		SenderKey:    rec.SenderKey,
		RoomID:       evt.RoomID,
		EventID:      evt.EventID,
		SessionID:    rec.SessionID,
		MessageIndex: index,
		Forwarded:    rec.Forwarded,
		Trust:        res,
	}, nil
}

// senderTrust checks that the device owning the session's sender key
// belongs to the event sender and signed the session. The Megolm sender
// claim is independent of who the server says sent the event.
func (m *MegolmSessionManager) senderTrust(ctx context.Context, evt RoomEvent, rec *store.InboundGroupSessionRecord) (trust.Result, error) {
	dev, err := m.devices.FindByKey(ctx, evt.Sender, rec.SenderKey)
	if errors.Is(err, ErrUnknownDevice) {
		return trust.Result{Level: trust.Unknown}, nil
	} else if err != nil {
		return trust.Result{}, err
	}
	if content := evt.Content; content.DeviceID != "" && content.DeviceID != dev.DeviceID {
		return trust.Result{}, fmt.Errorf("%w: event claims device %s, session belongs to %s", ErrValidationFailed, content.DeviceID, dev.DeviceID)
	}
	if rec.SigningKey != dev.Ed25519() {
		return trust.Result{}, fmt.Errorf("%w: session signing key does not match device %s", ErrValidationFailed, dev.DeviceID)
	}
	return m.trust.DeviceTrust(ctx, dev), nil
}
