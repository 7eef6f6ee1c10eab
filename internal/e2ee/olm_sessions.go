package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/crypto/signatures"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
	"github.com/arko-chat/e2ee/internal/transport"
)

// OlmSessionManager owns the Olm sessions with remote devices. Ratchet
// state only lives in the store: every operation unpickles a fresh copy
// under the device lock and writes it back once the operation succeeded.
type OlmSessionManager struct {
	driver    driver.Driver
	pickleKey []byte
	account   *olmAccount
	store     store.Store
	transport transport.Transport
	locks     keyedMutex[keys.UserDevice]
	now       func() time.Time
	log       *slog.Logger
}

func newOlmSessionManager(
	drv driver.Driver,
	pickleKey []byte,
	account *olmAccount,
	st store.Store,
	tr transport.Transport,
	logger *slog.Logger,
) *OlmSessionManager {
	return &OlmSessionManager{
		driver:    drv,
		pickleKey: pickleKey,
		account:   account,
		store:     st,
		transport: tr,
		locks:     newKeyedMutex[keys.UserDevice](),
		now:       time.Now,
		log:       logger,
	}
}

func (m *OlmSessionManager) device(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*keys.DeviceKeys, error) {
	dev, err := m.store.GetDevice(ctx, userID, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownDevice, userID, deviceID)
	} else if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return dev, nil
}

// newest returns the most recently used session with dev, or nil.
func (m *OlmSessionManager) newest(ctx context.Context, dev *keys.DeviceKeys) (*store.OlmSessionRecord, error) {
	recs, err := m.store.GetOlmSessions(ctx, dev.Curve25519())
	if err != nil {
		return nil, fmt.Errorf("load olm sessions: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (m *OlmSessionManager) hasSession(ctx context.Context, dev *keys.DeviceKeys) (bool, error) {
	rec, err := m.newest(ctx, dev)
	return rec != nil, err
}

// GetOrCreateSession returns the ID of the session used for sending to the
// device, claiming a one-time key and creating a session if there is none.
func (m *OlmSessionManager) GetOrCreateSession(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (id.SessionID, error) {
	dev, err := m.device(ctx, userID, deviceID)
	if err != nil {
		return "", err
	}
	unlock, err := m.locks.Lock(ctx, dev.Ref())
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, err := m.newest(ctx, dev)
	if err != nil {
		return "", err
	}
	if rec != nil {
		return rec.SessionID, nil
	}

	req := make(keys.ClaimRequest)
	req.Add(userID, deviceID)
	resp, err := m.transport.ClaimOneTimeKeys(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyClaim, err)
	}
	claimed, ok := resp.Get(userID, deviceID)
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrNoKeyAvailable, dev.Ref())
	}
	rec, err = m.createLocked(ctx, dev, claimed)
	if err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

// ensureSession creates a session from an already claimed key unless one
// appeared in the meantime.
func (m *OlmSessionManager) ensureSession(ctx context.Context, dev *keys.DeviceKeys, claimed keys.ClaimedKey) (id.SessionID, error) {
	unlock, err := m.locks.Lock(ctx, dev.Ref())
	if err != nil {
		return "", err
	}
	defer unlock()

	rec, err := m.newest(ctx, dev)
	if err != nil {
		return "", err
	}
	if rec == nil {
		if rec, err = m.createLocked(ctx, dev, claimed); err != nil {
			return "", err
		}
	}
	return rec.SessionID, nil
}

func (m *OlmSessionManager) createLocked(ctx context.Context, dev *keys.DeviceKeys, claimed keys.ClaimedKey) (*store.OlmSessionRecord, error) {
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(dev.DeviceID))
	if err := signatures.VerifyJSON(claimed.OneTimeKey, dev.UserID, keyID, dev.Ed25519()); err != nil {
		m.log.Warn("claimed one-time key has a bad signature",
			"user", dev.UserID,
			"device", dev.DeviceID,
			"key_id", claimed.KeyID,
			"err", err,
		)
		return nil, fmt.Errorf("%w for %s: %w", ErrNoKeyAvailable, dev.Ref(), err)
	}

	m.account.mu.Lock()
	sess, err := m.account.acc.NewOutboundSession(dev.Curve25519(), claimed.Key)
	m.account.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: create outbound session: %w", ErrBackend, err)
	}

	now := m.now()
	rec := &store.OlmSessionRecord{
		SessionID: sess.ID(),
		SenderKey: dev.Curve25519(),
		CreatedAt: now,
		LastUsed:  now,
	}
	if err := m.save(ctx, rec, sess); err != nil {
		return nil, err
	}
	m.log.Info("created olm session",
		"user", dev.UserID,
		"device", dev.DeviceID,
		"session", rec.SessionID,
		"fallback", claimed.Fallback,
	)
	return rec, nil
}

func (m *OlmSessionManager) save(ctx context.Context, rec *store.OlmSessionRecord, sess driver.Session) error {
	pickle, err := sess.Pickle(m.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle olm session: %w", ErrBackend, err)
	}
	rec.Pickle = pickle
	if err := m.store.PutOlmSession(ctx, rec); err != nil {
		return fmt.Errorf("save olm session: %w", err)
	}
	return nil
}

// commit persists sess after a successful operation. A cancelled context
// discards the result instead of writing half of it.
func (m *OlmSessionManager) commit(ctx context.Context, rec *store.OlmSessionRecord, sess driver.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rec.LastUsed = m.now()
	return m.save(context.WithoutCancel(ctx), rec, sess)
}

// Encrypt encrypts plaintext with the most recently used session.
func (m *OlmSessionManager) Encrypt(ctx context.Context, dev *keys.DeviceKeys, plaintext []byte) (OlmCiphertext, error) {
	unlock, err := m.locks.Lock(ctx, dev.Ref())
	if err != nil {
		return OlmCiphertext{}, err
	}
	defer unlock()

	rec, err := m.newest(ctx, dev)
	if err != nil {
		return OlmCiphertext{}, err
	}
	if rec == nil {
		return OlmCiphertext{}, fmt.Errorf("%w: no olm session with %s", ErrNoKeyAvailable, dev.Ref())
	}
	sess, err := m.driver.SessionFromPickle(rec.Pickle, m.pickleKey)
	if err != nil {
		return OlmCiphertext{}, fmt.Errorf("%w: unpickle olm session: %w", ErrBackend, err)
	}
	msgType, body, err := sess.Encrypt(plaintext)
	if err != nil {
		return OlmCiphertext{}, fmt.Errorf("%w: olm encrypt: %w", ErrBackend, err)
	}
	if err := m.commit(ctx, rec, sess); err != nil {
		return OlmCiphertext{}, err
	}
	return OlmCiphertext{Type: msgType, Body: body}, nil
}

// Decrypt tries the stored sessions with dev, most recently used first,
// and commits only the one that succeeds. A pre-key message that matches
// none of them starts a new inbound session.
func (m *OlmSessionManager) Decrypt(ctx context.Context, dev *keys.DeviceKeys, msg OlmCiphertext) ([]byte, error) {
	if msg.Type != id.OlmMsgTypePreKey && msg.Type != id.OlmMsgTypeMsg {
		return nil, fmt.Errorf("%w: unknown olm message type %d", ErrValidationFailed, msg.Type)
	}
	unlock, err := m.locks.Lock(ctx, dev.Ref())
	if err != nil {
		return nil, err
	}
	defer unlock()

	senderKey := dev.Curve25519()
	recs, err := m.store.GetOlmSessions(ctx, senderKey)
	if err != nil {
		return nil, fmt.Errorf("load olm sessions: %w", err)
	}
	for _, rec := range recs {
		sess, err := m.driver.SessionFromPickle(rec.Pickle, m.pickleKey)
		if err != nil {
			m.log.Warn("failed to unpickle olm session", "session", rec.SessionID, "err", err)
			continue
		}
		if msg.Type == id.OlmMsgTypePreKey {
			matches, err := sess.MatchesInboundSession(senderKey, msg.Body)
			if err != nil || !matches {
				continue
			}
		}
		plaintext, err := sess.Decrypt(msg.Type, msg.Body)
		if err != nil {
			m.log.Debug("olm session failed to decrypt",
				"user", dev.UserID,
				"device", dev.DeviceID,
				"session", rec.SessionID,
				"err", err,
			)
			if msg.Type == id.OlmMsgTypePreKey {
				// The message belongs to this session, no other can open it.
				return nil, fmt.Errorf("%w: %w", ErrSessionException, err)
			}
			continue
		}
		if err := m.commit(ctx, rec, sess); err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	if msg.Type != id.OlmMsgTypePreKey {
		return nil, fmt.Errorf("%w: tried %d sessions with %s", ErrSessionException, len(recs), dev.Ref())
	}

	var created id.SessionID
	plaintext, err := m.account.newInboundSession(ctx, senderKey, msg.Body, func(ctx context.Context, sess driver.Session) error {
		now := m.now()
		created = sess.ID()
		return m.save(ctx, &store.OlmSessionRecord{
			SessionID: created,
			SenderKey: senderKey,
			CreatedAt: now,
			LastUsed:  now,
		}, sess)
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("created inbound olm session",
		"user", dev.UserID,
		"device", dev.DeviceID,
		"session", created,
	)
	return plaintext, nil
}
