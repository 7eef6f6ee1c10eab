package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/crypto/signatures"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
)

// olmAccount guards the device's Olm account. Every mutation is pickled
// back to the store before the lock is released.
type olmAccount struct {
	mu        sync.Mutex
	acc       driver.Account
	store     store.AccountStore
	pickleKey []byte

	userID   id.UserID
	deviceID id.DeviceID
	ed       id.Ed25519
	curve    id.Curve25519
}

func loadAccount(
	ctx context.Context,
	drv driver.Driver,
	st store.AccountStore,
	pickleKey []byte,
	userID id.UserID,
	deviceID id.DeviceID,
	logger *slog.Logger,
) (*olmAccount, error) {
	a := &olmAccount{store: st, pickleKey: pickleKey, userID: userID, deviceID: deviceID}

	pickle, err := st.GetAccount(ctx)
	switch {
	case err == nil:
		a.acc, err = drv.AccountFromPickle(pickle, pickleKey)
		if err != nil {
			return nil, fmt.Errorf("%w: unpickle account: %w", ErrBackend, err)
		}
	case errors.Is(err, store.ErrNotFound):
		a.acc, err = drv.NewAccount()
		if err != nil {
			return nil, fmt.Errorf("%w: create account: %w", ErrBackend, err)
		}
		if err := a.saveLocked(ctx); err != nil {
			return nil, err
		}
		logger.Info("created olm account", "user", userID, "device", deviceID, "backend", drv.Name())
	default:
		return nil, fmt.Errorf("load account: %w", err)
	}
	a.ed, a.curve = a.acc.IdentityKeys()
	return a, nil
}

func (a *olmAccount) IdentityKeys() (id.Ed25519, id.Curve25519) {
	return a.ed, a.curve
}

func (a *olmAccount) Sign(message []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acc.Sign(message)
}

func (a *olmAccount) saveLocked(ctx context.Context) error {
	pickle, err := a.acc.Pickle(a.pickleKey)
	if err != nil {
		return fmt.Errorf("%w: pickle account: %w", ErrBackend, err)
	}
	if err := a.store.PutAccount(ctx, pickle); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (a *olmAccount) ownKeyID() id.KeyID {
	return id.NewKeyID(id.KeyAlgorithmEd25519, string(a.deviceID))
}

// DeviceKeys returns our signed device keys.
func (a *olmAccount) DeviceKeys() (*keys.DeviceKeys, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deviceKeysLocked()
}

func (a *olmAccount) signKeys(in map[string]id.Curve25519, fallback bool) (map[id.KeyID]keys.OneTimeKey, error) {
	out := make(map[id.KeyID]keys.OneTimeKey, len(in))
	for keyID, key := range in {
		otk := keys.OneTimeKey{Key: key, Fallback: fallback}
		msg, err := signatures.Canonical(otk)
		if err != nil {
			return nil, err
		}
		sig, err := a.acc.Sign(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: sign one-time key: %w", ErrBackend, err)
		}
		otk.Signatures = otk.Signatures.Add(a.userID, a.ownKeyID(), sig)
		out[id.NewKeyID(id.KeyAlgorithmSignedCurve25519, keyID)] = otk
	}
	return out, nil
}

// prepareUpload tops the one-time key pool up to target, given how many
// keys the server still holds, and returns what needs uploading. The keys
// are marked published by commitUpload once the server accepted them.
func (a *olmAccount) prepareUpload(ctx context.Context, serverCount int, withDeviceKeys bool) (*keys.UploadRequest, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	req := &keys.UploadRequest{}
	if withDeviceKeys {
		dev, err := a.deviceKeysLocked()
		if err != nil {
			return nil, err
		}
		req.DeviceKeys = dev
	}

	target := a.acc.MaxOneTimeKeys() / 2
	if missing := target - serverCount; missing > 0 {
		pending, err := a.acc.OneTimeKeys()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackend, err)
		}
		if gen := missing - len(pending); gen > 0 {
			if err := a.acc.GenerateOneTimeKeys(gen); err != nil {
				return nil, fmt.Errorf("%w: generate one-time keys: %w", ErrBackend, err)
			}
		}
	}
	otks, err := a.acc.OneTimeKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if req.OneTimeKeys, err = a.signKeys(otks, false); err != nil {
		return nil, err
	}

	if fb, ok := a.acc.(driver.FallbackKeyAccount); ok {
		unpublished, err := fb.UnpublishedFallbackKey()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrBackend, err)
		}
		if len(unpublished) == 0 && withDeviceKeys {
			if err := fb.GenerateFallbackKey(); err != nil {
				return nil, fmt.Errorf("%w: generate fallback key: %w", ErrBackend, err)
			}
			unpublished, _ = fb.UnpublishedFallbackKey()
		}
		if req.FallbackKeys, err = a.signKeys(unpublished, true); err != nil {
			return nil, err
		}
	}
	return req, a.saveLocked(ctx)
}

func (a *olmAccount) deviceKeysLocked() (*keys.DeviceKeys, error) {
	dev := &keys.DeviceKeys{
		UserID:     a.userID,
		DeviceID:   a.deviceID,
		Algorithms: []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmEd25519, string(a.deviceID)):    string(a.ed),
			id.NewKeyID(id.KeyAlgorithmCurve25519, string(a.deviceID)): string(a.curve),
		},
	}
	msg, err := signatures.Canonical(dev)
	if err != nil {
		return nil, err
	}
	sig, err := a.acc.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: sign device keys: %w", ErrBackend, err)
	}
	dev.Signatures = dev.Signatures.Add(a.userID, a.ownKeyID(), sig)
	return dev, nil
}

func (a *olmAccount) commitUpload(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acc.MarkKeysAsPublished()
	return a.saveLocked(ctx)
}

// newInboundSession creates a session from a pre-key message and decrypts
// it. persist runs before the one-time key is removed from the account, so
// a failure leaves both untouched.
func (a *olmAccount) newInboundSession(
	ctx context.Context,
	senderKey id.Curve25519,
	body string,
	persist func(ctx context.Context, sess driver.Session) error,
) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.acc.NewInboundSession(senderKey, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionException, err)
	}
	plaintext, err := sess.Decrypt(id.OlmMsgTypePreKey, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSessionException, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	if err := persist(ctx, sess); err != nil {
		return nil, err
	}
	if err := a.acc.RemoveOneTimeKeys(sess); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if err := a.saveLocked(ctx); err != nil {
		return nil, err
	}
	return plaintext, nil
}
