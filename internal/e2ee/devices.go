package e2ee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/cache"
	"github.com/arko-chat/e2ee/internal/crypto/signatures"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
	"github.com/arko-chat/e2ee/internal/transport"
	"github.com/arko-chat/e2ee/internal/trust"
)

const defaultQueryTTL = 30 * time.Second

// DeviceTracker keeps the device lists in the store current. Users are
// re-queried lazily once the server flagged their list as changed.
type DeviceTracker struct {
	store     store.KeyStore
	transport transport.Transport
	trust     *trust.Engine
	queries   *cache.TTL[int]
	log       *slog.Logger
}

func newDeviceTracker(ks store.KeyStore, tr transport.Transport, te *trust.Engine, logger *slog.Logger) *DeviceTracker {
	return &DeviceTracker{
		store:     ks,
		transport: tr,
		trust:     te,
		queries:   cache.NewTTL[int](defaultQueryTTL),
		log:       logger,
	}
}

// MarkOutdated records a server-signalled device list change.
func (t *DeviceTracker) MarkOutdated(ctx context.Context, users ...id.UserID) error {
	if len(users) == 0 {
		return nil
	}
	if err := t.store.MarkOutdated(ctx, users...); err != nil {
		return err
	}
	t.queries.Clear()
	for _, user := range users {
		t.trust.DeviceListChanged(user)
	}
	return nil
}

// GetDevices returns the devices of every user, querying the server for
// users whose list is outdated first.
func (t *DeviceTracker) GetDevices(ctx context.Context, users ...id.UserID) (map[id.UserID]map[id.DeviceID]*keys.DeviceKeys, error) {
	var outdated []id.UserID
	for _, user := range users {
		stale, err := t.store.IsOutdated(ctx, user)
		if err != nil {
			return nil, err
		}
		if stale {
			outdated = append(outdated, user)
		}
	}
	if len(outdated) > 0 {
		if err := t.refresh(ctx, outdated); err != nil {
			return nil, err
		}
	}

	out := make(map[id.UserID]map[id.DeviceID]*keys.DeviceKeys, len(users))
	for _, user := range users {
		devices, err := t.store.GetDevices(ctx, user)
		if err != nil {
			return nil, err
		}
		out[user] = devices
	}
	return out, nil
}

func (t *DeviceTracker) refresh(ctx context.Context, users []id.UserID) error {
	sorted := slices.Clone(users)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	names := make([]string, len(sorted))
	for i, user := range sorted {
		names[i] = string(user)
	}
	_, err := t.queries.Get(strings.Join(names, ","), func() (int, error) {
		return t.query(ctx, sorted)
	})
	return err
}

func (t *DeviceTracker) query(ctx context.Context, users []id.UserID) (int, error) {
	resp, err := t.transport.QueryKeys(ctx, users)
	if err != nil {
		return 0, fmt.Errorf("query keys: %w", err)
	}
	for server, reason := range resp.Failures {
		t.log.Warn("key query failed for server", "server", server, "reason", reason)
	}

	updated := 0
	for _, user := range users {
		devices, ok := resp.DeviceKeys[user]
		if !ok {
			continue
		}
		old, err := t.store.GetDevices(ctx, user)
		if err != nil {
			return updated, err
		}
		valid := make(map[id.DeviceID]*keys.DeviceKeys, len(devices))
		for deviceID, dev := range devices {
			if err := validateDevice(user, deviceID, dev); err != nil {
				t.log.Warn("ignoring device with bad keys", "user", user, "device", deviceID, "err", err)
				continue
			}
			if prev, ok := old[deviceID]; ok && prev.Ed25519() != dev.Ed25519() {
				t.log.Warn("device changed its ed25519 key, keeping the old one",
					"user", user,
					"device", deviceID,
				)
				valid[deviceID] = prev
				continue
			}
			valid[deviceID] = dev
		}
		if err := t.store.PutDevices(ctx, user, valid); err != nil {
			return updated, err
		}
		if csk, ok := resp.CrossSigning[user]; ok && !csk.Empty() {
			if err := t.store.PutCrossSigningKeys(ctx, user, csk); err != nil {
				return updated, err
			}
			t.trust.CrossSigningKeysChanged(user)
		}
		t.trust.DeviceListChanged(user)
		updated++
	}
	t.log.Debug("queried device keys", "users", len(users), "updated", updated)
	return updated, nil
}

func validateDevice(userID id.UserID, deviceID id.DeviceID, dev *keys.DeviceKeys) error {
	if dev == nil || dev.UserID != userID || dev.DeviceID != deviceID {
		return errors.New("user or device id mismatch")
	}
	if dev.Ed25519() == "" || dev.Curve25519() == "" {
		return errors.New("missing identity keys")
	}
	keyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(deviceID))
	return signatures.VerifyJSON(dev, userID, keyID, dev.Ed25519())
}

// FindByKey resolves the device that owns an identity key. Unknown keys
// trigger a query for sender before giving up; repeated misses within the
// query TTL are answered from the cache.
func (t *DeviceTracker) FindByKey(ctx context.Context, sender id.UserID, identityKey id.Curve25519) (*keys.DeviceKeys, error) {
	dev, err := t.store.FindDeviceByKey(ctx, identityKey)
	if errors.Is(err, store.ErrNotFound) {
		if err := t.refresh(ctx, []id.UserID{sender}); err != nil {
			return nil, err
		}
		dev, err = t.store.FindDeviceByKey(ctx, identityKey)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s with key %s", ErrUnknownDevice, sender, identityKey)
	} else if err != nil {
		return nil, err
	}
	if dev.UserID != sender {
		return nil, fmt.Errorf("%w: key %s belongs to %s, not %s", ErrValidationFailed, identityKey, dev.UserID, sender)
	}
	return dev, nil
}
