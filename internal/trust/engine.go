package trust

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/store"
)

const DefaultCacheSize = 1024

// Engine caches Calculate results. The cache is only a projection of the
// key store and is invalidated whenever a key in a chain may have changed.
type Engine struct {
	ownUserID id.UserID
	store     store.KeyStore
	cache     *lru.Cache[string, Result]
	log       *slog.Logger
}

func NewEngine(ownUserID id.UserID, ks store.KeyStore, size int, logger *slog.Logger) *Engine {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails for non-positive sizes.
	cache, _ := lru.New[string, Result](size)
	return &Engine{
		ownUserID: ownUserID,
		store:     ks,
		cache:     cache,
		log:       logger,
	}
}

func cacheKey(userID id.UserID, parts ...string) string {
	return string(userID) + "|" + strings.Join(parts, "|")
}

// snapshot loads the cross-signing keys of userID and of our own user, plus
// every verification decision that Calculate could consult.
func (e *Engine) snapshot(ctx context.Context, userID id.UserID, extra ...string) (*Snapshot, error) {
	s := &Snapshot{
		OwnUserID:    e.ownUserID,
		CrossSigning: make(map[id.UserID]*keys.CrossSigningKeys, 2),
		Verification: make(map[string]keys.VerificationState),
	}
	wanted := extra
	for _, user := range []id.UserID{userID, e.ownUserID} {
		if _, ok := s.CrossSigning[user]; ok {
			continue
		}
		csk, err := e.store.GetCrossSigningKeys(ctx, user)
		if errors.Is(err, store.ErrNotFound) {
			s.CrossSigning[user] = nil
			continue
		} else if err != nil {
			return nil, err
		}
		s.CrossSigning[user] = csk
		for _, k := range []*keys.CrossSigningKey{csk.Master, csk.SelfSigning, csk.UserSigning} {
			if k == nil {
				continue
			}
			if _, pub := k.Key(); pub != "" {
				wanted = append(wanted, string(pub))
			}
		}
	}
	for _, key := range wanted {
		state, err := e.store.GetVerification(ctx, key)
		if err != nil {
			return nil, err
		}
		if state != keys.Unset {
			s.Verification[key] = state
		}
	}
	return s, nil
}

// DeviceTrust never fails; store errors are logged and reported as Unknown.
func (e *Engine) DeviceTrust(ctx context.Context, dev *keys.DeviceKeys) Result {
	if dev == nil {
		return Result{Level: Unknown}
	}
	key := cacheKey(dev.UserID, string(dev.DeviceID), string(dev.Ed25519()))
	if res, ok := e.cache.Get(key); ok {
		return res
	}
	s, err := e.snapshot(ctx, dev.UserID, string(dev.Ed25519()))
	if err != nil {
		e.log.Warn("failed to load keys for trust", "user", dev.UserID, "device", dev.DeviceID, "err", err)
		return Result{Level: Unknown}
	}
	res := Calculate(s, DeviceTarget(dev))
	e.cache.Add(key, res)
	return res
}

func (e *Engine) CrossSigningKeyTrust(ctx context.Context, userID id.UserID, usage keys.CrossSigningUsage) Result {
	key := cacheKey(userID, "cs", string(usage))
	if res, ok := e.cache.Get(key); ok {
		return res
	}
	s, err := e.snapshot(ctx, userID)
	if err != nil {
		e.log.Warn("failed to load keys for trust", "user", userID, "usage", usage, "err", err)
		return Result{Level: Unknown}
	}
	res := Calculate(s, CrossSigningTarget(userID, usage))
	e.cache.Add(key, res)
	return res
}

// DeviceTrustByID looks the device up first. Unknown devices are Unknown.
func (e *Engine) DeviceTrustByID(ctx context.Context, userID id.UserID, deviceID id.DeviceID) Result {
	dev, err := e.store.GetDevice(ctx, userID, deviceID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.log.Warn("failed to load device for trust", "user", userID, "device", deviceID, "err", err)
		}
		return Result{Level: Unknown}
	}
	return e.DeviceTrust(ctx, dev)
}

func (e *Engine) invalidateUser(userID id.UserID) {
	if userID == e.ownUserID {
		// Our own keys anchor every other user's chain.
		e.cache.Purge()
		return
	}
	prefix := string(userID) + "|"
	for _, key := range e.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			e.cache.Remove(key)
		}
	}
}

func (e *Engine) DeviceListChanged(userID id.UserID) {
	e.invalidateUser(userID)
}

func (e *Engine) CrossSigningKeysChanged(userID id.UserID) {
	e.invalidateUser(userID)
}

// VerificationChanged drops everything: a single key decision can anchor
// chains of many users.
func (e *Engine) VerificationChanged() {
	e.cache.Purge()
}

// SetVerification stores a local decision and invalidates the cache.
func (e *Engine) SetVerification(ctx context.Context, key string, state keys.VerificationState) error {
	if err := e.store.PutVerification(ctx, key, state); err != nil {
		return err
	}
	e.VerificationChanged()
	return nil
}
