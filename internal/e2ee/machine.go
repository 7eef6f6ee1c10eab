// Package e2ee is the end-to-end encryption engine: Olm sessions with
// remote devices, Megolm sessions for rooms, and the dispatcher that turns
// incoming ciphertext into plaintext for subscribers.
package e2ee

import (
	"context"
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

type Options struct {
	UserID    id.UserID
	DeviceID  id.DeviceID
	Driver    driver.Driver
	Store     store.Store
	Transport transport.Transport
	PickleKey []byte
	Logger    *slog.Logger

	Rotation          RotationPolicy
	DecryptWorkers    int
	DeviceConcurrency int
	TrustCacheSize    int
}

// Machine wires the engine together for one device.
type Machine struct {
	userID    id.UserID
	deviceID  id.DeviceID
	account   *olmAccount
	store     store.Store
	transport transport.Transport
	log       *slog.Logger

	Trust      *trust.Engine
	Devices    *DeviceTracker
	Sessions   *OlmSessionManager
	Olm        *OlmEncryptionService
	Megolm     *MegolmSessionManager
	Dispatcher *DecrypterDispatcher
}

func NewMachine(ctx context.Context, opts Options) (*Machine, error) {
	if opts.UserID == "" || opts.DeviceID == "" {
		return nil, errors.New("user and device id are required")
	}
	if opts.Driver == nil || opts.Store == nil || opts.Transport == nil {
		return nil, errors.New("driver, store and transport are required")
	}
	if len(opts.PickleKey) == 0 {
		return nil, errors.New("pickle key is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("user", opts.UserID, "device", opts.DeviceID)
	if opts.DeviceConcurrency <= 0 {
		opts.DeviceConcurrency = defaultDeviceConcurrency
	}

	account, err := loadAccount(ctx, opts.Driver, opts.Store, opts.PickleKey, opts.UserID, opts.DeviceID, logger)
	if err != nil {
		return nil, err
	}

	te := trust.NewEngine(opts.UserID, opts.Store, opts.TrustCacheSize, logger.With("component", "trust"))
	devices := newDeviceTracker(opts.Store, opts.Transport, te, logger.With("component", "devices"))
	sessions := newOlmSessionManager(opts.Driver, opts.PickleKey, account, opts.Store, opts.Transport, logger.With("component", "olm"))
	olm := &OlmEncryptionService{
		sessions:    sessions,
		devices:     devices,
		trust:       te,
		account:     account,
		transport:   opts.Transport,
		concurrency: opts.DeviceConcurrency,
		log:         logger.With("component", "olm"),
	}
	megolm := &MegolmSessionManager{
		driver:       opts.Driver,
		pickleKey:    opts.PickleKey,
		account:      account,
		store:        opts.Store,
		olm:          olm,
		devices:      devices,
		trust:        te,
		transport:    opts.Transport,
		policy:       opts.Rotation.withDefaults(),
		roomLocks:    newKeyedMutex[id.RoomID](),
		sessionLocks: newKeyedMutex[roomSession](),
		now:          time.Now,
		log:          logger.With("component", "megolm"),
	}

	return &Machine{
		userID:     opts.UserID,
		deviceID:   opts.DeviceID,
		account:    account,
		store:      opts.Store,
		transport:  opts.Transport,
		log:        logger,
		Trust:      te,
		Devices:    devices,
		Sessions:   sessions,
		Olm:        olm,
		Megolm:     megolm,
		Dispatcher: newDecrypterDispatcher(olm, megolm, opts.DecryptWorkers, logger.With("component", "dispatcher")),
	}, nil
}

func (m *Machine) UserID() id.UserID     { return m.userID }
func (m *Machine) DeviceID() id.DeviceID { return m.deviceID }

func (m *Machine) IdentityKeys() (id.Ed25519, id.Curve25519) {
	return m.account.IdentityKeys()
}

func (m *Machine) DeviceKeys() (*keys.DeviceKeys, error) {
	return m.account.DeviceKeys()
}

// ShareKeys uploads our device keys and tops up one-time keys. serverCount
// is the number of one-time keys the server reported as unclaimed, or -1
// on first start when device keys have not been uploaded yet.
func (m *Machine) ShareKeys(ctx context.Context, serverCount int) error {
	first := serverCount < 0
	if first {
		serverCount = 0
	}
	req, err := m.account.prepareUpload(ctx, serverCount, first)
	if err != nil {
		return err
	}
	if req.DeviceKeys == nil && len(req.OneTimeKeys) == 0 && len(req.FallbackKeys) == 0 {
		return nil
	}
	counts, err := m.transport.UploadKeys(ctx, req)
	if err != nil {
		return fmt.Errorf("upload keys: %w", err)
	}
	if err := m.account.commitUpload(ctx); err != nil {
		return err
	}
	m.log.Info("uploaded keys",
		"device_keys", req.DeviceKeys != nil,
		"one_time_keys", len(req.OneTimeKeys),
		"fallback_keys", len(req.FallbackKeys),
		"server_count", counts[id.KeyAlgorithmSignedCurve25519],
	)
	return nil
}

// HandleOneTimeKeyCounts reacts to the unclaimed key counts of a sync
// response.
func (m *Machine) HandleOneTimeKeyCounts(ctx context.Context, counts map[id.KeyAlgorithm]int) error {
	count := counts[id.KeyAlgorithmSignedCurve25519]
	if count >= m.account.acc.MaxOneTimeKeys()/2 {
		return nil
	}
	return m.ShareKeys(ctx, count)
}

// HandleDeviceListChanges marks users whose device list changed; they are
// queried again the next time we need their devices.
func (m *Machine) HandleDeviceListChanges(ctx context.Context, changed []id.UserID) error {
	return m.Devices.MarkOutdated(ctx, changed...)
}

// SetKeyVerification records a local decision about a device or
// cross-signing key.
func (m *Machine) SetKeyVerification(ctx context.Context, key string, state keys.VerificationState) error {
	return m.Trust.SetVerification(ctx, key, state)
}

// EncryptToDevice encrypts content for the given devices of the given
// users, resolving their keys first.
func (m *Machine) EncryptToDevice(ctx context.Context, eventType string, content any, targets []keys.UserDevice) (*EncryptResult, error) {
	users := make([]id.UserID, 0, len(targets))
	for _, t := range targets {
		users = append(users, t.UserID)
	}
	known, err := m.Devices.GetDevices(ctx, users...)
	if err != nil {
		return nil, err
	}
	var recipients []*keys.DeviceKeys
	unknown := make(map[keys.UserDevice]error)
	for _, t := range targets {
		dev, ok := known[t.UserID][t.DeviceID]
		if !ok {
			unknown[t] = fmt.Errorf("%w: %s", ErrUnknownDevice, t)
			continue
		}
		recipients = append(recipients, dev)
	}
	res, err := m.Olm.Encrypt(ctx, eventType, content, recipients)
	if err != nil {
		return nil, err
	}
	for t, err := range unknown {
		res.Failed[t] = err
	}
	return res, nil
}

// SendToDevice encrypts and sends in one step.
func (m *Machine) SendToDevice(ctx context.Context, eventType string, content any, targets []keys.UserDevice) (*EncryptResult, error) {
	res, err := m.EncryptToDevice(ctx, eventType, content, targets)
	if err != nil {
		return nil, err
	}
	if res.Messages.Len() == 0 {
		return res, nil
	}
	return res, m.transport.SendToDevice(ctx, TypeToDeviceEncrypted, res.Messages)
}

func (m *Machine) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, eventType string, content any) (*MegolmContent, error) {
	return m.Megolm.EncryptRoomEvent(ctx, roomID, eventType, content)
}

func (m *Machine) DecryptToDevice(ctx context.Context, evt transport.ToDeviceEvent) (*Decrypted, error) {
	return m.Dispatcher.decryptOlm(ctx, evt)
}

func (m *Machine) DecryptRoomEvent(ctx context.Context, evt RoomEvent) (*Decrypted, error) {
	return m.Megolm.Decrypt(ctx, evt)
}

func (m *Machine) Subscribe(fn Handler) (unsubscribe func()) {
	return m.Dispatcher.Subscribe(fn)
}

func (m *Machine) HandleOlmEvents(ctx context.Context, events []transport.ToDeviceEvent) ([]Outcome, error) {
	return m.Dispatcher.HandleOlmEvents(ctx, events)
}

func (m *Machine) HandleMegolmEvents(ctx context.Context, events []RoomEvent) ([]Outcome, error) {
	return m.Dispatcher.HandleMegolmEvents(ctx, events)
}
