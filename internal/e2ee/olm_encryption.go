package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/transport"
	"github.com/arko-chat/e2ee/internal/trust"
)

const defaultDeviceConcurrency = 8

// OlmEncryptionService encrypts to-device events for many devices at once
// and decrypts the ones addressed to us.
type OlmEncryptionService struct {
	sessions    *OlmSessionManager
	devices     *DeviceTracker
	trust       *trust.Engine
	account     *olmAccount
	transport   transport.Transport
	concurrency int
	log         *slog.Logger
}

// EncryptResult holds one encrypted content per device that could be
// reached, and the reason for every device that could not.
type EncryptResult struct {
	Messages transport.ToDeviceMessages
	Failed   map[keys.UserDevice]error
}

func (r *EncryptResult) fail(dev keys.UserDevice, err error) {
	r.Failed[dev] = err
}

// Encrypt encrypts one event for every recipient. Devices without a session
// get one-time keys claimed in a single batched request; devices the batch
// did not cover are retried one by one. A failing device never fails the
// others.
func (s *OlmEncryptionService) Encrypt(ctx context.Context, eventType string, content any, recipients []*keys.DeviceKeys) (*EncryptResult, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	res := &EncryptResult{
		Messages: make(transport.ToDeviceMessages),
		Failed:   make(map[keys.UserDevice]error),
	}

	var missing []*keys.DeviceKeys
	for _, dev := range recipients {
		ok, err := s.sessions.hasSession(ctx, dev)
		if err != nil {
			res.fail(dev.Ref(), err)
			continue
		}
		if !ok {
			missing = append(missing, dev)
		}
	}
	if len(missing) > 0 {
		s.createSessions(ctx, missing, res)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, dev := range recipients {
		if _, failed := res.Failed[dev.Ref()]; failed {
			continue
		}
		g.Go(func() error {
			out, err := s.encryptFor(gctx, dev, eventType, raw)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				res.fail(dev.Ref(), err)
				return nil
			}
			res.Messages.Add(dev.UserID, dev.DeviceID, out)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for dev, err := range res.Failed {
		s.log.Warn("could not encrypt to device", "user", dev.UserID, "device", dev.DeviceID, "err", err)
	}
	return res, nil
}

func (s *OlmEncryptionService) createSessions(ctx context.Context, missing []*keys.DeviceKeys, res *EncryptResult) {
	req := make(keys.ClaimRequest)
	for _, dev := range missing {
		req.Add(dev.UserID, dev.DeviceID)
	}
	claimed, err := s.transport.ClaimOneTimeKeys(ctx, req)
	if err != nil {
		for _, dev := range missing {
			res.fail(dev.Ref(), fmt.Errorf("%w: %w", ErrKeyClaim, err))
		}
		return
	}
	for server, reason := range claimed.Failures {
		s.log.Warn("one-time key claim failed for server", "server", server, "reason", reason)
	}

	var retry []*keys.DeviceKeys
	for _, dev := range missing {
		key, ok := claimed.Get(dev.UserID, dev.DeviceID)
		if !ok {
			retry = append(retry, dev)
			continue
		}
		if _, err := s.sessions.ensureSession(ctx, dev, key); err != nil {
			res.fail(dev.Ref(), err)
		}
	}
	if len(retry) == 0 {
		return
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, dev := range retry {
		g.Go(func() error {
			_, err := s.sessions.GetOrCreateSession(ctx, dev.UserID, dev.DeviceID)
			if err != nil {
				mu.Lock()
				res.fail(dev.Ref(), err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *OlmEncryptionService) encryptFor(ctx context.Context, dev *keys.DeviceKeys, eventType string, content json.RawMessage) (json.RawMessage, error) {
	ed, curve := s.account.IdentityKeys()
	plaintext, err := json.Marshal(olmPayload{
		Type:          eventType,
		Content:       content,
		Sender:        s.account.userID,
		SenderDevice:  s.account.deviceID,
		Keys:          ed25519Key{Ed25519: ed},
		Recipient:     dev.UserID,
		RecipientKeys: ed25519Key{Ed25519: dev.Ed25519()},
	})
	if err != nil {
		return nil, err
	}
	ct, err := s.sessions.Encrypt(ctx, dev, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(OlmContent{
		Algorithm:  id.AlgorithmOlmV1,
		Ciphertext: map[id.Curve25519]OlmCiphertext{dev.Curve25519(): ct},
		SenderKey:  curve,
	})
}

// Decrypt decrypts a to-device event. Events from devices we cannot
// identify and key requests are dropped with ErrDropped rather than
// treated as failures.
func (s *OlmEncryptionService) Decrypt(ctx context.Context, evt transport.ToDeviceEvent) (*Decrypted, error) {
	var content OlmContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return nil, fmt.Errorf("%w: parse olm content: %w", ErrValidationFailed, err)
	}
	if content.Algorithm != id.AlgorithmOlmV1 {
		return nil, fmt.Errorf("%w %q", ErrUnknownAlgorithm, content.Algorithm)
	}
	ownEd, ownCurve := s.account.IdentityKeys()
	ct, ok := content.Ciphertext[ownCurve]
	if !ok {
		s.log.Debug("olm event not addressed to this device", "sender", evt.Sender)
		return nil, fmt.Errorf("%w: no ciphertext for our key", ErrDropped)
	}

	dev, err := s.devices.FindByKey(ctx, evt.Sender, content.SenderKey)
	if errors.Is(err, ErrUnknownDevice) {
		s.log.Info("dropping olm event from unknown device",
			"sender", evt.Sender,
			"sender_key", content.SenderKey,
		)
		return nil, fmt.Errorf("%w: %w", ErrDropped, err)
	} else if err != nil {
		return nil, err
	}

	plaintext, err := s.sessions.Decrypt(ctx, dev, ct)
	if err != nil {
		return nil, err
	}
	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("%w: parse olm payload: %w", ErrValidationFailed, err)
	}
	switch {
	case payload.Sender != evt.Sender:
		return nil, fmt.Errorf("%w: payload sender %s does not match %s", ErrValidationFailed, payload.Sender, evt.Sender)
	case payload.Recipient != s.account.userID:
		return nil, fmt.Errorf("%w: payload recipient %s is not us", ErrValidationFailed, payload.Recipient)
	case payload.RecipientKeys.Ed25519 != ownEd:
		return nil, fmt.Errorf("%w: payload recipient key is not ours", ErrValidationFailed)
	case payload.Keys.Ed25519 != dev.Ed25519():
		return nil, fmt.Errorf("%w: payload signing key does not match device %s", ErrValidationFailed, dev.DeviceID)
	}

	if payload.Type == TypeRoomKeyRequest {
		s.log.Debug("dropping room key request", "sender", evt.Sender, "device", dev.DeviceID)
		return nil, fmt.Errorf("%w: room key request", ErrDropped)
	}
	return &Decrypted{
		Source:       SourceOlm,
		Type:         payload.Type,
		Content:      payload.Content,
		Sender:       evt.Sender,
		SenderDevice: dev.DeviceID,
		SenderKey:    content.SenderKey,
		Trust:        s.trust.DeviceTrust(ctx, dev),
		device:       dev,
	}, nil
}
