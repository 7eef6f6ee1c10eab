package e2ee

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/arko-chat/e2ee/internal/transport"
)

const defaultDecryptWorkers = 4

// Handler receives decrypted events. Returned errors and panics are logged
// and do not stop delivery to other handlers.
type Handler func(ctx context.Context, evt *Decrypted) error

type subscriber struct {
	id uint64
	fn Handler
}

// Outcome is the result for one input event, in input order.
type Outcome struct {
	Decrypted *Decrypted
	Err       error
}

// DecrypterDispatcher decrypts batches of events and fans the plaintext
// out to subscribers. Decryption of a batch runs concurrently; delivery
// follows input order and subscription order.
type DecrypterDispatcher struct {
	olm     *OlmEncryptionService
	megolm  *MegolmSessionManager
	workers int
	log     *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   atomic.Pointer[[]subscriber]
}

func newDecrypterDispatcher(olm *OlmEncryptionService, megolm *MegolmSessionManager, workers int, logger *slog.Logger) *DecrypterDispatcher {
	if workers <= 0 {
		workers = defaultDecryptWorkers
	}
	d := &DecrypterDispatcher{olm: olm, megolm: megolm, workers: workers, log: logger}
	d.subs.Store(&[]subscriber{})
	return d
}

// Subscribe registers fn and returns a function that removes it again.
func (d *DecrypterDispatcher) Subscribe(fn Handler) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subID := d.nextID
	next := append(slices.Clone(*d.subs.Load()), subscriber{id: subID, fn: fn})
	d.subs.Store(&next)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			next := slices.DeleteFunc(slices.Clone(*d.subs.Load()), func(s subscriber) bool {
				return s.id == subID
			})
			d.subs.Store(&next)
		})
	}
}

// HandleOlmEvents decrypts to-device events. Room keys among them are
// imported before subscribers see them.
func (d *DecrypterDispatcher) HandleOlmEvents(ctx context.Context, events []transport.ToDeviceEvent) ([]Outcome, error) {
	return dispatch(ctx, d, events, d.decryptOlm)
}

func (d *DecrypterDispatcher) HandleMegolmEvents(ctx context.Context, events []RoomEvent) ([]Outcome, error) {
	return dispatch(ctx, d, events, d.megolm.Decrypt)
}

func (d *DecrypterDispatcher) decryptOlm(ctx context.Context, evt transport.ToDeviceEvent) (*Decrypted, error) {
	if evt.Type != TypeToDeviceEncrypted {
		return nil, fmt.Errorf("%w: unencrypted %s", ErrDropped, evt.Type)
	}
	dec, err := d.olm.Decrypt(ctx, evt)
	if err != nil {
		return nil, err
	}
	switch dec.Type {
	case TypeRoomKey:
		var content RoomKeyContent
		if err := json.Unmarshal(dec.Content, &content); err != nil {
			return nil, fmt.Errorf("%w: parse room key: %w", ErrValidationFailed, err)
		}
		if err := d.megolm.ImportRoomKey(ctx, dec.device, content); err != nil {
			return nil, err
		}
	case TypeForwardedRoomKey:
		var content ForwardedRoomKeyContent
		if err := json.Unmarshal(dec.Content, &content); err != nil {
			return nil, fmt.Errorf("%w: parse forwarded room key: %w", ErrValidationFailed, err)
		}
		if err := d.megolm.ImportForwardedRoomKey(ctx, dec.device, content); err != nil {
			return nil, err
		}
		dec.Forwarded = true
	}
	return dec, nil
}

func dispatch[E any](
	ctx context.Context,
	d *DecrypterDispatcher,
	events []E,
	decrypt func(context.Context, E) (*Decrypted, error),
) ([]Outcome, error) {
	outcomes := make([]Outcome, len(events))
	done := make([]chan struct{}, len(events))
	for i := range done {
		done[i] = make(chan struct{})
	}

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(d.workers)
	go func() {
		for i, evt := range events {
			if wctx.Err() != nil {
				return
			}
			g.Go(func() error {
				defer close(done[i])
				defer func() {
					if r := recover(); r != nil {
						outcomes[i] = Outcome{Err: fmt.Errorf("%w: panic during decryption: %v", ErrBackend, r)}
					}
				}()
				dec, err := decrypt(wctx, evt)
				outcomes[i] = Outcome{Decrypted: dec, Err: err}
				return nil
			})
		}
	}()

	for i := range events {
		select {
		case <-done[i]:
		case <-ctx.Done():
			return outcomes[:i], ctx.Err()
		}
		out := outcomes[i]
		if out.Err != nil {
			d.logFailure(out.Err)
			continue
		}
		d.deliver(ctx, out.Decrypted)
	}
	return outcomes, nil
}

func (d *DecrypterDispatcher) logFailure(err error) {
	switch {
	case errors.Is(err, ErrDropped):
		d.log.Debug("dropped event", "err", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	default:
		d.log.Warn("failed to decrypt event", "err", err)
	}
}

func (d *DecrypterDispatcher) deliver(ctx context.Context, evt *Decrypted) {
	for _, sub := range *d.subs.Load() {
		if ctx.Err() != nil {
			return
		}
		d.call(ctx, sub, evt)
	}
}

func (d *DecrypterDispatcher) call(ctx context.Context, sub subscriber, evt *Decrypted) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("subscriber panicked",
				"subscriber", sub.id,
				"type", evt.Type,
				"panic", r,
			)
		}
	}()
	if err := sub.fn(ctx, evt); err != nil {
		d.log.Warn("subscriber failed",
			"subscriber", sub.id,
			"type", evt.Type,
			"sender", evt.Sender,
			"err", err,
		)
	}
}
