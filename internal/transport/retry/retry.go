// Package retry wraps a transport so transient homeserver failures are
// retried with exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/transport"
)

const (
	DefaultMaxRetries      = 4
	DefaultInitialInterval = 250 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

type Options struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Logger          *slog.Logger
}

type Transport struct {
	next transport.Transport
	opts Options
	log  *slog.Logger
}

var _ transport.Transport = (*Transport)(nil)

func New(next transport.Transport, opts Options) *Transport {
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = DefaultInitialInterval
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = DefaultMaxInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{next: next, opts: opts, log: logger}
}

func (t *Transport) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.opts.InitialInterval
	b.MaxInterval = t.opts.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, t.opts.MaxRetries), ctx)
}

// Permanent reports whether retrying err cannot help.
func Permanent(err error) bool {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, transport.ErrUnknownRoom), errors.Is(err, transport.ErrUnknownUser):
		return true
	}
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		code := httpErr.Response.StatusCode
		return code >= 400 && code < 500 && code != http.StatusTooManyRequests
	}
	return false
}

func do[T any](ctx context.Context, t *Transport, op string, fn func(context.Context) (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(func() (T, error) {
		res, err := fn(ctx)
		if err != nil && Permanent(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}, t.backOff(ctx), func(err error, wait time.Duration) {
		t.log.Warn("transport call failed, retrying",
			"op", op,
			"wait", wait,
			"err", err,
		)
	})
}

func (t *Transport) ClaimOneTimeKeys(ctx context.Context, req keys.ClaimRequest) (*keys.ClaimResponse, error) {
	return do(ctx, t, "claim_keys", func(ctx context.Context) (*keys.ClaimResponse, error) {
		return t.next.ClaimOneTimeKeys(ctx, req)
	})
}

// SendToDevice pins one transaction ID across all attempts.
func (t *Transport) SendToDevice(ctx context.Context, eventType string, msgs transport.ToDeviceMessages) error {
	if _, ok := transport.TxnID(ctx); !ok {
		ctx = transport.WithTxnID(ctx, uuid.NewString())
	}
	_, err := do(ctx, t, "send_to_device", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, t.next.SendToDevice(ctx, eventType, msgs)
	})
	return err
}

func (t *Transport) QueryKeys(ctx context.Context, users []id.UserID) (*keys.QueryResponse, error) {
	return do(ctx, t, "query_keys", func(ctx context.Context) (*keys.QueryResponse, error) {
		return t.next.QueryKeys(ctx, users)
	})
}

func (t *Transport) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	return do(ctx, t, "joined_members", func(ctx context.Context) ([]id.UserID, error) {
		return t.next.JoinedMembers(ctx, roomID)
	})
}

func (t *Transport) UploadKeys(ctx context.Context, req *keys.UploadRequest) (map[id.KeyAlgorithm]int, error) {
	return do(ctx, t, "upload_keys", func(ctx context.Context) (map[id.KeyAlgorithm]int, error) {
		return t.next.UploadKeys(ctx, req)
	})
}
