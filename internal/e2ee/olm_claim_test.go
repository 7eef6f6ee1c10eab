package e2ee

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/driver"
	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/transport"
	"github.com/arko-chat/e2ee/internal/transport/loopback"
)

var errHomeserverDown = errors.New("homeserver unreachable")

// claimHook records every claim request and lets a test rewrite the answer.
type claimHook struct {
	transport.Transport

	mu       sync.Mutex
	requests []keys.ClaimRequest
	rewrite  func(call int, resp *keys.ClaimResponse, err error) (*keys.ClaimResponse, error)
}

func (h *claimHook) ClaimOneTimeKeys(ctx context.Context, req keys.ClaimRequest) (*keys.ClaimResponse, error) {
	h.mu.Lock()
	h.requests = append(h.requests, req)
	call := len(h.requests)
	h.mu.Unlock()

	resp, err := h.Transport.ClaimOneTimeKeys(ctx, req)
	if h.rewrite != nil {
		return h.rewrite(call, resp, err)
	}
	return resp, err
}

func (h *claimHook) Requests() []keys.ClaimRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]keys.ClaimRequest(nil), h.requests...)
}

func withTransport(tr transport.Transport) func(*Options) {
	return func(o *Options) { o.Transport = tr }
}

func testExhaustedKeysReportNoKeyAvailable(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	a := newTestMachine(t, d, srv, alice, "A1")
	newTestMachine(t, d, srv, bob, "B1")
	srv.ExhaustKeys(bob, "B1")
	bobB1 := keys.UserDevice{UserID: bob, DeviceID: "B1"}

	res, err := a.SendToDevice(ctx, "m.test", textContent{"hi"}, []keys.UserDevice{bobB1})
	require.NoError(t, err)
	assert.Zero(t, res.Messages.Len())
	require.Contains(t, res.Failed, bobB1)
	assert.ErrorIs(t, res.Failed[bobB1], ErrNoKeyAvailable)

	// The batch came back empty so the device was retried on its own.
	calls, claimed := srv.ClaimCalls()
	assert.Equal(t, 2, calls)
	assert.Zero(t, claimed)

	_, err = a.Sessions.GetOrCreateSession(ctx, bob, "B1")
	require.ErrorIs(t, err, ErrNoKeyAvailable)
}

func testClaimTransportFailure(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	hook := &claimHook{
		Transport: srv.Client(alice, "A1"),
		rewrite: func(int, *keys.ClaimResponse, error) (*keys.ClaimResponse, error) {
			return nil, errHomeserverDown
		},
	}
	a := newTestMachine(t, d, srv, alice, "A1", withTransport(hook))
	newTestMachine(t, d, srv, bob, "B1")
	newTestMachine(t, d, srv, bob, "B2")
	targets := []keys.UserDevice{{UserID: bob, DeviceID: "B1"}, {UserID: bob, DeviceID: "B2"}}

	res, err := a.SendToDevice(ctx, "m.test", textContent{"hi"}, targets)
	require.NoError(t, err)
	assert.Zero(t, res.Messages.Len())
	for _, dev := range targets {
		require.Contains(t, res.Failed, dev)
		assert.ErrorIs(t, res.Failed[dev], ErrKeyClaim)
		assert.ErrorIs(t, res.Failed[dev], errHomeserverDown)
	}
	// A failed batch is not retried per device.
	assert.Len(t, hook.Requests(), 1)

	_, err = a.Sessions.GetOrCreateSession(ctx, bob, "B1")
	require.ErrorIs(t, err, ErrKeyClaim)
	assert.Len(t, hook.Requests(), 2)
}

func testClaimedKeyWithBadSignature(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	imposter := newTestMachine(t, d, srv, mallory, "M1")
	_, forged := imposter.IdentityKeys()
	hook := &claimHook{
		Transport: srv.Client(alice, "A1"),
		rewrite: func(_ int, resp *keys.ClaimResponse, err error) (*keys.ClaimResponse, error) {
			if err != nil {
				return nil, err
			}
			for _, devices := range resp.OneTimeKeys {
				for deviceID, claimed := range devices {
					claimed.Key = forged
					devices[deviceID] = claimed
				}
			}
			return resp, nil
		},
	}
	a := newTestMachine(t, d, srv, alice, "A1", withTransport(hook))
	newTestMachine(t, d, srv, bob, "B1")
	bobB1 := keys.UserDevice{UserID: bob, DeviceID: "B1"}

	res, err := a.SendToDevice(ctx, "m.test", textContent{"hi"}, []keys.UserDevice{bobB1})
	require.NoError(t, err)
	require.Contains(t, res.Failed, bobB1)
	assert.ErrorIs(t, res.Failed[bobB1], ErrNoKeyAvailable)
	assert.Zero(t, res.Messages.Len())
	assert.Empty(t, srv.Drain(bob, "B1"))

	bobDev, err := a.store.GetDevice(ctx, bob, "B1")
	require.NoError(t, err)
	sessions, err := a.store.GetOlmSessions(ctx, bobDev.Curve25519())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func testBatchedClaimForManyDevices(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	hook := &claimHook{Transport: srv.Client(alice, "A1")}
	a := newTestMachine(t, d, srv, alice, "A1", withTransport(hook))
	recipients := []*Machine{
		newTestMachine(t, d, srv, bob, "B1"),
		newTestMachine(t, d, srv, bob, "B2"),
		newTestMachine(t, d, srv, carol, "C1"),
	}
	var targets []keys.UserDevice
	for _, m := range recipients {
		targets = append(targets, keys.UserDevice{UserID: m.userID, DeviceID: m.deviceID})
	}

	res, err := a.SendToDevice(ctx, "m.test", textContent{"all of you"}, targets)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 3, res.Messages.Len())

	requests := hook.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, 3, requests[0].Len())
	calls, claimed := srv.ClaimCalls()
	assert.Equal(t, 1, calls)
	assert.Equal(t, 3, claimed)

	for _, m := range recipients {
		outs := receive(t, srv, m)
		require.Len(t, outs, 1)
		requireDecrypted(t, outs)
		assert.Equal(t, "all of you", bodyOf(t, outs[0].Decrypted))
	}
}

func testClaimRetriesDevicesMissingFromBatch(t *testing.T, d driver.Driver) {
	ctx := context.Background()
	srv := loopback.NewServer()
	hook := &claimHook{
		Transport: srv.Client(alice, "A1"),
		rewrite: func(call int, resp *keys.ClaimResponse, err error) (*keys.ClaimResponse, error) {
			if err == nil && call == 1 {
				delete(resp.OneTimeKeys[carol], "C1")
				resp.Failures = map[string]string{"example.org": "timeout"}
			}
			return resp, err
		},
	}
	a := newTestMachine(t, d, srv, alice, "A1", withTransport(hook))
	b := newTestMachine(t, d, srv, bob, "B1")
	c := newTestMachine(t, d, srv, carol, "C1")
	targets := []keys.UserDevice{{UserID: bob, DeviceID: "B1"}, {UserID: carol, DeviceID: "C1"}}

	res, err := a.SendToDevice(ctx, "m.test", textContent{"retry"}, targets)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 2, res.Messages.Len())

	requests := hook.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, 2, requests[0].Len())
	assert.Equal(t, 1, requests[1].Len())
	assert.Contains(t, requests[1][carol], id.DeviceID("C1"))

	for _, m := range []*Machine{b, c} {
		outs := receive(t, srv, m)
		require.Len(t, outs, 1)
		requireDecrypted(t, outs)
		assert.Equal(t, "retry", bodyOf(t, outs[0].Decrypted))
	}
}
