package mxclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/transport"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   string
}

type fakeHomeserver struct {
	mu       sync.Mutex
	requests []recorded
	replies  map[string]string
}

func (f *fakeHomeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, recorded{
		method: r.Method,
		path:   r.URL.EscapedPath(),
		auth:   r.Header.Get("Authorization"),
		body:   string(body),
	})
	reply, ok := f.replies[r.Method+" "+r.URL.EscapedPath()]
	f.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `{"errcode":"M_FORBIDDEN","error":"not allowed"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func (f *fakeHomeserver) last() recorded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func newTestClient(t *testing.T, replies map[string]string) (*Client, *fakeHomeserver) {
	t.Helper()
	hs := &fakeHomeserver{replies: replies}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	c, err := Dial(srv.URL, "@alice:example.org", "A1", "secret", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return c, hs
}

func TestClaimOneTimeKeys(t *testing.T) {
	c, hs := newTestClient(t, map[string]string{
		"POST /_matrix/client/v3/keys/claim": `{
			"one_time_keys": {"@bob:example.org": {"B1": {"signed_curve25519:AAAA": {"key": "curve", "signatures": {"@bob:example.org": {"ed25519:B1": "sig"}}}}}},
			"failures": {"down.example.org": {"errcode": "M_UNREACHABLE"}}
		}`,
	})
	req := make(keys.ClaimRequest)
	req.Add("@bob:example.org", "B1")
	resp, err := c.ClaimOneTimeKeys(context.Background(), req)
	require.NoError(t, err)

	claimed, ok := resp.Get("@bob:example.org", "B1")
	require.True(t, ok)
	assert.Equal(t, id.KeyID("signed_curve25519:AAAA"), claimed.KeyID)
	assert.Equal(t, id.Curve25519("curve"), claimed.Key)
	sig, ok := claimed.Signatures.Get("@bob:example.org", "ed25519:B1")
	assert.True(t, ok)
	assert.Equal(t, "sig", sig)
	assert.Contains(t, resp.Failures, "down.example.org")

	sent := hs.last()
	assert.Equal(t, "Bearer secret", sent.auth)
	assert.JSONEq(t, `{"one_time_keys":{"@bob:example.org":{"B1":"signed_curve25519"}},"timeout":10000}`, sent.body)
}

func TestSendToDeviceUsesContextTxnID(t *testing.T) {
	c, hs := newTestClient(t, map[string]string{
		"PUT /_matrix/client/v3/sendToDevice/m.room.encrypted/txn-1": `{}`,
	})
	msgs := make(transport.ToDeviceMessages)
	msgs.Add("@bob:example.org", "B1", json.RawMessage(`{"algorithm":"m.olm.v1.curve25519-aes-sha2"}`))

	ctx := transport.WithTxnID(context.Background(), "txn-1")
	require.NoError(t, c.SendToDevice(ctx, "m.room.encrypted", msgs))
	sent := hs.last()
	assert.Equal(t, http.MethodPut, sent.method)
	assert.JSONEq(t, `{"messages":{"@bob:example.org":{"B1":{"algorithm":"m.olm.v1.curve25519-aes-sha2"}}}}`, sent.body)

	// Without a pinned ID a fresh one is generated.
	err := c.SendToDevice(context.Background(), "m.room.encrypted", msgs)
	require.Error(t, err)
	sent = hs.last()
	assert.True(t, strings.HasPrefix(sent.path, "/_matrix/client/v3/sendToDevice/m.room.encrypted/"))
	assert.NotEqual(t, "/_matrix/client/v3/sendToDevice/m.room.encrypted/txn-1", sent.path)
}

func TestQueryKeysMergesCrossSigning(t *testing.T) {
	c, _ := newTestClient(t, map[string]string{
		"POST /_matrix/client/v3/keys/query": `{
			"device_keys": {"@bob:example.org": {"B1": {
				"user_id": "@bob:example.org", "device_id": "B1",
				"algorithms": ["m.olm.v1.curve25519-aes-sha2"],
				"keys": {"curve25519:B1": "curve", "ed25519:B1": "ed"}
			}}},
			"master_keys": {"@bob:example.org": {"user_id": "@bob:example.org", "usage": ["master"], "keys": {"ed25519:mk": "mk"}}},
			"self_signing_keys": {"@bob:example.org": {"user_id": "@bob:example.org", "usage": ["self_signing"], "keys": {"ed25519:ssk": "ssk"}}}
		}`,
	})
	resp, err := c.QueryKeys(context.Background(), []id.UserID{"@bob:example.org"})
	require.NoError(t, err)

	dev := resp.DeviceKeys["@bob:example.org"]["B1"]
	require.NotNil(t, dev)
	assert.Equal(t, id.Ed25519("ed"), dev.Ed25519())
	assert.Equal(t, id.Curve25519("curve"), dev.Curve25519())

	csk := resp.CrossSigning["@bob:example.org"]
	require.NotNil(t, csk)
	assert.True(t, csk.Master.HasUsage(keys.UsageMaster))
	require.NotNil(t, csk.SelfSigning)
	assert.Nil(t, csk.UserSigning)
}

func TestJoinedMembers(t *testing.T) {
	c, _ := newTestClient(t, map[string]string{
		"GET /_matrix/client/v3/rooms/%21room:example.org/joined_members": `{
			"joined": {"@alice:example.org": {"display_name": "Alice"}, "@bob:example.org": {}}
		}`,
	})
	members, err := c.JoinedMembers(context.Background(), "!room:example.org")
	require.NoError(t, err)
	assert.ElementsMatch(t, []id.UserID{"@alice:example.org", "@bob:example.org"}, members)

	_, err = c.JoinedMembers(context.Background(), "!other:example.org")
	require.ErrorIs(t, err, transport.ErrUnknownRoom)
}

func TestUploadKeys(t *testing.T) {
	c, hs := newTestClient(t, map[string]string{
		"POST /_matrix/client/v3/keys/upload": `{"one_time_key_counts": {"signed_curve25519": 50}}`,
	})
	counts, err := c.UploadKeys(context.Background(), &keys.UploadRequest{
		OneTimeKeys: map[id.KeyID]keys.OneTimeKey{"signed_curve25519:AAAA": {Key: "k"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 50, counts[id.KeyAlgorithmSignedCurve25519])
	assert.JSONEq(t, `{"one_time_keys":{"signed_curve25519:AAAA":{"key":"k"}}}`, hs.last().body)
}
