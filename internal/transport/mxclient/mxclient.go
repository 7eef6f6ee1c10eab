// Package mxclient talks to a real homeserver through the client-server
// API, using a mautrix client for authentication and request plumbing.
package mxclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/transport"
)

const requestTimeoutMS = 10_000

type Client struct {
	client *mautrix.Client
	log    *slog.Logger
}

var _ transport.Transport = (*Client)(nil)

func New(client *mautrix.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{client: client, log: logger}
}

// Dial creates a client for an existing login.
func Dial(homeserver string, userID id.UserID, deviceID id.DeviceID, accessToken string, logger *slog.Logger) (*Client, error) {
	if !strings.HasPrefix(homeserver, "http") {
		homeserver = "https://" + homeserver
	}
	client, err := mautrix.NewClient(homeserver, userID, accessToken)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	client.DeviceID = deviceID
	return New(client, logger), nil
}

type claimRequest struct {
	OneTimeKeys keys.ClaimRequest `json:"one_time_keys"`
	Timeout     int               `json:"timeout"`
}

type claimResponse struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]map[id.KeyID]keys.OneTimeKey `json:"one_time_keys"`
	Failures    map[string]any                                             `json:"failures"`
}

func (c *Client) ClaimOneTimeKeys(ctx context.Context, req keys.ClaimRequest) (*keys.ClaimResponse, error) {
	var resp claimResponse
	_, err := c.client.MakeRequest(ctx, http.MethodPost,
		c.client.BuildClientURL("v3", "keys", "claim"),
		claimRequest{OneTimeKeys: req, Timeout: requestTimeoutMS}, &resp)
	if err != nil {
		return nil, fmt.Errorf("claim keys: %w", err)
	}

	out := &keys.ClaimResponse{
		OneTimeKeys: make(map[id.UserID]map[id.DeviceID]keys.ClaimedKey),
		Failures:    failures(resp.Failures),
	}
	for userID, devices := range resp.OneTimeKeys {
		for deviceID, byKeyID := range devices {
			for keyID, otk := range byKeyID {
				if alg, _ := keyID.Parse(); alg != id.KeyAlgorithmSignedCurve25519 {
					continue
				}
				if out.OneTimeKeys[userID] == nil {
					out.OneTimeKeys[userID] = make(map[id.DeviceID]keys.ClaimedKey)
				}
				out.OneTimeKeys[userID][deviceID] = keys.ClaimedKey{KeyID: keyID, OneTimeKey: otk}
				break
			}
		}
	}
	return out, nil
}

type sendToDeviceRequest struct {
	Messages transport.ToDeviceMessages `json:"messages"`
}

// SendToDevice uses the transaction ID carried by ctx, or a fresh one.
func (c *Client) SendToDevice(ctx context.Context, eventType string, msgs transport.ToDeviceMessages) error {
	txnID, ok := transport.TxnID(ctx)
	if !ok {
		txnID = uuid.NewString()
	}
	_, err := c.client.MakeRequest(ctx, http.MethodPut,
		c.client.BuildClientURL("v3", "sendToDevice", eventType, txnID),
		sendToDeviceRequest{Messages: msgs}, nil)
	if err != nil {
		return fmt.Errorf("send to device: %w", err)
	}
	c.log.Debug("sent to-device messages", "type", eventType, "txn_id", txnID, "count", msgs.Len())
	return nil
}

type queryRequest struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
	Timeout    int                         `json:"timeout"`
}

type queryResponse struct {
	DeviceKeys      map[id.UserID]map[id.DeviceID]*keys.DeviceKeys `json:"device_keys"`
	MasterKeys      map[id.UserID]*keys.CrossSigningKey            `json:"master_keys"`
	SelfSigningKeys map[id.UserID]*keys.CrossSigningKey            `json:"self_signing_keys"`
	UserSigningKeys map[id.UserID]*keys.CrossSigningKey            `json:"user_signing_keys"`
	Failures        map[string]any                                 `json:"failures"`
}

func (c *Client) QueryKeys(ctx context.Context, users []id.UserID) (*keys.QueryResponse, error) {
	req := queryRequest{DeviceKeys: make(map[id.UserID][]id.DeviceID, len(users)), Timeout: requestTimeoutMS}
	for _, user := range users {
		req.DeviceKeys[user] = []id.DeviceID{}
	}
	var resp queryResponse
	_, err := c.client.MakeRequest(ctx, http.MethodPost,
		c.client.BuildClientURL("v3", "keys", "query"), req, &resp)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}

	out := &keys.QueryResponse{
		DeviceKeys:   resp.DeviceKeys,
		CrossSigning: make(map[id.UserID]*keys.CrossSigningKeys),
		Failures:     failures(resp.Failures),
	}
	if out.DeviceKeys == nil {
		out.DeviceKeys = make(map[id.UserID]map[id.DeviceID]*keys.DeviceKeys)
	}
	for userID, master := range resp.MasterKeys {
		out.CrossSigning[userID] = &keys.CrossSigningKeys{
			Master:      master,
			SelfSigning: resp.SelfSigningKeys[userID],
			UserSigning: resp.UserSigningKeys[userID],
		}
	}
	return out, nil
}

type joinedMembersResponse struct {
	Joined map[id.UserID]struct{} `json:"joined"`
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	var resp joinedMembersResponse
	_, err := c.client.MakeRequest(ctx, http.MethodGet,
		c.client.BuildClientURL("v3", "rooms", string(roomID), "joined_members"), nil, &resp)
	if err != nil {
		var httpErr mautrix.HTTPError
		if errors.As(err, &httpErr) && httpErr.Response != nil && httpErr.Response.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("%w: %s: %w", transport.ErrUnknownRoom, roomID, err)
		}
		return nil, fmt.Errorf("joined members: %w", err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

type uploadRequest struct {
	DeviceKeys   *keys.DeviceKeys             `json:"device_keys,omitempty"`
	OneTimeKeys  map[id.KeyID]keys.OneTimeKey `json:"one_time_keys,omitempty"`
	FallbackKeys map[id.KeyID]keys.OneTimeKey `json:"fallback_keys,omitempty"`
}

type uploadResponse struct {
	OneTimeKeyCounts map[id.KeyAlgorithm]int `json:"one_time_key_counts"`
}

func (c *Client) UploadKeys(ctx context.Context, req *keys.UploadRequest) (map[id.KeyAlgorithm]int, error) {
	var resp uploadResponse
	_, err := c.client.MakeRequest(ctx, http.MethodPost,
		c.client.BuildClientURL("v3", "keys", "upload"),
		uploadRequest{
			DeviceKeys:   req.DeviceKeys,
			OneTimeKeys:  req.OneTimeKeys,
			FallbackKeys: req.FallbackKeys,
		}, &resp)
	if err != nil {
		return nil, fmt.Errorf("upload keys: %w", err)
	}
	return resp.OneTimeKeyCounts, nil
}

func failures(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for server, reason := range in {
		out[server] = fmt.Sprint(reason)
	}
	return out
}
