// Package loopback is an in-process homeserver for tests and the demo. It
// implements just enough of the key and to-device APIs for several
// engines to talk to each other.
package loopback

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/keys"
	"github.com/arko-chat/e2ee/internal/transport"
)

const allDevices = id.DeviceID("*")

type Server struct {
	mu           sync.Mutex
	devices      map[id.UserID]map[id.DeviceID]*keys.DeviceKeys
	crossSigning map[id.UserID]*keys.CrossSigningKeys
	oneTimeKeys  map[keys.UserDevice]map[id.KeyID]keys.OneTimeKey
	fallbackKeys map[keys.UserDevice]map[id.KeyID]keys.OneTimeKey
	inbox        map[keys.UserDevice][]transport.ToDeviceEvent
	members      map[id.RoomID][]id.UserID

	claimCalls int
	claimed    int
}

func NewServer() *Server {
	return &Server{
		devices:      make(map[id.UserID]map[id.DeviceID]*keys.DeviceKeys),
		crossSigning: make(map[id.UserID]*keys.CrossSigningKeys),
		oneTimeKeys:  make(map[keys.UserDevice]map[id.KeyID]keys.OneTimeKey),
		fallbackKeys: make(map[keys.UserDevice]map[id.KeyID]keys.OneTimeKey),
		inbox:        make(map[keys.UserDevice][]transport.ToDeviceEvent),
		members:      make(map[id.RoomID][]id.UserID),
	}
}

// Client returns the transport of one logged in device.
func (s *Server) Client(userID id.UserID, deviceID id.DeviceID) *Client {
	return &Client{server: s, userID: userID, deviceID: deviceID}
}

func (s *Server) SetMembers(roomID id.RoomID, users ...id.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[roomID] = slices.Clone(users)
}

func (s *Server) SetCrossSigningKeys(userID id.UserID, csk *keys.CrossSigningKeys) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crossSigning[userID] = csk
}

// RemoveDevice logs a device out, dropping its keys and queued events.
func (s *Server) RemoveDevice(userID id.UserID, deviceID id.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := keys.UserDevice{UserID: userID, DeviceID: deviceID}
	delete(s.devices[userID], deviceID)
	delete(s.oneTimeKeys, ref)
	delete(s.fallbackKeys, ref)
	delete(s.inbox, ref)
}

// ExhaustKeys throws away every one-time and fallback key a device has
// uploaded, as if other clients had claimed them all.
func (s *Server) ExhaustKeys(userID id.UserID, deviceID id.DeviceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := keys.UserDevice{UserID: userID, DeviceID: deviceID}
	delete(s.oneTimeKeys, ref)
	delete(s.fallbackKeys, ref)
}

// Drain returns and forgets the to-device events queued for a device.
func (s *Server) Drain(userID id.UserID, deviceID id.DeviceID) []transport.ToDeviceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := keys.UserDevice{UserID: userID, DeviceID: deviceID}
	events := s.inbox[ref]
	delete(s.inbox, ref)
	return events
}

// ClaimCalls reports how many claim requests were made and how many keys
// they handed out.
func (s *Server) ClaimCalls() (calls, keys int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimCalls, s.claimed
}

func (s *Server) OneTimeKeyCount(userID id.UserID, deviceID id.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.oneTimeKeys[keys.UserDevice{UserID: userID, DeviceID: deviceID}])
}

// Client is one device's view of the server.
type Client struct {
	server   *Server
	userID   id.UserID
	deviceID id.DeviceID
}

var _ transport.Transport = (*Client)(nil)

func (c *Client) ClaimOneTimeKeys(ctx context.Context, req keys.ClaimRequest) (*keys.ClaimResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimCalls++

	resp := &keys.ClaimResponse{OneTimeKeys: make(map[id.UserID]map[id.DeviceID]keys.ClaimedKey)}
	for userID, devices := range req {
		for deviceID, alg := range devices {
			if alg != id.KeyAlgorithmSignedCurve25519 {
				continue
			}
			ref := keys.UserDevice{UserID: userID, DeviceID: deviceID}
			claimed, ok := popKey(s.oneTimeKeys[ref], true)
			if !ok {
				claimed, ok = popKey(s.fallbackKeys[ref], false)
			}
			if !ok {
				continue
			}
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[id.DeviceID]keys.ClaimedKey)
			}
			resp.OneTimeKeys[userID][deviceID] = claimed
			s.claimed++
		}
	}
	return resp, nil
}

// popKey returns the lowest key ID, removing it when remove is set.
func popKey(pool map[id.KeyID]keys.OneTimeKey, remove bool) (keys.ClaimedKey, bool) {
	if len(pool) == 0 {
		return keys.ClaimedKey{}, false
	}
	keyID := slices.Min(slices.Collect(maps.Keys(pool)))
	otk := pool[keyID]
	if remove {
		delete(pool, keyID)
	}
	return keys.ClaimedKey{KeyID: keyID, OneTimeKey: otk}, true
}

func (c *Client) SendToDevice(ctx context.Context, eventType string, msgs transport.ToDeviceMessages) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, devices := range msgs {
		for deviceID, content := range devices {
			targets := []id.DeviceID{deviceID}
			if deviceID == allDevices {
				targets = slices.Collect(maps.Keys(s.devices[userID]))
			}
			for _, target := range targets {
				ref := keys.UserDevice{UserID: userID, DeviceID: target}
				s.inbox[ref] = append(s.inbox[ref], transport.ToDeviceEvent{
					Sender:  c.userID,
					Type:    eventType,
					Content: json.RawMessage(slices.Clone(content)),
				})
			}
		}
	}
	return nil
}

func (c *Client) QueryKeys(ctx context.Context, users []id.UserID) (*keys.QueryResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &keys.QueryResponse{
		DeviceKeys:   make(map[id.UserID]map[id.DeviceID]*keys.DeviceKeys),
		CrossSigning: make(map[id.UserID]*keys.CrossSigningKeys),
	}
	for _, userID := range users {
		resp.DeviceKeys[userID] = maps.Clone(s.devices[userID])
		if resp.DeviceKeys[userID] == nil {
			resp.DeviceKeys[userID] = make(map[id.DeviceID]*keys.DeviceKeys)
		}
		if csk, ok := s.crossSigning[userID]; ok {
			resp.CrossSigning[userID] = csk
		}
	}
	return resp, nil
}

func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.members[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownRoom, roomID)
	}
	return slices.Clone(members), nil
}

func (c *Client) UploadKeys(ctx context.Context, req *keys.UploadRequest) (map[id.KeyAlgorithm]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	ref := keys.UserDevice{UserID: c.userID, DeviceID: c.deviceID}

	if dev := req.DeviceKeys; dev != nil {
		if dev.UserID != c.userID || dev.DeviceID != c.deviceID {
			return nil, fmt.Errorf("device keys for %s uploaded by %s", dev.Ref(), ref)
		}
		if s.devices[c.userID] == nil {
			s.devices[c.userID] = make(map[id.DeviceID]*keys.DeviceKeys)
		}
		s.devices[c.userID][c.deviceID] = dev
	}
	if s.oneTimeKeys[ref] == nil {
		s.oneTimeKeys[ref] = make(map[id.KeyID]keys.OneTimeKey)
	}
	maps.Copy(s.oneTimeKeys[ref], req.OneTimeKeys)
	if len(req.FallbackKeys) > 0 {
		s.fallbackKeys[ref] = maps.Clone(req.FallbackKeys)
	}
	return map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: len(s.oneTimeKeys[ref])}, nil
}
