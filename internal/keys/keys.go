// Package keys holds the public key material exchanged with the homeserver:
// device keys, cross-signing keys, one-time keys and the local verification
// decisions that anchor trust.
package keys

import (
	"slices"

	"maunium.net/go/mautrix/id"
)

// Signatures maps signer user to key ID to unpadded base64 signature.
type Signatures map[id.UserID]map[id.KeyID]string

func (s Signatures) Get(userID id.UserID, keyID id.KeyID) (string, bool) {
	sig, ok := s[userID][keyID]
	return sig, ok
}

func (s Signatures) Add(userID id.UserID, keyID id.KeyID, sig string) Signatures {
	if s == nil {
		s = make(Signatures)
	}
	if s[userID] == nil {
		s[userID] = make(map[id.KeyID]string)
	}
	s[userID][keyID] = sig
	return s
}

// DeviceKeys is the signed identity of one device. Values are replaced as a
// whole when the server reports a change, never edited in place.
type DeviceKeys struct {
	UserID     id.UserID           `json:"user_id"`
	DeviceID   id.DeviceID         `json:"device_id"`
	Algorithms []id.Algorithm      `json:"algorithms"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
	Unsigned   map[string]any      `json:"unsigned,omitempty"`
}

func (d *DeviceKeys) Ed25519() id.Ed25519 {
	return id.Ed25519(d.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, string(d.DeviceID))])
}

func (d *DeviceKeys) Curve25519() id.Curve25519 {
	return id.Curve25519(d.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, string(d.DeviceID))])
}

func (d *DeviceKeys) Ref() UserDevice {
	return UserDevice{UserID: d.UserID, DeviceID: d.DeviceID}
}

type CrossSigningUsage string

const (
	UsageMaster      CrossSigningUsage = "master"
	UsageSelfSigning CrossSigningUsage = "self_signing"
	UsageUserSigning CrossSigningUsage = "user_signing"
)

type CrossSigningKey struct {
	UserID     id.UserID           `json:"user_id"`
	Usage      []CrossSigningUsage `json:"usage"`
	Keys       map[id.KeyID]string `json:"keys"`
	Signatures Signatures          `json:"signatures,omitempty"`
}

// Key returns the single ed25519 key of a cross-signing key. The key ID
// is "ed25519:" followed by the unpadded public key.
func (k *CrossSigningKey) Key() (id.KeyID, id.Ed25519) {
	for keyID, key := range k.Keys {
		if alg, _ := keyID.Parse(); alg == id.KeyAlgorithmEd25519 {
			return keyID, id.Ed25519(key)
		}
	}
	return "", ""
}

func (k *CrossSigningKey) HasUsage(u CrossSigningUsage) bool {
	return slices.Contains(k.Usage, u)
}

// CrossSigningKeys is the published cross-signing identity of one user.
type CrossSigningKeys struct {
	Master      *CrossSigningKey `json:"master,omitempty"`
	SelfSigning *CrossSigningKey `json:"self_signing,omitempty"`
	UserSigning *CrossSigningKey `json:"user_signing,omitempty"`
}

func (c *CrossSigningKeys) Empty() bool {
	return c == nil || c.Master == nil
}

// OneTimeKey is a signed_curve25519 key as uploaded and claimed.
type OneTimeKey struct {
	Key        id.Curve25519 `json:"key"`
	Fallback   bool          `json:"fallback,omitempty"`
	Signatures Signatures    `json:"signatures,omitempty"`
}

type ClaimedKey struct {
	KeyID id.KeyID
	OneTimeKey
}

type UserDevice struct {
	UserID   id.UserID   `json:"user_id"`
	DeviceID id.DeviceID `json:"device_id"`
}

func (u UserDevice) String() string {
	return string(u.UserID) + "|" + string(u.DeviceID)
}

// ClaimRequest asks for one key of the given algorithm per device.
type ClaimRequest map[id.UserID]map[id.DeviceID]id.KeyAlgorithm

func (r ClaimRequest) Add(userID id.UserID, deviceID id.DeviceID) {
	if r[userID] == nil {
		r[userID] = make(map[id.DeviceID]id.KeyAlgorithm)
	}
	r[userID][deviceID] = id.KeyAlgorithmSignedCurve25519
}

func (r ClaimRequest) Len() int {
	n := 0
	for _, devices := range r {
		n += len(devices)
	}
	return n
}

type ClaimResponse struct {
	OneTimeKeys map[id.UserID]map[id.DeviceID]ClaimedKey
	// Failures lists homeservers that could not be reached.
	Failures map[string]string
}

func (r *ClaimResponse) Get(userID id.UserID, deviceID id.DeviceID) (ClaimedKey, bool) {
	if r == nil {
		return ClaimedKey{}, false
	}
	key, ok := r.OneTimeKeys[userID][deviceID]
	return key, ok
}

type QueryResponse struct {
	DeviceKeys   map[id.UserID]map[id.DeviceID]*DeviceKeys
	CrossSigning map[id.UserID]*CrossSigningKeys
	Failures     map[string]string
}

// UploadRequest publishes our own device keys and fresh one-time keys.
type UploadRequest struct {
	DeviceKeys   *DeviceKeys
	OneTimeKeys  map[id.KeyID]OneTimeKey
	FallbackKeys map[id.KeyID]OneTimeKey
}

// VerificationState is a local decision about one public key.
type VerificationState int

const (
	Unset VerificationState = iota
	Verified
	Blocked
)

func (s VerificationState) String() string {
	switch s {
	case Verified:
		return "verified"
	case Blocked:
		return "blocked"
	default:
		return "unset"
	}
}
