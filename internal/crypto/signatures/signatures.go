// Package signatures signs and verifies Matrix signed JSON objects: the
// object is canonicalised with its "signatures" and "unsigned" members
// removed, and the Ed25519 signature is stored under
// signatures.<user>.<ed25519:key name>.
package signatures

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"
)

var (
	ErrMissingSignature = errors.New("signature not found")
	ErrInvalidSignature = errors.New("signature does not verify")
	ErrMalformedKey     = errors.New("malformed ed25519 key")
)

// Signer produces an unpadded base64 Ed25519 signature.
type Signer interface {
	Sign(message []byte) (string, error)
}

// Canonical returns the bytes that are signed for obj.
func Canonical(obj any) ([]byte, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal signed object: %w", err)
	}
	return CanonicalBytes(raw)
}

func CanonicalBytes(raw []byte) ([]byte, error) {
	var err error
	for _, member := range []string{"signatures", "unsigned"} {
		if raw, err = sjson.DeleteBytes(raw, member); err != nil {
			return nil, fmt.Errorf("strip %s: %w", member, err)
		}
	}
	return canonicaljson.CanonicalJSON(raw)
}

// Sign signs obj and returns the signature; the caller stores it.
func Sign(obj any, signer Signer) (string, error) {
	msg, err := Canonical(obj)
	if err != nil {
		return "", err
	}
	return signer.Sign(msg)
}

// Find extracts the signature made by (userID, keyID) from a marshalled
// object.
func Find(raw []byte, userID id.UserID, keyID id.KeyID) (string, bool) {
	users := gjson.GetBytes(raw, "signatures").Map()
	sig, ok := users[string(userID)].Map()[string(keyID)]
	if !ok || sig.Type != gjson.String {
		return "", false
	}
	return sig.String(), true
}

// VerifyJSON checks that obj carries a valid signature by key, recorded
// under (userID, keyID).
func VerifyJSON(obj any, userID id.UserID, keyID id.KeyID, key id.Ed25519) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal signed object: %w", err)
	}
	sig, ok := Find(raw, userID, keyID)
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrMissingSignature, userID, keyID)
	}
	msg, err := CanonicalBytes(raw)
	if err != nil {
		return err
	}
	return Verify(key, msg, sig)
}

// Verify checks a raw Ed25519 signature. Both padded and unpadded base64
// are accepted.
func Verify(key id.Ed25519, message []byte, signature string) error {
	pub, err := decode(string(key))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %q", ErrMalformedKey, key)
	}
	sig, err := decode(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}

func decode(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
