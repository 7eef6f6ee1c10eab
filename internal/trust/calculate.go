package trust

import (
	"maunium.net/go/mautrix/id"

	"github.com/arko-chat/e2ee/internal/crypto/signatures"
	"github.com/arko-chat/e2ee/internal/keys"
)

// Snapshot is everything Calculate may look at.
type Snapshot struct {
	OwnUserID    id.UserID
	CrossSigning map[id.UserID]*keys.CrossSigningKeys
	// Verification holds local decisions keyed by public key.
	Verification map[string]keys.VerificationState
}

func (s *Snapshot) state(key string) keys.VerificationState {
	if s == nil || key == "" {
		return keys.Unset
	}
	return s.Verification[key]
}

func (s *Snapshot) crossSigning(userID id.UserID) *keys.CrossSigningKeys {
	if s == nil {
		return nil
	}
	return s.CrossSigning[userID]
}

// Target is either a device or one cross-signing key of a user.
type Target struct {
	Device *keys.DeviceKeys

	UserID id.UserID
	Usage  keys.CrossSigningUsage
}

func DeviceTarget(dev *keys.DeviceKeys) Target {
	return Target{Device: dev, UserID: dev.UserID}
}

func CrossSigningTarget(userID id.UserID, usage keys.CrossSigningUsage) Target {
	return Target{UserID: userID, Usage: usage}
}

// Calculate is a pure function of its inputs. Missing data never fails the
// computation; it yields Unknown or NotAllSignaturesVerified instead.
func Calculate(s *Snapshot, t Target) Result {
	if t.Device != nil {
		return deviceTrust(s, t.Device)
	}
	csk := s.crossSigning(t.UserID)
	if csk.Empty() {
		return Result{Level: Unknown}
	}
	switch t.Usage {
	case keys.UsageMaster:
		return masterTrust(s, t.UserID, csk.Master)
	case keys.UsageSelfSigning:
		return subKeyTrust(s, t.UserID, csk.Master, csk.SelfSigning)
	case keys.UsageUserSigning:
		return subKeyTrust(s, t.UserID, csk.Master, csk.UserSigning)
	}
	return Result{Level: Unknown}
}

func signedBy(obj any, userID id.UserID, signer *keys.CrossSigningKey) bool {
	if signer == nil {
		return false
	}
	keyID, key := signer.Key()
	if key == "" {
		return false
	}
	return signatures.VerifyJSON(obj, userID, keyID, key) == nil
}

// masterVerified reports whether a master key is verified locally or, for
// other users, through our user-signing key.
func masterVerified(s *Snapshot, userID id.UserID, master *keys.CrossSigningKey) bool {
	_, key := master.Key()
	if s.state(string(key)) == keys.Verified {
		return true
	}
	if userID == s.OwnUserID {
		return false
	}
	own := s.crossSigning(s.OwnUserID)
	if own.Empty() || own.UserSigning == nil {
		return false
	}
	if !masterVerified(s, s.OwnUserID, own.Master) {
		return false
	}
	if !signedBy(own.UserSigning, s.OwnUserID, own.Master) {
		return false
	}
	return signedBy(master, s.OwnUserID, own.UserSigning)
}

func masterTrust(s *Snapshot, userID id.UserID, master *keys.CrossSigningKey) Result {
	_, key := master.Key()
	if key == "" {
		return invalid("master key has no ed25519 key")
	}
	switch s.state(string(key)) {
	case keys.Blocked:
		return Result{Level: Blocked}
	case keys.Verified:
		return valid(true)
	}
	if masterVerified(s, userID, master) {
		return crossSigned(true)
	}
	return valid(false)
}

func subKeyTrust(s *Snapshot, userID id.UserID, master, sub *keys.CrossSigningKey) Result {
	if sub == nil {
		return Result{Level: Unknown}
	}
	if !signedBy(sub, userID, master) {
		return invalid("not signed by the master key")
	}
	_, key := sub.Key()
	switch s.state(string(key)) {
	case keys.Blocked:
		return Result{Level: Blocked}
	case keys.Verified:
		return valid(true)
	}
	if _, mk := master.Key(); s.state(string(mk)) == keys.Blocked {
		return Result{Level: Blocked}
	}
	return crossSigned(masterVerified(s, userID, master))
}

func deviceTrust(s *Snapshot, dev *keys.DeviceKeys) Result {
	ed := dev.Ed25519()
	if ed == "" || dev.Curve25519() == "" {
		return invalid("device keys are incomplete")
	}
	deviceKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, string(dev.DeviceID))
	if err := signatures.VerifyJSON(dev, dev.UserID, deviceKeyID, ed); err != nil {
		return invalid("bad self-signature: " + err.Error())
	}

	switch s.state(string(ed)) {
	case keys.Blocked:
		return Result{Level: Blocked}
	case keys.Verified:
		return valid(true)
	}

	csk := s.crossSigning(dev.UserID)
	if csk.Empty() {
		return valid(false)
	}
	if _, mk := csk.Master.Key(); s.state(string(mk)) == keys.Blocked {
		return Result{Level: Blocked}
	}

	ssk := csk.SelfSigning
	var sskID id.KeyID
	if ssk != nil {
		sskID, _ = ssk.Key()
	}

	unresolved := false
	for keyID := range dev.Signatures[dev.UserID] {
		if keyID == deviceKeyID {
			continue
		}
		if keyID != sskID {
			unresolved = true
			continue
		}
		if !signedBy(ssk, dev.UserID, csk.Master) {
			return invalid("self-signing key not signed by the master key")
		}
		if !signedBy(dev, dev.UserID, ssk) {
			return invalid("bad self-signing key signature")
		}
		return crossSigned(masterVerified(s, dev.UserID, csk.Master))
	}
	if unresolved {
		return Result{Level: NotAllSignaturesVerified}
	}
	return Result{Level: NotCrossSigned}
}
