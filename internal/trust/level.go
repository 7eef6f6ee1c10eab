// Package trust derives how far a device or cross-signing key can be
// trusted from signatures and local verification decisions. Results are a
// projection of the key store; nothing here is authoritative state.
package trust

import "fmt"

type Level int

const (
	Unknown Level = iota
	Invalid
	Blocked
	NotAllSignaturesVerified
	NotCrossSigned
	CrossSigned
	Valid
)

func (l Level) String() string {
	switch l {
	case Invalid:
		return "invalid"
	case Blocked:
		return "blocked"
	case NotAllSignaturesVerified:
		return "not_all_signatures_verified"
	case NotCrossSigned:
		return "not_cross_signed"
	case CrossSigned:
		return "cross_signed"
	case Valid:
		return "valid"
	default:
		return "unknown"
	}
}

// Result is a trust level plus its qualifier: Verified for Valid and
// CrossSigned, Reason for Invalid.
type Result struct {
	Level    Level
	Verified bool
	Reason   string
}

func (r Result) String() string {
	switch r.Level {
	case Valid, CrossSigned:
		return fmt.Sprintf("%s(verified=%t)", r.Level, r.Verified)
	case Invalid:
		return fmt.Sprintf("%s(%s)", r.Level, r.Reason)
	default:
		return r.Level.String()
	}
}

// Trusted reports whether the key chains up to something the user verified.
func (r Result) Trusted() bool {
	return (r.Level == Valid || r.Level == CrossSigned) && r.Verified
}

// Usable reports whether keys may be shared with the key's owner.
func (r Result) Usable() bool {
	return r.Level != Invalid && r.Level != Blocked
}

func valid(verified bool) Result { return Result{Level: Valid, Verified: verified} }
func crossSigned(verified bool) Result { return Result{Level: CrossSigned, Verified: verified} }
func invalid(reason string) Result { return Result{Level: Invalid, Reason: reason} }
