// Package safety implements the veto-capable guard swarm and the pure
// consensus function that intersects their clamps. It is grounded on the
// teacher's constitutional kernel and token-bucket cost gating: the same
// idea of independent, ordered checks that can refuse an action outright,
// reshaped from an exception-driven violation model into the closed sum
// type spec §9 calls for.
package safety

import "github.com/vagusloop/breathkernel/internal/domain"

// VoteKind discriminates a Vote.
type VoteKind uint8

const (
	VoteAllow VoteKind = iota
	VoteDeny
)

// Vote is the sum type `Allow(Clamp) | Deny(reason_code)` from spec §9.
// Exactly one of Clamp/DenyReason is meaningful, selected by Kind.
type Vote struct {
	Kind       VoteKind
	Clamp      domain.Clamp
	DenyReason string
}

// Allow constructs an Allow vote carrying clamp.
func Allow(clamp domain.Clamp) Vote {
	return Vote{Kind: VoteAllow, Clamp: clamp}
}

// Deny constructs a Deny vote carrying reason.
func Deny(reason string) Vote {
	return Vote{Kind: VoteDeny, DenyReason: reason}
}

// PhysicalState is the subset of device/session physical context guards
// need: whether the device is charging and the last accepted rate, used by
// RateLimitGuard and ResourceGuard.
type PhysicalState struct {
	Charging         bool
	LastAcceptedRR   float64
	HasLastAccepted  bool
	LastDecisionTsUs int64
}

// Flags carries the guard enable-bits from configuration; bit i gates guard
// index i in the fixed evaluation order.
type Flags struct {
	EnabledBits uint8
}

// Enabled reports whether the guard at idx is active.
func (f Flags) Enabled(idx int) bool {
	return f.EnabledBits&(1<<uint(idx)) != 0
}

// AllEnabled returns Flags with every guard active.
func AllEnabled() Flags {
	return Flags{EnabledBits: 0xFF}
}

// Guard is a single veto-capable capability. The set of guards is closed at
// compile time (spec §9): Index identifies a guard's fixed position for the
// reason-bits bitmask and the enable-bits flag.
type Guard interface {
	Index() int
	Evaluate(patch domain.PatternPatch, belief domain.BeliefState, phys PhysicalState, ctx domain.Context, nowTsUs int64) Vote
}
