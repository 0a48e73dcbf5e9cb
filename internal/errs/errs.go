// Package errs defines the error taxonomy shared across the store, safety,
// and runtime layers. Kinds are distinguished by the Kind field of *Error
// (matched through Is and KindOf), matching
// the teacher's convention of a small set of typed errors instead of ad-hoc
// string matching.
package errs

import "fmt"

// Kind is a coarse error classification used by callers that need to branch
// on error category (retry vs. abort vs. audit-and-drop) without parsing
// messages.
type Kind int

const (
	KindBatchValidation Kind = iota
	KindInvalidSequence
	KindSequenceConflict
	KindCrypto
	KindNotFound
	KindGuardConflict
	KindDenyByGuard
	KindVersionMismatch
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindBatchValidation:
		return "batch_validation"
	case KindInvalidSequence:
		return "invalid_sequence"
	case KindSequenceConflict:
		return "sequence_conflict"
	case KindCrypto:
		return "crypto"
	case KindNotFound:
		return "not_found"
	case KindGuardConflict:
		return "guard_conflict"
	case KindDenyByGuard:
		return "deny_by_guard"
	case KindVersionMismatch:
		return "version_mismatch"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind plus structured context.
// Callers branch with errors.As and inspect Kind, mirroring how the teacher
// distinguishes ConstitutionalViolation types.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, &errs.Error{Kind: ...}) style matching against a
// zero-valued Error carrying only a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Wrapped: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else false.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if as(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// as is a tiny local shim over errors.As to avoid importing errors solely
// for this one call site at the top of the file list; kept for readability
// of KindOf's call site.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// InvalidSequence carries the structured fields spec §7 requires.
type InvalidSequence struct {
	Expected uint64
	Got      uint64
	Session  [16]byte
}

func NewInvalidSequence(op string, expected, got uint64, session [16]byte) *Error {
	return &Error{
		Kind:    KindInvalidSequence,
		Op:      op,
		Message: fmt.Sprintf("expected seq=%d got=%d session=%x", expected, got, session),
	}
}

// SequenceConflict carries the structured fields spec §7 requires.
func NewSequenceConflict(op string, inserted, total int) *Error {
	return &Error{
		Kind:    KindSequenceConflict,
		Op:      op,
		Message: fmt.Sprintf("inserted=%d total=%d", inserted, total),
	}
}

// DenyByGuard is a normal veto, not a fault; it surfaces the responsible
// guard bitmask.
func NewDenyByGuard(reasonBits uint8) *Error {
	return &Error{
		Kind:    KindDenyByGuard,
		Op:      "safety.consensus",
		Message: fmt.Sprintf("reason_bits=%08b", reasonBits),
	}
}

// GuardConflict signals consensus produced an unsatisfiable clamp.
func NewGuardConflict(reasonCode string) *Error {
	return &Error{Kind: KindGuardConflict, Op: "safety.consensus", Message: reasonCode}
}
