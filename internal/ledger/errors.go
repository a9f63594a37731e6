package ledger

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// Kind classifies a failure so callers can branch without string matching.
type Kind uint8

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindBanned
	KindInvalidInput
	KindCapExceeded
	KindInsufficientBalance
	KindNotFound
	KindAlreadyExists
	KindAlreadyRevoked
	KindAlreadyClaimed
	KindAlreadyBanned
	KindNotBanned
	KindAlreadyFrozen
	KindNotFrozen
	KindFrozen
	KindAlreadyPaused
	KindNotPaused
	KindExpired
	KindNotExpired
	KindNotActive
	KindNotRevocable
	KindNothingToRelease
	KindInvalidProof
	KindNonTransferable
	KindPaused
	KindReentrant
)

var kindNames = map[Kind]string{
	KindInternal:            "Internal",
	KindUnauthorized:        "Unauthorized",
	KindBanned:              "Banned",
	KindInvalidInput:        "InvalidInput",
	KindCapExceeded:         "CapExceeded",
	KindInsufficientBalance: "InsufficientBalance",
	KindNotFound:            "NotFound",
	KindAlreadyExists:       "AlreadyExists",
	KindAlreadyRevoked:      "AlreadyRevoked",
	KindAlreadyClaimed:      "AlreadyClaimed",
	KindAlreadyBanned:       "AlreadyBanned",
	KindNotBanned:           "NotBanned",
	KindAlreadyFrozen:       "AlreadyFrozen",
	KindNotFrozen:           "NotFrozen",
	KindFrozen:              "Frozen",
	KindAlreadyPaused:       "AlreadyPaused",
	KindNotPaused:           "NotPaused",
	KindExpired:             "Expired",
	KindNotExpired:          "NotExpired",
	KindNotActive:           "NotActive",
	KindNotRevocable:        "NotRevocable",
	KindNothingToRelease:    "NothingToRelease",
	KindInvalidProof:        "InvalidProof",
	KindNonTransferable:     "NonTransferable",
	KindPaused:              "Paused",
	KindReentrant:           "Reentrant",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind.
func ParseKind(name string) (Kind, bool) {
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindInternal, false
}

// Error is the single failure type returned by every ledger operation.
// Reason narrows a Kind (e.g. InvalidRecipient is an InvalidInput).
type Error struct {
	Kind   Kind
	Reason string
	Op     string
	Msg    string

	// Requested and Available are set for CapExceeded.
	Requested *uint256.Int
	Available *uint256.Int

	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	label := e.Kind.String()
	if e.Reason != "" {
		label = e.Reason
	}
	msg := label
	if e.Op != "" {
		msg = e.Op + ": " + label
	}
	if e.Kind == KindCapExceeded && e.Requested != nil && e.Available != nil {
		msg += fmt.Sprintf(" (requested %s, available %s)", e.Requested.Dec(), e.Available.Dec())
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches on Kind, and on Reason when the target carries one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels for errors.Is. Never return them directly; use Errorf so the
// operation name travels with the failure.
var (
	ErrInternal            = &Error{Kind: KindInternal}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrBanned              = &Error{Kind: KindBanned}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrCapExceeded         = &Error{Kind: KindCapExceeded}
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrAlreadyExists       = &Error{Kind: KindAlreadyExists}
	ErrAlreadyRevoked      = &Error{Kind: KindAlreadyRevoked}
	ErrAlreadyClaimed      = &Error{Kind: KindAlreadyClaimed}
	ErrAlreadyBanned       = &Error{Kind: KindAlreadyBanned}
	ErrNotBanned           = &Error{Kind: KindNotBanned}
	ErrAlreadyFrozen       = &Error{Kind: KindAlreadyFrozen}
	ErrNotFrozen           = &Error{Kind: KindNotFrozen}
	ErrFrozen              = &Error{Kind: KindFrozen}
	ErrAlreadyPaused       = &Error{Kind: KindAlreadyPaused}
	ErrNotPaused           = &Error{Kind: KindNotPaused}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrNotExpired          = &Error{Kind: KindNotExpired}
	ErrNotActive           = &Error{Kind: KindNotActive}
	ErrNotRevocable        = &Error{Kind: KindNotRevocable}
	ErrNothingToRelease    = &Error{Kind: KindNothingToRelease}
	ErrInvalidProof        = &Error{Kind: KindInvalidProof}
	ErrNonTransferable     = &Error{Kind: KindNonTransferable}
	ErrPaused              = &Error{Kind: KindPaused}
	ErrReentrant           = &Error{Kind: KindReentrant}

	ErrInvalidRecipient      = &Error{Kind: KindInvalidInput, Reason: "InvalidRecipient"}
	ErrInvalidExpiration     = &Error{Kind: KindInvalidInput, Reason: "InvalidExpiration"}
	ErrInvalidDuration       = &Error{Kind: KindInvalidInput, Reason: "InvalidDuration"}
	ErrVestingAlreadyExists  = &Error{Kind: KindAlreadyExists, Reason: "VestingAlreadyExists"}
	ErrNoVestingSchedule     = &Error{Kind: KindNotFound, Reason: "NoVestingSchedule"}
	ErrDistributionNotActive = &Error{Kind: KindNotActive, Reason: "DistributionNotActive"}
	ErrDistributionExpired   = &Error{Kind: KindExpired, Reason: "DistributionExpired"}
)

// Errorf builds an operation failure shaped like sentinel.
func Errorf(op string, sentinel *Error, format string, args ...any) error {
	e := &Error{Kind: sentinel.Kind, Reason: sentinel.Reason, Op: op}
	if format != "" {
		e.Msg = fmt.Sprintf(format, args...)
	}
	return e
}

// CapExceeded reports a mint that would push supply over the cap.
func CapExceeded(op string, requested, available *uint256.Int) error {
	return &Error{
		Kind:      KindCapExceeded,
		Op:        op,
		Requested: requested.Clone(),
		Available: available.Clone(),
	}
}

// Internal wraps an unexpected failure; the whole operation aborts.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// ErrOverflow is the cause attached to arithmetic overflow failures.
var ErrOverflow = errors.New("arithmetic overflow")

// KindOf extracts the failure kind; non-ledger errors count as Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the narrowed reason, or the kind name when none is set.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		return e.Kind.String()
	}
	return KindInternal.String()
}
