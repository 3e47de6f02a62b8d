// Package errs defines the closed set of error kinds used across the transfer
// saga. Call sites match on the kind tag (errors.Is against the Err* values, or
// KindOf in a switch) instead of on concrete error types.
package errs

import (
	"errors"
	"fmt"
)

// Kind tags an error with its category.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidAmount
	KindInvalidRequest
	KindInsufficientFunds
	KindWalletNotFound
	KindWalletFrozen
	KindConcurrentModification
	KindTransactionNotFound
	KindInvalidTransition
	KindDuplicate
	KindInfrastructure
	KindCompensationFailed
	KindInternal
)

var kindNames = map[Kind]string{
	KindUnknown:                "unknown",
	KindInvalidAmount:          "invalid_amount",
	KindInvalidRequest:         "invalid_request",
	KindInsufficientFunds:      "insufficient_funds",
	KindWalletNotFound:         "wallet_not_found",
	KindWalletFrozen:           "wallet_frozen",
	KindConcurrentModification: "concurrent_modification",
	KindTransactionNotFound:    "transaction_not_found",
	KindInvalidTransition:      "invalid_transition",
	KindDuplicate:              "duplicate",
	KindInfrastructure:         "infrastructure",
	KindCompensationFailed:     "compensation_failed",
	KindInternal:               "internal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind maps a kind name back to its Kind, or KindUnknown.
func ParseKind(name string) Kind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindUnknown
}

// Error carries a kind, the operation that failed and the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a bare kind marker (one of the Err* values)
// with the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// Kind markers for errors.Is.
var (
	ErrInvalidAmount          = &Error{Kind: KindInvalidAmount}
	ErrInvalidRequest         = &Error{Kind: KindInvalidRequest}
	ErrInsufficientFunds      = &Error{Kind: KindInsufficientFunds}
	ErrWalletNotFound         = &Error{Kind: KindWalletNotFound}
	ErrWalletFrozen           = &Error{Kind: KindWalletFrozen}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
	ErrTransactionNotFound    = &Error{Kind: KindTransactionNotFound}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrDuplicate              = &Error{Kind: KindDuplicate}
	ErrInfrastructure         = &Error{Kind: KindInfrastructure}
	ErrCompensationFailed     = &Error{Kind: KindCompensationFailed}
	ErrInternal               = &Error{Kind: KindInternal}
)

// E builds a tagged error. A nil cause yields an error carrying only kind and op.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a tagged error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost tagged error in the chain, or
// KindUnknown when err carries no tag.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsBusiness reports whether err is an expected business-rule violation whose
// identity may be shown to callers.
func IsBusiness(err error) bool {
	return KindOf(err).Business()
}

// Business reports whether k is a business-rule kind.
func (k Kind) Business() bool {
	switch k {
	case KindInvalidAmount, KindInvalidRequest, KindInsufficientFunds, KindWalletNotFound, KindWalletFrozen:
		return true
	default:
		return false
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrentModification, KindInfrastructure:
		return true
	default:
		return false
	}
}

// InternalMessage is everything a caller learns about a failure that is not
// a business error.
const InternalMessage = "internal error"

// Public strips everything but business errors down to ErrInternal so that
// callers never see unstructured internal diagnostics.
func Public(err error) error {
	if err == nil {
		return nil
	}
	if IsBusiness(err) {
		return err
	}
	return ErrInternal
}
