package escrow

import (
	"errors"
	"fmt"

	"EscrowLedger/internal/operation"
)

// RejectKind classifies why an operation was refused. A rejection never
// mutates instance state, balances, or the hash chain.
type RejectKind uint8

const (
	RejectUnauthorized RejectKind = iota + 1
	RejectInvalidState
	RejectMalformedBundle
	RejectNotFound
	RejectInvalidArgs
)

func (k RejectKind) String() string {
	switch k {
	case RejectUnauthorized:
		return "unauthorized"
	case RejectInvalidState:
		return "invalid_state"
	case RejectMalformedBundle:
		return "malformed_bundle"
	case RejectNotFound:
		return "not_found"
	case RejectInvalidArgs:
		return "invalid_args"
	default:
		return "unknown"
	}
}

// Rejection is the typed refusal returned by the transition engine.
type Rejection struct {
	Kind   RejectKind
	Op     operation.Type
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s rejected (%s): %s", r.Op, r.Kind, r.Reason)
}

func rejectf(kind RejectKind, op operation.Type, format string, args ...any) *Rejection {
	return &Rejection{
		Kind:   kind,
		Op:     op,
		Reason: fmt.Sprintf(format, args...),
	}
}

// AsRejection unwraps err into a Rejection if it is one.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
