package fl

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientSubmissions = errors.New("no submissions provided for aggregation")
	ErrStaleRound              = errors.New("submission targets a round that is no longer open")
	ErrClientDead              = errors.New("client session is dead")
	ErrExperimentComplete      = errors.New("experiment is complete")
	ErrWait                    = errors.New("no task available yet")
	ErrUnauthorized            = errors.New("invalid session token")
	ErrUnknownClient           = errors.New("unknown client")
	ErrAdmission               = errors.New("admission rejected")
	ErrTransientTransport      = errors.New("transient transport failure")
	ErrInvalidConfig           = errors.New("invalid configuration")
	ErrShapeMismatch           = errors.New("weight sets have different layouts")
	ErrInvalidWeights          = errors.New("invalid aggregation weights")
	ErrMessageTooLarge         = errors.New("message exceeds the configured size limit")
)

// Admission rejection reasons.
const (
	ReasonBlacklisted    = "blacklisted"
	ReasonNotWhitelisted = "not_whitelisted"
	ReasonCapacity       = "capacity"
	ReasonLateJoin       = "late join"
	ReasonDead           = "dead"
)

// AdmissionError is permanent for the client that receives it.
type AdmissionError struct {
	ClientID string
	Reason   string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("client %q rejected: %s", e.ClientID, e.Reason)
}

func (e *AdmissionError) Unwrap() error {
	return ErrAdmission
}

// TransientError marks a failure worth retrying (connection reset, server overloaded).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransientTransport, e.Err}
}

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientTransport)
}
