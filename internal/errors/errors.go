// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"
)

type ErrJobNotFound struct {
	JobID int64
}

func (e *ErrJobNotFound) Error() string {
	return fmt.Sprintf("job with ID %d not found", e.JobID)
}

func NewJobNotFound(id int64) error {
	return &ErrJobNotFound{JobID: id}
}

type ErrAccountNotFound struct {
	AccountID int64
}

func (e *ErrAccountNotFound) Error() string {
	return fmt.Sprintf("email account with ID %d not found", e.AccountID)
}

func NewAccountNotFound(id int64) error {
	return &ErrAccountNotFound{AccountID: id}
}

// IsNotFound reports whether err is one of the not-found errors above.
func IsNotFound(err error) bool {
	var jobErr *ErrJobNotFound
	var accErr *ErrAccountNotFound
	return errors.As(err, &jobErr) || errors.As(err, &accErr)
}

type FailureKind int

const (
	FailureTransient FailureKind = iota
	FailurePermanent
)

func (k FailureKind) String() string {
	if k == FailurePermanent {
		return "permanent"
	}
	return "transient"
}

// DeliveryError carries the retry classification of a failed send.
type DeliveryError struct {
	Kind FailureKind
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failure: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func Transient(err error) error {
	return &DeliveryError{Kind: FailureTransient, Err: err}
}

func Permanent(err error) error {
	return &DeliveryError{Kind: FailurePermanent, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors
// are treated as transient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Kind == FailurePermanent
}
