package deposit

import (
	"fmt"
)

// InvalidDepositError means the deposit cannot be parsed or trusted. The
// manifest of an invalid deposit is never rewritten.
type InvalidDepositError struct {
	Msg string
	Err error
}

func (e *InvalidDepositError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *InvalidDepositError) Unwrap() error { return e.Err }

// RejectedDepositError means the deposit is well-formed but breaks a domain
// rule, e.g. the bag is not compliant or a required field is missing.
type RejectedDepositError struct {
	Msg string
	Err error
}

func (e *RejectedDepositError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *RejectedDepositError) Unwrap() error { return e.Err }

// FailedDepositError is an operational failure: metadata mapping, remote
// synchronization, publication or a lock that never cleared.
type FailedDepositError struct {
	Msg string
	Err error
}

func (e *FailedDepositError) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return fmt.Sprintf("%s: %v", e.Msg, e.Err)
}

func (e *FailedDepositError) Unwrap() error { return e.Err }

func Invalid(format string, args ...interface{}) error {
	return &InvalidDepositError{Msg: fmt.Sprintf(format, args...)}
}

func InvalidWithError(err error, format string, args ...interface{}) error {
	return &InvalidDepositError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func Rejected(format string, args ...interface{}) error {
	return &RejectedDepositError{Msg: fmt.Sprintf(format, args...)}
}

func RejectedWithError(err error, format string, args ...interface{}) error {
	return &RejectedDepositError{Msg: fmt.Sprintf(format, args...), Err: err}
}

func Failed(format string, args ...interface{}) error {
	return &FailedDepositError{Msg: fmt.Sprintf(format, args...)}
}

func FailedWithError(err error, format string, args ...interface{}) error {
	return &FailedDepositError{Msg: fmt.Sprintf(format, args...), Err: err}
}
