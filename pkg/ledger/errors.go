package ledger

import (
	"errors"
	"fmt"
)

// Sentinels returned by the ledger primitive and its stores.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountExists          = errors.New("account already exists")
	ErrConcurrentUpdate       = errors.New("concurrent balance update")
	ErrInvalidDeveloperID     = errors.New("invalid developer id")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrInvalidMetadataJSON    = errors.New("invalid metadata json")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidListLimit       = errors.New("invalid list limit")
)

// OperationError tags a lower-level failure as operation.subject.code so callers can log a
// stable identifier while errors.Is still reaches the cause.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation is the first segment, e.g. "store".
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject is the entity the operation touched.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code is the failure kind, e.g. "lock_failed".
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError returns nil for a nil err.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{operation: operation, subject: subject, code: code, err: err}
}
