package billing

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the billing service.
var (
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrLockContended             = errors.New("account lock contended")
	ErrDuplicateEvent            = errors.New("duplicate provider event")
	ErrDuplicateRefund           = errors.New("duplicate refund")
	ErrInvalidRefundTarget       = errors.New("invalid refund target")
	ErrMalformedEvent            = errors.New("malformed provider event")
	ErrUnknownAccount            = errors.New("unknown account")
	ErrUnknownTransaction        = errors.New("unknown transaction")
	ErrAccountExists             = errors.New("account already exists")
	ErrNegativeBalance           = errors.New("mutation would drive balance negative")
	ErrInvalidAccountID          = errors.New("invalid account id")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidCustomerRef        = errors.New("invalid customer ref")
	ErrInvalidUnits              = errors.New("invalid units")
	ErrInvalidFundingSource      = errors.New("invalid funding source")
	ErrInvalidTransactionKind    = errors.New("invalid transaction kind")
	ErrInvalidSubscriptionStatus = errors.New("invalid subscription status")
	ErrInvalidEventType          = errors.New("invalid event type")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
