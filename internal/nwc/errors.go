package nwc

import (
	"context"
	"errors"
	"fmt"

	"lnd-nwc/internal/lightning"
)

// ErrorCode is a NIP-47 error code carried in error responses.
type ErrorCode string

const (
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeNotImplemented      ErrorCode = "NOT_IMPLEMENTED"
	CodeInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	CodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	CodeRestricted          ErrorCode = "RESTRICTED"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodeInternal            ErrorCode = "INTERNAL"
	CodeOther               ErrorCode = "OTHER"
	CodePaymentFailed       ErrorCode = "PAYMENT_FAILED"
	CodeNotFound            ErrorCode = "NOT_FOUND"
)

// DecodeErrorKind classifies request decoding failures.
type DecodeErrorKind int

const (
	// MalformedRequest means no method could be read; such events are dropped.
	MalformedRequest DecodeErrorKind = iota
	UnknownMethod
	MalformedParams
)

// DecodeError is returned by DecodeRequest.
type DecodeError struct {
	Kind   DecodeErrorKind
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case UnknownMethod:
		return fmt.Sprintf("unknown method %q", e.Method)
	case MalformedParams:
		return fmt.Sprintf("invalid params for %s: %v", e.Method, e.Err)
	default:
		return fmt.Sprintf("malformed request: %v", e.Err)
	}
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Code is the error code sent back for a decode failure.
func (e *DecodeError) Code() ErrorCode {
	if e.Kind == UnknownMethod {
		return CodeNotImplemented
	}
	return CodeOther
}

// DispatchKind classifies failures while executing a command.
type DispatchKind int

const (
	BackendUnavailable DispatchKind = iota
	ValidationFailed
	UnknownCommand
	Timeout
	PaymentFailed
	InsufficientBalance
	NotFound
)

func (k DispatchKind) String() string {
	switch k {
	case BackendUnavailable:
		return "backend_unavailable"
	case ValidationFailed:
		return "validation_failed"
	case UnknownCommand:
		return "unknown_method"
	case Timeout:
		return "timeout"
	case PaymentFailed:
		return "payment_failed"
	case InsufficientBalance:
		return "insufficient_balance"
	case NotFound:
		return "not_found"
	default:
		return fmt.Sprintf("DispatchKind(%d)", int(k))
	}
}

// DispatchError is returned by Dispatcher.Handle.
type DispatchError struct {
	Kind    DispatchKind
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *DispatchError) Unwrap() error { return e.Err }

func (e *DispatchError) Code() ErrorCode {
	switch e.Kind {
	case ValidationFailed:
		return CodeOther
	case UnknownCommand:
		return CodeNotImplemented
	case PaymentFailed:
		return CodePaymentFailed
	case InsufficientBalance:
		return CodeInsufficientBalance
	case NotFound:
		return CodeNotFound
	default:
		return CodeInternal
	}
}

func validationError(format string, args ...interface{}) *DispatchError {
	return &DispatchError{Kind: ValidationFailed, Message: fmt.Sprintf(format, args...)}
}

// backendError maps a backend failure onto a dispatch error.
func backendError(op string, err error) *DispatchError {
	var perr *lightning.PaymentError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &DispatchError{Kind: Timeout, Message: op + " timed out", Err: err}
	case errors.Is(err, lightning.ErrInsufficientBalance):
		return &DispatchError{Kind: InsufficientBalance, Message: "insufficient balance", Err: err}
	case errors.Is(err, lightning.ErrInvoiceNotFound):
		return &DispatchError{Kind: NotFound, Message: "invoice not found", Err: err}
	case errors.As(err, &perr):
		return &DispatchError{Kind: PaymentFailed, Message: perr.Reason, Err: err}
	default:
		return &DispatchError{Kind: BackendUnavailable, Message: fmt.Sprintf("%s: %v", op, err), Err: err}
	}
}
