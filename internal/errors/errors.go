// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotImplemented       = errors.New("not implemented")
	ErrNoBrokerConnected    = errors.New("no broker connected")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrSessionExpired       = errors.New("session expired")
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrOrderNotFound        = errors.New("order not found")
	ErrOrderCompleted       = errors.New("order already completed")
	ErrPositionNotFound     = errors.New("position not found")
	ErrSymbolNotFound       = errors.New("symbol not found")
	ErrUnknownBroker        = errors.New("unknown broker kind")
	ErrStreamNotOpen        = errors.New("stream not open")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrTokensNotFound       = errors.New("no stored tokens")
	ErrDecryptFailed        = errors.New("cannot decrypt stored tokens")
)

// BrokerError represents a structured rejection returned by a broker API.
// Message is the broker's own text and is never rewritten.
type BrokerError struct {
	Broker  string
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %s: %v", e.Broker, e.Op, msg, e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Broker, e.Op, msg)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(broker, op, code, message string, err error) *BrokerError {
	return &BrokerError{
		Broker:  broker,
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NotImplementedError marks an operation a broker does not support.
type NotImplementedError struct {
	Broker string
	Op     string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s: %s not implemented", e.Broker, e.Op)
}

// Is makes errors.Is(err, ErrNotImplemented) true.
func (e *NotImplementedError) Is(target error) bool {
	return target == ErrNotImplemented
}

// NotImplemented creates a NotImplementedError.
func NotImplemented(broker, op string) error {
	return &NotImplementedError{Broker: broker, Op: op}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	OrderID string
	Symbol  string
	Action  string
	Reason  string
	Err     error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%s] %s %s: %s: %v", e.OrderID, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%s] %s %s: %s", e.OrderID, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(orderID, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		OrderID: orderID,
		Symbol:  symbol,
		Action:  action,
		Reason:  reason,
		Err:     err,
	}
}

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
