package commbus

import (
	"errors"
	"fmt"
)

// =============================================================================
// EXCEPTIONS
// =============================================================================

// BusError is the base error type for bus errors.
type BusError struct {
	Message string
	Cause   error
}

func (e *BusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BusError) Unwrap() error {
	return e.Cause
}

// NewBusError creates a new BusError.
func NewBusError(message string, cause error) *BusError {
	return &BusError{Message: message, Cause: cause}
}

// UnknownRecipientError is raised when an envelope addresses an agent
// with no registered inbox.
type UnknownRecipientError struct {
	AgentID string
}

func (e *UnknownRecipientError) Error() string {
	return fmt.Sprintf("unknown recipient %s", e.AgentID)
}

// NewUnknownRecipientError creates a new UnknownRecipientError.
func NewUnknownRecipientError(agentID string) *UnknownRecipientError {
	return &UnknownRecipientError{AgentID: agentID}
}

// RecipientTerminatingError is raised when an envelope addresses an agent
// whose teardown has begun.
type RecipientTerminatingError struct {
	AgentID string
}

func (e *RecipientTerminatingError) Error() string {
	return fmt.Sprintf("recipient %s is terminating", e.AgentID)
}

// NewRecipientTerminatingError creates a new RecipientTerminatingError.
func NewRecipientTerminatingError(agentID string) *RecipientTerminatingError {
	return &RecipientTerminatingError{AgentID: agentID}
}

// AwaitCancelledError is raised when a blocked wait is abandoned because
// its cancellation token was invalidated.
type AwaitCancelledError struct {
	AgentID string
}

func (e *AwaitCancelledError) Error() string {
	return fmt.Sprintf("wait for %s cancelled", e.AgentID)
}

// NewAwaitCancelledError creates a new AwaitCancelledError.
func NewAwaitCancelledError(agentID string) *AwaitCancelledError {
	return &AwaitCancelledError{AgentID: agentID}
}

// BusClosedError is raised when an operation reaches a bus that has been
// shut down.
type BusClosedError struct{}

func (e *BusClosedError) Error() string {
	return "message bus is closed"
}

// NewBusClosedError creates a new BusClosedError.
func NewBusClosedError() *BusClosedError {
	return &BusClosedError{}
}

// =============================================================================
// CLASSIFICATION HELPERS
// =============================================================================

// IsAwaitCancelled reports whether err is an AwaitCancelledError.
func IsAwaitCancelled(err error) bool {
	var cancelled *AwaitCancelledError
	return errors.As(err, &cancelled)
}

// IsBusClosed reports whether err is a BusClosedError.
func IsBusClosed(err error) bool {
	var closed *BusClosedError
	return errors.As(err, &closed)
}

// IsDeliveryRejection reports whether err is a bus-level delivery drop
// (unknown recipient or terminating recipient). These are logged by the
// bus and never surfaced to a sender's turn.
func IsDeliveryRejection(err error) bool {
	var unknown *UnknownRecipientError
	var terminating *RecipientTerminatingError
	return errors.As(err, &unknown) || errors.As(err, &terminating)
}
