// Package kernel provides typed errors for lifecycle operations.
//
// Each failure mode of spawn, terminate, and stop carries its own error
// type so callers can branch with errors.As; the messages double as the
// stable user-facing text on error envelopes.
package kernel

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

// ShuttingDownError indicates an operation was rejected because the
// runtime is shutting down.
type ShuttingDownError struct {
	Op string
}

func (e *ShuttingDownError) Error() string {
	return fmt.Sprintf("%s rejected: runtime is shutting down", e.Op)
}

// RoleNotFoundError indicates a role reference resolved to nothing.
type RoleNotFoundError struct {
	RoleRef string
}

func (e *RoleNotFoundError) Error() string {
	return fmt.Sprintf("role not found: %s", e.RoleRef)
}

// RoleExistsError indicates an active role already carries the name.
type RoleExistsError struct {
	Name string
}

func (e *RoleExistsError) Error() string {
	return fmt.Sprintf("role name already in use: %s", e.Name)
}

// ParentNotFoundError indicates the requested parent agent is unknown.
type ParentNotFoundError struct {
	ParentID string
}

func (e *ParentNotFoundError) Error() string {
	return fmt.Sprintf("parent agent not found: %s", e.ParentID)
}

// InvalidParentError indicates the requested parent cannot own agents.
type InvalidParentError struct {
	ParentID string
	Reason   string
}

func (e *InvalidParentError) Error() string {
	return fmt.Sprintf("invalid parent %s: %s", e.ParentID, e.Reason)
}

// AgentNotFoundError indicates an agent id resolved to nothing.
type AgentNotFoundError struct {
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent not found: %s", e.AgentID)
}

// AgentExistsError indicates a duplicate registration.
type AgentExistsError struct {
	AgentID string
}

func (e *AgentExistsError) Error() string {
	return fmt.Sprintf("agent already registered: %s", e.AgentID)
}

// ProtectedAgentError indicates an operation targeted the root or user
// sentinel.
type ProtectedAgentError struct {
	AgentID string
}

func (e *ProtectedAgentError) Error() string {
	return fmt.Sprintf("agent %s is protected and cannot be terminated", e.AgentID)
}

// TransitionError indicates a compute-status transition was rejected.
type TransitionError struct {
	AgentID string
	From    ComputeStatus
	To      ComputeStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("agent %s: invalid compute transition %s -> %s", e.AgentID, e.From, e.To)
}

// =============================================================================
// Constructors
// =============================================================================

// NewShuttingDownError creates a ShuttingDownError for the given operation.
func NewShuttingDownError(op string) *ShuttingDownError {
	return &ShuttingDownError{Op: op}
}

// NewRoleNotFoundError creates a RoleNotFoundError.
func NewRoleNotFoundError(roleRef string) *RoleNotFoundError {
	return &RoleNotFoundError{RoleRef: roleRef}
}

// NewRoleExistsError creates a RoleExistsError.
func NewRoleExistsError(name string) *RoleExistsError {
	return &RoleExistsError{Name: name}
}

// NewParentNotFoundError creates a ParentNotFoundError.
func NewParentNotFoundError(parentID string) *ParentNotFoundError {
	return &ParentNotFoundError{ParentID: parentID}
}

// NewInvalidParentError creates an InvalidParentError.
func NewInvalidParentError(parentID, reason string) *InvalidParentError {
	return &InvalidParentError{ParentID: parentID, Reason: reason}
}

// NewAgentNotFoundError creates an AgentNotFoundError.
func NewAgentNotFoundError(agentID string) *AgentNotFoundError {
	return &AgentNotFoundError{AgentID: agentID}
}

// NewAgentExistsError creates an AgentExistsError.
func NewAgentExistsError(agentID string) *AgentExistsError {
	return &AgentExistsError{AgentID: agentID}
}

// NewProtectedAgentError creates a ProtectedAgentError.
func NewProtectedAgentError(agentID string) *ProtectedAgentError {
	return &ProtectedAgentError{AgentID: agentID}
}

// NewTransitionError creates a TransitionError.
func NewTransitionError(agentID string, from, to ComputeStatus) *TransitionError {
	return &TransitionError{AgentID: agentID, From: from, To: to}
}

// =============================================================================
// Classification Helpers
// =============================================================================

// IsNotFound checks if an error is any of the not-found variants.
func IsNotFound(err error) bool {
	var agentErr *AgentNotFoundError
	var roleErr *RoleNotFoundError
	var parentErr *ParentNotFoundError
	return errors.As(err, &agentErr) || errors.As(err, &roleErr) || errors.As(err, &parentErr)
}

// IsShuttingDown checks if an error is a ShuttingDownError.
func IsShuttingDown(err error) bool {
	var sdErr *ShuttingDownError
	return errors.As(err, &sdErr)
}

// IsProtected checks if an error is a ProtectedAgentError.
func IsProtected(err error) bool {
	var pErr *ProtectedAgentError
	return errors.As(err, &pErr)
}
