// Package rpcerr defines the daemon's wire error taxonomy: every error that
// can cross the socket carries a stable code, a human-readable message, and
// nothing else (no stack traces on the wire — those stay in the structured
// log, keyed by request id).
package rpcerr

import (
	"errors"
	"fmt"
)

// Code is one of the normative error codes from the protocol's error
// taxonomy.
type Code string

const (
	InvalidJSON               Code = "INVALID_JSON"
	InvalidCommand             Code = "INVALID_COMMAND"
	UnknownCommand             Code = "UNKNOWN_COMMAND"
	InvalidParameters          Code = "INVALID_PARAMETERS"
	InvalidMode                Code = "INVALID_MODE"
	NoProcessManager           Code = "NO_PROCESS_MANAGER"
	NoAgentManager             Code = "NO_AGENT_MANAGER"
	NoStateManager             Code = "NO_STATE_MANAGER"
	NoMessageBus               Code = "NO_MESSAGE_BUS"
	NoOrchestrator             Code = "NO_ORCHESTRATOR"
	NoHotReloadManager         Code = "NO_HOT_RELOAD_MANAGER"
	NoIdentityManager          Code = "NO_IDENTITY_MANAGER"
	AgentNotFound              Code = "AGENT_NOT_FOUND"
	AgentNotConnected          Code = "AGENT_NOT_CONNECTED"
	SenderNotFound             Code = "SENDER_NOT_FOUND"
	RecipientNotFound          Code = "RECIPIENT_NOT_FOUND"
	CompositionNotFound        Code = "COMPOSITION_NOT_FOUND"
	CompositionInvalid         Code = "COMPOSITION_INVALID"
	ComponentNotFound          Code = "COMPONENT_NOT_FOUND"
	ContextValidationError     Code = "CONTEXT_VALIDATION_ERROR"
	ComposerUnavailable        Code = "COMPOSER_UNAVAILABLE"
	CompositionFailed          Code = "COMPOSITION_FAILED"
	IdentityNotFound           Code = "IDENTITY_NOT_FOUND"
	UpdateFailed               Code = "UPDATE_FAILED"
	LoadStateFailed            Code = "LOAD_STATE_FAILED"
	SpawnFailed                Code = "SPAWN_FAILED"
	DeliveryFailed             Code = "DELIVERY_FAILED"
	SubscriptionFailed         Code = "SUBSCRIPTION_FAILED"
	CommandProcessingFailed    Code = "COMMAND_PROCESSING_FAILED"
)

// Error is a semantic RPC error with a stable wire code. It implements the
// standard error interface so handlers can return it like any other error;
// the dispatcher type-asserts for *Error to pick up the code, and falls
// back to CommandProcessingFailed for anything else.
type Error struct {
	Code    Code
	Message string
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeAndMessage extracts the wire code and message from err: its own
// code/message if err is a *Error, else CommandProcessingFailed with
// err's plain text. Used at the dispatcher boundary, the one place a
// handler error becomes a wire reply.
func CodeAndMessage(err error) (string, string) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return string(rpcErr.Code), rpcErr.Message
	}
	return string(CommandProcessingFailed), err.Error()
}
