// Package guardianerrors defines the typed error kinds shared by
// guardian-daemon's components, so callers can switch on error kind
// per the error handling table without string matching.
package guardianerrors

import "fmt"

// Kind identifies the category of a component error.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindConfigInvalid
	KindStorageBusy
	KindStorageIO
	KindBusDisconnected
	KindNotificationFailed
	KindTerminationFailed
	KindPamWriteFailed
	KindUnitReconcileFailed
	KindIpcMalformed
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindStorageBusy:
		return "StorageBusy"
	case KindStorageIO:
		return "StorageIO"
	case KindBusDisconnected:
		return "BusDisconnected"
	case KindNotificationFailed:
		return "NotificationFailed"
	case KindTerminationFailed:
		return "TerminationFailed"
	case KindPamWriteFailed:
		return "PamWriteFailed"
	case KindUnitReconcileFailed:
		return "UnitReconcileFailed"
	case KindIpcMalformed:
		return "IpcMalformed"
	default:
		return "Unknown"
	}
}

// ComponentError is a typed error carrying the component, operation,
// and kind needed to drive per-kind error handling without parsing
// error strings.
type ComponentError struct {
	Component string
	Operation string
	Kind      Kind
	Username  string
	SessionID string
	Err       error
}

func (e *ComponentError) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("%s.%s: %s (user=%s): %v", e.Component, e.Operation, e.Kind, e.Username, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s: %v", e.Component, e.Operation, e.Kind, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// New builds a ComponentError.
func New(component, operation string, kind Kind, err error) *ComponentError {
	return &ComponentError{Component: component, Operation: operation, Kind: kind, Err: err}
}

// WithUsername attaches a username to the error for structured logging.
func (e *ComponentError) WithUsername(username string) *ComponentError {
	e.Username = username
	return e
}

// WithSession attaches a session id to the error for structured logging.
func (e *ComponentError) WithSession(sessionID string) *ComponentError {
	e.SessionID = sessionID
	return e
}
