package automation

import (
	"errors"
	"fmt"
)

type ErrorCode uint8

const (
	TriggerNotActive ErrorCode = iota + 1
	AutomationPaused
	AutomationBusy
	RateLimitExceeded
	InvalidAutomationState
	InvalidTriggerVariant
	UnauthorizedWrite
	SimulationError
	SizeLimitExceeded
	NodeUnhealthy
)

var codeNames = map[ErrorCode]string{
	TriggerNotActive:       "TriggerNotActive",
	AutomationPaused:       "AutomationPaused",
	AutomationBusy:         "AutomationBusy",
	RateLimitExceeded:      "RateLimitExceeded",
	InvalidAutomationState: "InvalidAutomationState",
	InvalidTriggerVariant:  "InvalidTriggerVariant",
	UnauthorizedWrite:      "UnauthorizedWrite",
	SimulationError:        "SimulationError",
	SizeLimitExceeded:      "SizeLimitExceeded",
	NodeUnhealthy:          "NodeUnhealthy",
}

func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// Recoverable reports whether the condition is expected to clear by itself
// so the operation may simply be retried later.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case TriggerNotActive, AutomationPaused, AutomationBusy, RateLimitExceeded, SimulationError, SizeLimitExceeded, NodeUnhealthy:
		return true
	default:
		return false
	}
}

// Error is the engine's error taxonomy. Errors with the same Code match
// each other with errors.Is so the sentinels below can be used as targets.
type Error struct {
	Code ErrorCode
	Msg  string
}

var (
	ErrTriggerNotActive       = &Error{Code: TriggerNotActive}
	ErrAutomationPaused       = &Error{Code: AutomationPaused}
	ErrAutomationBusy         = &Error{Code: AutomationBusy}
	ErrRateLimitExceeded      = &Error{Code: RateLimitExceeded}
	ErrInvalidAutomationState = &Error{Code: InvalidAutomationState}
	ErrInvalidTriggerVariant  = &Error{Code: InvalidTriggerVariant}
	ErrUnauthorizedWrite      = &Error{Code: UnauthorizedWrite}
	ErrSimulation             = &Error{Code: SimulationError}
	ErrSizeLimitExceeded      = &Error{Code: SizeLimitExceeded}
	ErrNodeUnhealthy          = &Error{Code: NodeUnhealthy}
)

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// NewError creates taxonomy error with formatted message.
func NewError(code ErrorCode, format string, args ...any) error {
	return newError(code, format, args...)
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Msg
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// CodeOf returns the taxonomy code of the first *Error in err's chain.
func CodeOf(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// ErrorFromCode rebuilds the taxonomy error of a failed transaction reported
// by the ledger. Unknown failures are simulation errors.
func ErrorFromCode(code uint8, msg string) error {
	if code == 0 {
		return newError(SimulationError, "%s", msg)
	}
	return newError(ErrorCode(code), "%s", msg)
}
