package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeBlocked     Code = 16

	// Planning failures. A plan that hits any of these is discarded as a whole.
	CodeInsufficientBalance     Code = 20
	CodeInsufficientLiquidity   Code = 21
	CodeOracleUnavailable       Code = 22
	CodeUnsupportedCounterparty Code = 23
	CodeSimulationFailure       Code = 24
	CodeSlippageBound           Code = 25
	CodeNoPositions             Code = 26
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	cliErr, ok := As(err)
	return ok && cliErr.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName is the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "provider_unavailable"
	case CodeUnsupported:
		return "unsupported"
	case CodeBlocked:
		return "command_blocked"
	case CodeInsufficientBalance:
		return "insufficient_balance"
	case CodeInsufficientLiquidity:
		return "insufficient_liquidity"
	case CodeOracleUnavailable:
		return "oracle_unavailable"
	case CodeUnsupportedCounterparty:
		return "unsupported_counterparty"
	case CodeSimulationFailure:
		return "simulation_failure"
	case CodeSlippageBound:
		return "slippage_bound_violation"
	case CodeNoPositions:
		return "no_positions_to_migrate"
	default:
		return "internal_error"
	}
}
