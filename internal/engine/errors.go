package engine

import (
	"errors"
	"fmt"
)

// UnitError reports a request against a unit that cannot serve it.
//
// UnitError includes structured fields so transports can map it to their
// own status codes without parsing the message.
type UnitError struct {
	// Code identifies the error category.
	Code UnitErrorCode

	// Unit is the deployment unit named by the request.
	Unit string

	// Message is a human-readable description.
	Message string
}

// UnitErrorCode categorizes unit errors.
type UnitErrorCode string

const (
	// ErrCodeUnknownUnit indicates the unit was never deployed or has been withdrawn.
	ErrCodeUnknownUnit UnitErrorCode = "UNKNOWN_UNIT"

	// ErrCodeUnitWithdrawing indicates the unit is being withdrawn.
	ErrCodeUnitWithdrawing UnitErrorCode = "UNIT_WITHDRAWING"

	// ErrCodeUnitDeployed indicates a second Deploy of a live unit.
	ErrCodeUnitDeployed UnitErrorCode = "UNIT_DEPLOYED"
)

// Error implements the error interface.
func (e *UnitError) Error() string {
	return fmt.Sprintf("%s: %s (unit=%s)", e.Code, e.Message, e.Unit)
}

func newUnitError(code UnitErrorCode, unit, format string, args ...any) *UnitError {
	return &UnitError{Code: code, Unit: unit, Message: fmt.Sprintf(format, args...)}
}

// IsUnknownUnit returns true if err reports an unknown or withdrawn unit.
// Uses errors.As to handle wrapped errors.
func IsUnknownUnit(err error) bool {
	var ue *UnitError
	return errors.As(err, &ue) && ue.Code == ErrCodeUnknownUnit
}

// IsUnitWithdrawing returns true if err reports a unit being withdrawn.
func IsUnitWithdrawing(err error) bool {
	var ue *UnitError
	return errors.As(err, &ue) && ue.Code == ErrCodeUnitWithdrawing
}

// ErrUnknownRequest is returned for request ids the engine does not track.
var ErrUnknownRequest = errors.New("unknown request")

// errRedeployed reports work that started against an earlier deployment of
// its unit. Submit and Prepare retry against the current one.
var errRedeployed = errors.New("unit redeployed")
