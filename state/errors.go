package state

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is returned when no address grammar accepts a literal.
	ErrParse = errors.New("malformed address literal")
	// ErrInvalidOperation is returned when an operation is not defined for an address family,
	// e.g. asking whether the None address is multicast.
	ErrInvalidOperation = errors.New("invalid operation for address family")
)

// ParseError records the literal that could not be parsed.
type ParseError struct {
	Literal string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %q", ErrParse.Error(), e.Literal)
}

func (e *ParseError) Unwrap() error {
	return ErrParse
}

func invalidOp(op string, f Family) error {
	return fmt.Errorf("%s on %s address: %w", op, f, ErrInvalidOperation)
}
