package classic

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBlock is returned for a block index outside the card.
	ErrInvalidBlock = errors.New("invalid block number")
	// ErrReservedBlock is returned when a single-block operation targets the
	// UID block or a sector trailer.
	ErrReservedBlock = errors.New("reserved block")
	// ErrInvalidKey is returned for a malformed key or key type.
	ErrInvalidKey = errors.New("invalid key")
	// ErrUnknownCapacity is returned for a capacity other than 2k or 4k.
	ErrUnknownCapacity = errors.New("unknown card capacity")
)

// TransportError reports a failed exchange with the reader. It aborts the
// running operation.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError reports that the reader refused to load the key or the card
// refused authentication for a sector.
type AuthError struct {
	Sector int
	Step   string // "load key" or "authenticate"
	SW     StatusWord
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for sector %d (%s): SW=%s (%s)", e.Sector, e.Step, e.SW, e.SW.Description())
}

// StatusError reports a non-success status word for a block command.
type StatusError struct {
	Op    string
	Block int
	SW    StatusWord
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed for block %d: SW=%s (%s)", e.Op, e.Block, e.SW, e.SW.Description())
}

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsAuthError reports whether err is or wraps an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsStatusError reports whether err is or wraps a *StatusError.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
