package tds

import (
	"errors"
	"fmt"
)

// Error taxonomy for the transport shim and the decimal codec.
//
// Transport failures are always translated at the shim boundary: callers
// never see a raw platform error for a closed socket or an expired
// deadline, only ErrClosed or ErrTimeout. Any other I/O failure is wrapped
// with %w so the underlying reason stays reachable via errors.Is/As.
var (
	// ErrClosed reports that the socket is no longer connected. It covers
	// EOF, already-closed and never-connected conditions uniformly, and is
	// returned by every shim call once the shim has terminated.
	ErrClosed = errors.New("tds: connection closed")

	// ErrTimeout reports deadline expiry on a timed receive.
	ErrTimeout = errors.New("tds: timeout expired")

	// ErrInvalidAttributes reports precision/scale outside the caller
	// contract. This is a programming error, not a data error.
	ErrInvalidAttributes = errors.New("tds: invalid decimal precision or scale")

	// ErrRoundingOverflow reports a decimal value that cannot be
	// represented within the requested precision/scale after rounding.
	ErrRoundingOverflow = errors.New("tds: arithmetic overflow converting numeric")

	// ErrSizeExceedsMaximum reports a digit count beyond the protocol's
	// absolute 38-digit ceiling.
	ErrSizeExceedsMaximum = errors.New("tds: requested decimal size exceeds maximum precision")
)

// SQL Server error numbers surfaced with codec failures, so an overflow is
// attributable the way the server itself would report it.
const (
	// ErrNumArithmeticOverflow is "Arithmetic overflow error converting
	// %ls to data type numeric." (severity 16).
	ErrNumArithmeticOverflow int32 = 8115

	// ErrNumInvalidPrecision is "The precision argument is invalid."
	ErrNumInvalidPrecision int32 = 1002
)

// DecimalOverflowError reports a value that survived attribute validation
// but cannot fit the requested precision/scale after scale rounding.
type DecimalOverflowError struct {
	Value     string
	Precision uint8
	Scale     uint8
}

func (e *DecimalOverflowError) Error() string {
	return fmt.Sprintf("tds: msg %d: arithmetic overflow encoding %s as decimal(%d,%d)",
		ErrNumArithmeticOverflow, e.Value, e.Precision, e.Scale)
}

func (e *DecimalOverflowError) Unwrap() error { return ErrRoundingOverflow }

// DecimalSizeError reports a digit count beyond the protocol ceiling,
// before precision/scale fitting is even attempted.
type DecimalSizeError struct {
	Value  string
	Digits int
}

func (e *DecimalSizeError) Error() string {
	return fmt.Sprintf("tds: %s requires %d digits, exceeding the maximum precision of %d",
		e.Value, e.Digits, MaxDecimalPrecision)
}

func (e *DecimalSizeError) Unwrap() error { return ErrSizeExceedsMaximum }

// transportErr wraps an I/O failure that is neither a closure nor a
// timeout. The platform error is passed through unmodified underneath.
func transportErr(op string, err error) error {
	return fmt.Errorf("tds: %s: %w", op, err)
}
