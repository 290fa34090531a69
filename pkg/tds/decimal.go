package tds

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// SQLType identifies a TDS wire data type. Only the fixed-precision
// decimal family is handled at this layer; the row and parameter
// marshalling layer above owns the rest of the type system.
type SQLType uint8

const (
	// TypeDecimalN is the nullable DECIMAL wire type.
	TypeDecimalN SQLType = 0x6A // 106

	// TypeNumericN is the nullable NUMERIC wire type. Identical wire
	// format to DECIMALN.
	TypeNumericN SQLType = 0x6C // 108
)

func (t SQLType) String() string {
	switch t {
	case TypeDecimalN:
		return "DECIMAL"
	case TypeNumericN:
		return "NUMERIC"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(t))
	}
}

// MaxDecimalPrecision is the protocol's absolute ceiling on significant
// digits in a DECIMAL/NUMERIC value.
const MaxDecimalPrecision = 38

// DecimalAttrs carries the precision/scale metadata of a decimal column
// or parameter, sourced from COLMETADATA or parameter type info.
type DecimalAttrs struct {
	Precision uint8 // total significant digits, 1..38
	Scale     uint8 // digits after the decimal point, 0..Precision
}

// Validate checks the attribute contract. Violations are caller
// programming errors, not data errors, and fail fast.
func (a DecimalAttrs) Validate() error {
	if a.Precision < 1 || a.Scale > a.Precision {
		return fmt.Errorf("%w: precision %d, scale %d", ErrInvalidAttributes, a.Precision, a.Scale)
	}
	if a.Precision > MaxDecimalPrecision {
		return fmt.Errorf("%w: precision %d", ErrSizeExceedsMaximum, a.Precision)
	}
	return nil
}

// DecimalWidth returns the fixed magnitude width in bytes the protocol
// mandates for the given precision: 4, 8, 12 or 16 by precision band.
func DecimalWidth(precision uint8) int {
	switch {
	case precision <= 9:
		return 4
	case precision <= 19:
		return 8
	case precision <= 28:
		return 12
	default:
		return 16
	}
}

// EncodeDecimal encodes v into the DECIMALN/NUMERICN wire format:
// one length byte (magnitude width + 1 for the sign byte), one sign byte
// (1 = positive or zero, 0 = negative), then the unsigned magnitude in
// little-endian order, zero-padded to the precision band's fixed width.
// A nil value encodes as a single zero length byte (NULL).
//
// The value is first brought to exactly attrs.Scale fractional digits,
// rounding half away from zero on the dropped digit. Values whose rounded
// magnitude needs more digits than attrs.Precision fail with a rounding
// overflow; values needing more than 38 digits fail with the distinct
// size-exceeds-maximum error. Scientific-notation inputs behave exactly
// like their plain-digit equivalents: only the numeric value matters.
func EncodeDecimal(v *decimal.Decimal, attrs DecimalAttrs) ([]byte, error) {
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	if v == nil {
		return []byte{0}, nil
	}

	// Exact integer scaling: round to the target scale, then shift the
	// decimal point away entirely. Never a float conversion.
	unscaled := v.Round(int32(attrs.Scale)).Shift(int32(attrs.Scale)).BigInt()
	mag := new(big.Int).Abs(unscaled)

	digits := decimalDigits(mag)
	if digits > MaxDecimalPrecision {
		return nil, &DecimalSizeError{Value: v.String(), Digits: digits}
	}
	if digits > int(attrs.Precision) {
		return nil, &DecimalOverflowError{Value: v.String(), Precision: attrs.Precision, Scale: attrs.Scale}
	}

	width := DecimalWidth(attrs.Precision)
	out := make([]byte, 2+width)
	out[0] = byte(width + 1)
	if unscaled.Sign() < 0 {
		out[1] = 0
	} else {
		out[1] = 1
	}

	// Minimal big-endian bytes, reversed into the fixed little-endian
	// width; the high bytes stay zero.
	be := mag.Bytes()
	for i, b := range be {
		out[2+len(be)-1-i] = b
	}
	return out, nil
}

// DecodeDecimal is the inverse of EncodeDecimal. A leading length byte of
// zero yields nil (NULL); otherwise the sign byte and little-endian
// magnitude are reconstructed into a decimal with attrs.Scale implied
// fractional digits.
func DecodeDecimal(buf []byte, attrs DecimalAttrs) (*decimal.Decimal, error) {
	if err := attrs.Validate(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("tds: decimal: empty buffer")
	}
	n := int(buf[0])
	if n == 0 {
		return nil, nil
	}
	if len(buf) < 1+n {
		return nil, fmt.Errorf("tds: decimal: truncated value: have %d bytes, length byte declares %d", len(buf)-1, n)
	}

	sign := buf[1]
	le := buf[2 : 1+n]
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}

	mag := new(big.Int).SetBytes(be)
	if sign == 0 {
		mag.Neg(mag)
	}
	d := decimal.NewFromBigInt(mag, -int32(attrs.Scale))
	return &d, nil
}

// EncodeValue dispatches on the wire type tag supplied by the marshalling
// layer. Only the decimal family is accepted here.
func EncodeValue(typ SQLType, v *decimal.Decimal, attrs DecimalAttrs) ([]byte, error) {
	if typ != TypeDecimalN && typ != TypeNumericN {
		return nil, fmt.Errorf("tds: unsupported wire type %s for decimal codec", typ)
	}
	return EncodeDecimal(v, attrs)
}

// DecodeValue dispatches on the wire type tag supplied by the marshalling
// layer. Only the decimal family is accepted here.
func DecodeValue(typ SQLType, buf []byte, attrs DecimalAttrs) (*decimal.Decimal, error) {
	if typ != TypeDecimalN && typ != TypeNumericN {
		return nil, fmt.Errorf("tds: unsupported wire type %s for decimal codec", typ)
	}
	return DecodeDecimal(buf, attrs)
}

// decimalDigits counts the significant decimal digits of a non-negative
// magnitude; zero counts as one digit.
func decimalDigits(mag *big.Int) int {
	if mag.Sign() == 0 {
		return 1
	}
	return len(mag.String())
}
