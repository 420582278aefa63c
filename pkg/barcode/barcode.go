// Package barcode implements symbology detection, EAN/UPC check-digit
// verification, and normalization to EAN-13. It is purely functional and
// performs no I/O; every candidate code the pipeline sees passes through
// Validate regardless of which decoder produced it.
package barcode

import "fmt"

// Symbology is a linear-barcode encoding standard.
type Symbology string

const (
	EAN13   Symbology = "EAN-13"
	EAN8    Symbology = "EAN-8"
	UPCA    Symbology = "UPC-A"
	UPCE    Symbology = "UPC-E"
	Unknown Symbology = "UNKNOWN"
)

// Result carries the validation verdict for one candidate code.
// Valid holds iff NumericOnly, LengthValid and ChecksumValid all hold.
type Result struct {
	Code           string
	Symbology      Symbology
	NormalizedCode string
	ChecksumValid  bool
	LengthValid    bool
	NumericOnly    bool
	Valid          bool
}

// Options tunes validation behaviour.
type Options struct {
	// StrictUPCE rejects UPC-E codes instead of accepting them without
	// check-digit verification. Off by default; verification via UPC-A
	// expansion is a future tightening.
	StrictUPCE bool
}

// IsNumeric reports whether s is non-empty and consists only of ASCII digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DetectSymbology classifies a code by length and digit content.
func DetectSymbology(code string) Symbology {
	if !IsNumeric(code) {
		return Unknown
	}
	switch len(code) {
	case 13:
		return EAN13
	case 12:
		return UPCA
	case 8:
		return EAN8
	case 6, 7:
		return UPCE
	}
	return Unknown
}

// checkDigit computes the weighted modulo-10 check digit over digits, where
// evenWeight is applied at even indexes and oddWeight at odd indexes.
func checkDigit(digits string, evenWeight, oddWeight int) int {
	sum := 0
	for i, r := range digits {
		d := int(r - '0')
		if i%2 == 0 {
			sum += d * evenWeight
		} else {
			sum += d * oddWeight
		}
	}
	return (10 - sum%10) % 10
}

// EAN13CheckDigit computes the check digit for the first 12 digits of an
// EAN-13 code (weights 1,3 alternating from index 0).
func EAN13CheckDigit(first12 string) (int, error) {
	if len(first12) != 12 || !IsNumeric(first12) {
		return 0, fmt.Errorf("ean13 check digit needs 12 digits, got %q", first12)
	}
	return checkDigit(first12, 1, 3), nil
}

// EAN8CheckDigit computes the check digit for the first 7 digits of an
// EAN-8 code (weights 3,1 alternating from index 0).
func EAN8CheckDigit(first7 string) (int, error) {
	if len(first7) != 7 || !IsNumeric(first7) {
		return 0, fmt.Errorf("ean8 check digit needs 7 digits, got %q", first7)
	}
	return checkDigit(first7, 3, 1), nil
}

// UPCACheckDigit computes the check digit for the first 11 digits of a
// UPC-A code (weights 3,1 alternating from index 0).
func UPCACheckDigit(first11 string) (int, error) {
	if len(first11) != 11 || !IsNumeric(first11) {
		return 0, fmt.Errorf("upca check digit needs 11 digits, got %q", first11)
	}
	return checkDigit(first11, 3, 1), nil
}

// ValidateEAN13 verifies length, digits, and check digit of an EAN-13 code.
func ValidateEAN13(code string) bool {
	if len(code) != 13 || !IsNumeric(code) {
		return false
	}
	cd, err := EAN13CheckDigit(code[:12])
	return err == nil && cd == int(code[12]-'0')
}

// ValidateEAN8 verifies length, digits, and check digit of an EAN-8 code.
func ValidateEAN8(code string) bool {
	if len(code) != 8 || !IsNumeric(code) {
		return false
	}
	cd, err := EAN8CheckDigit(code[:7])
	return err == nil && cd == int(code[7]-'0')
}

// ValidateUPCA verifies length, digits, and check digit of a UPC-A code.
func ValidateUPCA(code string) bool {
	if len(code) != 12 || !IsNumeric(code) {
		return false
	}
	cd, err := UPCACheckDigit(code[:11])
	return err == nil && cd == int(code[11]-'0')
}

// NormalizeToEAN13 canonicalises a code: UPC-A is zero-prefixed to 13
// digits, EAN-13 passes through, anything else yields "".
func NormalizeToEAN13(code string, sym Symbology) string {
	switch sym {
	case EAN13:
		return code
	case UPCA:
		if len(code) == 12 {
			return "0" + code
		}
	}
	return ""
}

// Validate classifies and verifies a candidate code with default options.
func Validate(code string) Result {
	return ValidateWith(code, Options{})
}

// ValidateWith classifies and verifies a candidate code. UPC-E codes carry
// no check-digit verification unless Options.StrictUPCE is set, in which
// case they are rejected outright.
func ValidateWith(code string, opts Options) Result {
	res := Result{
		Code:        code,
		Symbology:   DetectSymbology(code),
		NumericOnly: IsNumeric(code),
	}
	switch res.Symbology {
	case EAN13:
		res.LengthValid = true
		res.ChecksumValid = ValidateEAN13(code)
	case UPCA:
		res.LengthValid = true
		res.ChecksumValid = ValidateUPCA(code)
	case EAN8:
		res.LengthValid = true
		res.ChecksumValid = ValidateEAN8(code)
	case UPCE:
		res.LengthValid = true
		res.ChecksumValid = !opts.StrictUPCE
	default:
		// UNKNOWN: non-digit or unsupported length, nothing to verify.
	}
	res.Valid = res.NumericOnly && res.LengthValid && res.ChecksumValid
	if res.Valid {
		res.NormalizedCode = NormalizeToEAN13(code, res.Symbology)
	}
	return res
}
