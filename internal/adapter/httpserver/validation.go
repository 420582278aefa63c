package httpserver

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValidationError represents a validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateImageID validates an image id path parameter. UUIDs and the batch
// scoped ids minted by the uploader both fit the allowed charset.
func ValidateImageID(id string) ValidationResult {
	if id == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "REQUIRED", Message: "Image ID is required"},
			},
		}
	}
	if len(id) > 100 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "TOO_LONG", Message: "Image ID is too long (max 100 characters)"},
			},
		}
	}
	if !idPattern.MatchString(id) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Field: "id", Code: "INVALID_FORMAT", Message: "Image ID contains invalid characters"},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// ParseLimit parses a limit query parameter into the 1..100 range. An empty
// value yields the default.
func ParseLimit(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	if n > 100 {
		return 100
	}
	return n
}

// SanitizeReviewer removes control characters from a reviewer name and caps
// its length; the value ends up in detection audit fields.
func SanitizeReviewer(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 100 {
		input = input[:100]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
