// Package security validates free text written to medication documents.
package security

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

var (
	ErrFieldTooLong      = errors.New("field exceeds maximum length")
	ErrNullByteDetected  = errors.New("null byte detected")
	ErrControlCharacter  = errors.New("control character detected")
	ErrInvalidUTF8       = errors.New("invalid UTF-8")
	ErrRepetitiveContent = errors.New("excessive repetition detected")
)

// FieldValidator checks user-entered text fields
type FieldValidator struct {
	MaxLength     int
	MaxRepetition int
	// AllowNewlines permits \n, \r and \t, e.g. in descriptions
	AllowNewlines bool
}

// NameValidator is used for single-line fields such as medication names
func NameValidator() *FieldValidator {
	return &FieldValidator{MaxLength: 120, MaxRepetition: 30}
}

// TextValidator is used for multi-line fields such as descriptions
func TextValidator() *FieldValidator {
	return &FieldValidator{MaxLength: 2000, MaxRepetition: 100, AllowNewlines: true}
}

// Validate returns nil when input is acceptable
func (v *FieldValidator) Validate(input string) error {
	if !utf8.ValidString(input) {
		return ErrInvalidUTF8
	}
	if v.MaxLength > 0 && utf8.RuneCountInString(input) > v.MaxLength {
		return ErrFieldTooLong
	}

	for _, r := range input {
		if r == 0 {
			return ErrNullByteDetected
		}
		if unicode.IsControl(r) {
			if v.AllowNewlines && (r == '\n' || r == '\r' || r == '\t') {
				continue
			}
			return ErrControlCharacter
		}
	}

	if v.MaxRepetition > 0 && hasExcessiveRepetition(input, v.MaxRepetition) {
		return ErrRepetitiveContent
	}
	return nil
}

// ValidateField validates input and names the field in the error
func (v *FieldValidator) ValidateField(field, input string) error {
	if err := v.Validate(input); err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	return nil
}

func hasExcessiveRepetition(input string, maxLen int) bool {
	if len(input) <= maxLen {
		return false
	}

	var prev rune
	count := 0
	for i, r := range input {
		if i > 0 && r == prev {
			count++
			if count > maxLen {
				return true
			}
		} else {
			count = 1
		}
		prev = r
	}
	return false
}
