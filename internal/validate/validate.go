// Package validate provides shared input validation for the playback
// HTTP surface.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ValidationError describes a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// MultiError collects multiple validation errors for a single request.
type MultiError struct {
	Errors []ValidationError
}

// Add appends a validation error. If err is nil, Add is a no-op.
func (m *MultiError) Add(err error) {
	if err == nil {
		return
	}
	if ve, ok := err.(*ValidationError); ok {
		m.Errors = append(m.Errors, *ve)
	} else {
		m.Errors = append(m.Errors, ValidationError{Field: "request", Message: err.Error()})
	}
}

// HasErrors reports whether any errors have been collected.
func (m *MultiError) HasErrors() bool { return len(m.Errors) > 0 }

// Error returns a pipe-delimited summary of all errors.
func (m *MultiError) Error() string {
	parts := make([]string, len(m.Errors))
	for i, e := range m.Errors {
		parts[i] = e.Error()
	}
	return strings.Join(parts, " | ")
}

// NonEmptyString validates that value is not empty or whitespace-only.
func NonEmptyString(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "must not be empty"}
	}
	return nil
}

// MaxLength validates that value does not exceed max rune count.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{Field: field, Message: fmt.Sprintf("must not exceed %d characters", max)}
	}
	return nil
}

var uuidRE = regexp.MustCompile(`(?i)^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsUUID validates that value is a valid UUID.
func IsUUID(field, value string) error {
	if !uuidRE.MatchString(strings.TrimSpace(value)) {
		return &ValidationError{Field: field, Message: "must be a valid UUID"}
	}
	return nil
}

var slugRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_\-:.]*$`)

// IsContentID validates that value is a safe content identifier.
func IsContentID(field, value string) error {
	if len(value) > 200 {
		return &ValidationError{Field: field, Message: "must be 200 characters or fewer"}
	}
	if !slugRE.MatchString(value) {
		return &ValidationError{Field: field, Message: "must be an alphanumeric identifier"}
	}
	return nil
}

// IsContentType validates the content type discriminator.
func IsContentType(field, value string) error {
	if value != "movie" && value != "episode" {
		return &ValidationError{Field: field, Message: "must be movie or episode"}
	}
	return nil
}

var htmlTagRE = regexp.MustCompile(`<[^>]+>`)

// NoHTML validates that value contains no HTML tags.
func NoHTML(field, value string) error {
	if htmlTagRE.MatchString(value) {
		return &ValidationError{Field: field, Message: "must not contain HTML"}
	}
	return nil
}

// NonNegativeInt validates that value is zero or greater.
func NonNegativeInt(field string, value int) error {
	if value < 0 {
		return &ValidationError{Field: field, Message: "must not be negative"}
	}
	return nil
}
