// Package validation provides request guards and field validators for the
// pointsync API.
package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB).
const MaxRequestSize = 64 << 10

// ErrInvalid is matched by every *FieldError.
var ErrInvalid = errors.New("validation error")

// FieldError describes one rejected input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrInvalid) match any field error.
func (e *FieldError) Is(target error) bool {
	return target == ErrInvalid
}

// Rule is a deferred field check; nil means the field is fine.
type Rule func() *FieldError

// First runs rules in order and returns the first failure, or nil.
func First(rules ...Rule) error {
	for _, r := range rules {
		if fe := r(); fe != nil {
			return fe
		}
	}
	return nil
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// NormalizeKey trims and lower-cases an identifier such as a child name.
func NormalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SanitizeString trims whitespace and removes null bytes.
func SanitizeString(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
}

// Required checks that a field is non-empty after trimming.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks that a field has at most max characters.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if utf8.RuneCountInString(value) > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be at most %d characters", max)}
		}
		return nil
	}
}

// InRange checks min <= value <= max.
func InRange(field string, value, min, max int64) Rule {
	return func() *FieldError {
		if value < min || value > max {
			return &FieldError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}
