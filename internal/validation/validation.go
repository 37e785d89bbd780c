// Package validation checks probe input before it reaches the engine.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/domainlens/internal/urlx"
)

// MaxRequestSize is the maximum request body size (64KB). Probe events are
// a URL and a handful of codes.
const MaxRequestSize = 64 << 10

// MaxURLLength is the longest URL accepted from a probe
const MaxURLLength = 8192

// MaxSignals caps the signal codes in one classify call
const MaxSignals = 32

var (
	// digestRegex matches a hex SHA-256 digest
	digestRegex = regexp.MustCompile(`^[a-fA-F0-9]{64}$`)
	// signalRegex matches the shape of a signal code; membership is checked by the classifier
	signalRegex = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidDigest checks if a string is a hex SHA-256 digest
func IsValidDigest(s string) bool {
	return digestRegex.MatchString(s)
}

// IsSignalShaped reports whether s looks like a signal code. Unknown but
// well-formed codes still pass here; they are dropped later with a warning.
func IsSignalShaped(s string) bool {
	return signalRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidTabID checks that a tab id is positive
func ValidTabID(field string, id int64) func() *ValidationError {
	return func() *ValidationError {
		if id <= 0 {
			return &ValidationError{Field: field, Message: "must be a positive tab id"}
		}
		return nil
	}
}

// ValidDigest checks an optional hex SHA-256 field
func ValidDigest(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidDigest(value) {
			return &ValidationError{Field: field, Message: "must be a hex SHA-256 digest"}
		}
		return nil
	}
}

// ValidSignals caps the number of signal codes. Unknown or malformed codes
// are not an error here; the engine filters them out.
func ValidSignals(field string, codes []string) func() *ValidationError {
	return func() *ValidationError {
		if len(codes) > MaxSignals {
			return &ValidationError{Field: field, Message: "too many signal codes"}
		}
		return nil
	}
}

// DomainParamMiddleware validates the :domain URL parameter on routes that use it.
// The canonical domain is stored under "domain" for the handler.
func DomainParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.Param("domain")
		if raw == "" {
			c.Next()
			return
		}
		domain, err := urlx.CanonicalDomain(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_domain",
				"message": "domain must be a host name such as example.com",
			})
			return
		}
		c.Set("domain", domain)
		c.Next()
	}
}
