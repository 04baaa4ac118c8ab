package httpwire

import (
	"errors"
	"fmt"
)

// ParseError reports malformed HTTP framing on either leg.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s: %v", e.What, e.Err)
	}
	return "malformed " + e.What
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErr(what string, format string, args ...any) error {
	return &ParseError{What: what, Err: fmt.Errorf(format, args...)}
}

// IsParseError reports whether err is, or wraps, a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
