package model

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxAgentNameLength bounds agent names, in runes.
const MaxAgentNameLength = 100

// FieldError is one rejected field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError collects every FieldError found in one pass.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	for i, fe := range e.Errors {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(fe.Field + ": " + fe.Message)
	}
	return b.String()
}

// HasErrors reports whether any field was rejected.
func (e *ValidationError) HasErrors() bool { return len(e.Errors) > 0 }

func (e *ValidationError) addf(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// err returns nil when nothing was rejected, so callers never get a
// non-nil error interface holding an empty list.
func (e *ValidationError) err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

func (e *ValidationError) checkStatus(s Status, active *bool) {
	if !s.IsValid() {
		e.addf("status", "invalid value %q", s)
		return
	}
	if active != nil && StatusFor(*active) != s {
		e.addf("status", "%q does not match active=%t", s, *active)
	}
}

func (e *ValidationError) checkCounter(field string, n int) {
	if n < 0 {
		e.addf(field, "must not be negative")
	}
}

// ValidateAgent returns a *ValidationError listing every problem with a,
// or nil.
func ValidateAgent(a *Agent) error {
	ve := &ValidationError{}
	switch name := strings.TrimSpace(a.Name); {
	case name == "":
		ve.addf("name", "is required")
	case utf8.RuneCountInString(name) > MaxAgentNameLength:
		ve.addf("name", "must be %d characters or fewer", MaxAgentNameLength)
	}
	ve.checkStatus(a.Status, &a.Active)
	ve.checkCounter("order_count", a.OrderCount)
	ve.checkCounter("turn_skips", a.TurnSkips)
	return ve.err()
}

// ValidatePatch rejects empty patches and values ValidateAgent would reject.
func ValidatePatch(p AgentPatch) error {
	ve := &ValidationError{}
	if p.IsEmpty() {
		ve.addf("patch", "has no fields")
	}
	if p.Status != nil {
		ve.checkStatus(*p.Status, p.Active)
	}
	if p.OrderCount != nil {
		ve.checkCounter("order_count", *p.OrderCount)
	}
	if p.TurnSkips != nil {
		ve.checkCounter("turn_skips", *p.TurnSkips)
	}
	return ve.err()
}
