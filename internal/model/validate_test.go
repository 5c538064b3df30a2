package model

import (
	"strings"
	"testing"
)

// validAgent returns an Agent that passes all validation rules.
func validAgent() Agent {
	return Agent{
		Name:   "Dana",
		Active: true,
		Status: StatusActive,
	}
}

// fieldErrors extracts a *ValidationError from err or fails the test.
func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	return ve.Errors
}

// hasFieldError reports whether the error list contains an error for the given field.
func hasFieldError(errs []FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func TestValidate_NameRequired(t *testing.T) {
	a := validAgent()
	a.Name = ""
	errs := fieldErrors(t, ValidateAgent(&a))
	if !hasFieldError(errs, "name") {
		t.Error("expected error on field 'name' for empty name")
	}
}

func TestValidate_NameWhitespaceOnly(t *testing.T) {
	a := validAgent()
	a.Name = "  \t "
	errs := fieldErrors(t, ValidateAgent(&a))
	if !hasFieldError(errs, "name") {
		t.Error("expected error on field 'name' for whitespace-only name")
	}
}

func TestValidate_NameTooLong(t *testing.T) {
	a := validAgent()
	a.Name = strings.Repeat("a", MaxAgentNameLength+1)
	errs := fieldErrors(t, ValidateAgent(&a))
	if !hasFieldError(errs, "name") {
		t.Error("expected error on field 'name' for name exceeding limit")
	}
}

func TestValidate_NameExactlyAtLimitMultibyte(t *testing.T) {
	a := validAgent()
	a.Name = strings.Repeat("é", MaxAgentNameLength)
	if err := ValidateAgent(&a); err != nil {
		t.Errorf("name with exactly %d runes should be valid, got: %v", MaxAgentNameLength, err)
	}
}

func TestValidate_InvalidStatus(t *testing.T) {
	a := validAgent()
	a.Status = Status("bogus")
	errs := fieldErrors(t, ValidateAgent(&a))
	if !hasFieldError(errs, "status") {
		t.Error("expected error on field 'status' for invalid value")
	}
}

func TestValidate_StatusActiveMismatch(t *testing.T) {
	a := validAgent()
	a.Active = false
	errs := fieldErrors(t, ValidateAgent(&a))
	if !hasFieldError(errs, "status") {
		t.Error("expected error on field 'status' when active=false and status=active")
	}
}

func TestValidate_NegativeCounters(t *testing.T) {
	a := validAgent()
	a.OrderCount = -1
	a.TurnSkips = -2
	errs := fieldErrors(t, ValidateAgent(&a))
	if !hasFieldError(errs, "order_count") {
		t.Error("expected error on field 'order_count'")
	}
	if !hasFieldError(errs, "turn_skips") {
		t.Error("expected error on field 'turn_skips'")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	a := Agent{Name: "", Status: "nope"}
	errs := fieldErrors(t, ValidateAgent(&a))
	if len(errs) < 2 {
		t.Errorf("expected at least 2 errors, got %d", len(errs))
	}
	msg := (&ValidationError{Errors: errs}).Error()
	if !strings.HasPrefix(msg, "validation failed: ") {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestValidatePatch(t *testing.T) {
	bad := Status("x")
	neg := -1
	tests := []struct {
		name  string
		patch AgentPatch
		field string
	}{
		{"empty", AgentPatch{}, "patch"},
		{"bad status", AgentPatch{Status: &bad}, "status"},
		{"negative order count", AgentPatch{OrderCount: &neg}, "order_count"},
		{"negative skips", AgentPatch{TurnSkips: &neg}, "turn_skips"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := fieldErrors(t, ValidatePatch(tt.patch))
			if !hasFieldError(errs, tt.field) {
				t.Errorf("expected error on field %q, got %v", tt.field, errs)
			}
		})
	}

	if err := ValidatePatch(ActivePatch(false)); err != nil {
		t.Errorf("ActivePatch(false) should be valid, got: %v", err)
	}
}
