package extraction

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/docflow/idp-core/internal/providers"
)

// validatorTag maps a Schema attribute type to the go-playground/validator
// tag used to check a decoded JSON value against it.
func validatorTag(attrType string) (string, bool) {
	switch attrType {
	case "string":
		return "required", true
	case "number":
		return "numeric", true
	case "boolean":
		return "", false // bool has no meaningful "required" check; type-checked separately
	case "date":
		return "datetime=2006-01-02", true
	default:
		return "", false
	}
}

// validateAgainstSchema checks extracted's shape and per-attribute types
// against schema, coercing unambiguous numeric/boolean mismatches (e.g. a
// JSON string "42" for a number field) before validating. It returns a
// descriptive error on structural mismatch, which the caller wraps
// PERMANENT_SCHEMA.
func validateAgainstSchema(v *validator.Validate, schema providers.Schema, extracted map[string]any) error {
	for _, attr := range schema.Attributes {
		val, present := extracted[attr.Name]
		if !present || val == nil {
			if attr.Required {
				return fmt.Errorf("missing required attribute %q", attr.Name)
			}
			continue
		}

		switch attr.Type {
		case "number":
			f, ok := coerceNumber(val)
			if !ok {
				return fmt.Errorf("attribute %q: expected number, got %T", attr.Name, val)
			}
			extracted[attr.Name] = f
		case "boolean":
			b, ok := coerceBool(val)
			if !ok {
				return fmt.Errorf("attribute %q: expected boolean, got %T", attr.Name, val)
			}
			extracted[attr.Name] = b
		case "string", "date":
			s, ok := val.(string)
			if !ok {
				return fmt.Errorf("attribute %q: expected string, got %T", attr.Name, val)
			}
			if tag, ok := validatorTag(attr.Type); ok {
				if err := v.Var(s, tag); err != nil {
					return fmt.Errorf("attribute %q: %w", attr.Name, err)
				}
			}
			if attr.Type == "date" {
				if _, err := time.Parse("2006-01-02", s); err != nil {
					return fmt.Errorf("attribute %q: invalid date %q: %w", attr.Name, s, err)
				}
			}
		}
	}
	return nil
}

func coerceNumber(val any) (float64, bool) {
	switch n := val.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

func coerceBool(val any) (bool, bool) {
	switch b := val.(type) {
	case bool:
		return b, true
	case string:
		switch b {
		case "true", "True", "TRUE":
			return true, true
		case "false", "False", "FALSE":
			return false, true
		}
	}
	return false, false
}
