// Package validation provides declarative request parameter validation
// with type coercion and aggregated error reporting.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/avenir-labs/gantry/internal/util"
)

// Schema validates a parameter map and returns the coerced result. The
// returned map contains only declared fields, with defaults applied.
type Schema interface {
	Validate(data map[string]any) (map[string]any, error)
}

// FieldType is the expected type of a field after coercion.
type FieldType string

// Supported field types.
const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeAny    FieldType = "any"
)

// Field declares the constraints for one parameter.
type Field struct {
	// Type is the expected type. Values are coerced from the string
	// and JSON number forms transport layers produce. Defaults to any.
	Type FieldType

	// Required rejects absent or empty values.
	Required bool

	// Default is applied when the field is absent and not required.
	Default any

	// Min and Max bound numeric values, or the length of strings.
	Min *float64
	Max *float64

	// Pattern is an anchored regular expression for string values.
	Pattern string

	// Enum restricts string values to a fixed set.
	Enum []string

	// Tag is a validator tag expression applied to the coerced value,
	// e.g. "email" or "uuid4".
	Tag string
}

// Rules maps field names to their constraints.
type Rules map[string]Field

// schema is the compiled form of a rule set.
type schema struct {
	rules    Rules
	patterns map[string]*regexp.Regexp
	validate *validator.Validate
}

// NewSchema compiles a rule set. Pattern compilation failures surface
// here rather than per request.
func NewSchema(rules Rules) (Schema, error) {
	s := &schema{
		rules:    rules,
		patterns: make(map[string]*regexp.Regexp),
		validate: validator.New(),
	}

	for name, field := range rules {
		if field.Pattern == "" {
			continue
		}
		re, err := regexp.Compile("^(?:" + field.Pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("invalid pattern for field %q: %w", name, err)
		}
		s.patterns[name] = re
	}

	return s, nil
}

// MustSchema compiles a rule set and panics on failure. For package-level
// schema declarations.
func MustSchema(rules Rules) Schema {
	s, err := NewSchema(rules)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks every declared field and aggregates all failures into
// a single validation error with per-field messages in its metadata.
func (s *schema) Validate(data map[string]any) (map[string]any, error) {
	validated := make(map[string]any, len(s.rules))
	fieldErrors := make(map[string]any)

	// Deterministic order keeps the summary message stable.
	names := make([]string, 0, len(s.rules))
	for name := range s.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := s.rules[name]

		raw, present := data[name]
		if !present || raw == nil || raw == "" {
			if field.Required {
				fieldErrors[name] = "field is required"
				continue
			}
			if field.Default != nil {
				validated[name] = field.Default
			}
			continue
		}

		value, err := s.checkField(name, field, raw)
		if err != nil {
			fieldErrors[name] = err.Error()
			continue
		}
		validated[name] = value
	}

	if len(fieldErrors) > 0 {
		msg := fmt.Sprintf("validation failed for %d field(s)", len(fieldErrors))
		return nil, util.NewValidationError(msg).WithMetadata(map[string]any{
			"fields": fieldErrors,
		})
	}

	return validated, nil
}

// checkField coerces and validates one present value.
func (s *schema) checkField(name string, field Field, raw any) (any, error) {
	value, err := coerce(field.Type, raw)
	if err != nil {
		return nil, err
	}

	if err := s.checkBounds(field, value); err != nil {
		return nil, err
	}

	if str, ok := value.(string); ok {
		if re, exists := s.patterns[name]; exists && !re.MatchString(str) {
			return nil, fmt.Errorf("must match pattern %s", field.Pattern)
		}
		if len(field.Enum) > 0 && !containsString(field.Enum, str) {
			return nil, fmt.Errorf("must be one of: %s", strings.Join(field.Enum, ", "))
		}
	}

	if field.Tag != "" {
		if err := s.validate.Var(value, field.Tag); err != nil {
			return nil, fmt.Errorf("must satisfy %q", field.Tag)
		}
	}

	return value, nil
}

// checkBounds applies Min and Max to numbers and string lengths.
func (s *schema) checkBounds(field Field, value any) error {
	if field.Min == nil && field.Max == nil {
		return nil
	}

	var n float64
	var isLength bool
	switch v := value.(type) {
	case int64:
		n = float64(v)
	case float64:
		n = v
	case string:
		n = float64(len(v))
		isLength = true
	default:
		return nil
	}

	noun := "be"
	if isLength {
		noun = "have length"
	}

	if field.Min != nil && n < *field.Min {
		return fmt.Errorf("must %s at least %s", noun, formatBound(*field.Min))
	}
	if field.Max != nil && n > *field.Max {
		return fmt.Errorf("must %s at most %s", noun, formatBound(*field.Max))
	}
	return nil
}

// coerce converts a raw value to the declared type. Strings holding
// numbers or booleans coerce so query and path parameters validate
// naturally; anything else is a type mismatch.
func coerce(t FieldType, raw any) (any, error) {
	switch t {
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("must be a string")

	case TypeInt:
		switch v := raw.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("must be an integer")
			}
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("must be an integer")
			}
			return n, nil
		default:
			return nil, fmt.Errorf("must be an integer")
		}

	case TypeFloat:
		switch v := raw.(type) {
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("must be a number")
			}
			return n, nil
		default:
			return nil, fmt.Errorf("must be a number")
		}

	case TypeBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("must be a boolean")
			}
			return b, nil
		default:
			return nil, fmt.Errorf("must be a boolean")
		}

	case TypeAny, "":
		return raw, nil

	default:
		return nil, fmt.Errorf("unknown field type %q", t)
	}
}

func formatBound(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// Bound is a convenience for declaring Min and Max values inline.
func Bound(v float64) *float64 {
	return &v
}
