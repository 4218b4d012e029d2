package schema

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Object describes an object-shaped payload: its properties, which of them
// are required, and whether unknown properties are allowed. It is the
// default Schema Contract implementation for map[string]any step payloads.
type Object struct {
	Properties           map[string]Field `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required             []string         `json:"required,omitempty" yaml:"required,omitempty"`
	AdditionalProperties *bool            `json:"additionalProperties,omitempty" yaml:"additionalProperties,omitempty"`
}

// Field describes a single property of an Object.
type Field struct {
	Type       string           `json:"type" yaml:"type"`
	Enum       []string         `json:"enum,omitempty" yaml:"enum,omitempty"`
	Format     string           `json:"format,omitempty" yaml:"format,omitempty"`
	Pattern    string           `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinLength  *int             `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength  *int             `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Minimum    *float64         `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum    *float64         `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Items      *Field           `json:"items,omitempty" yaml:"items,omitempty"`
	Properties map[string]Field `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string         `json:"required,omitempty" yaml:"required,omitempty"`
}

// FieldError reports one failed constraint during Object validation.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

func (e FieldError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("%s: %s (value: %v)", e.Field, e.Message, e.Value)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// FieldErrors aggregates every constraint violation found in one pass.
type FieldErrors []FieldError

func (e FieldErrors) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return strings.Join(msgs, "; ")
}

// SafeParse validates value against the object schema. The engine prefers
// this form over Parse.
func (o Object) SafeParse(value any) SafeParseResult {
	data, ok := value.(map[string]any)
	if !ok {
		return SafeParseResult{Err: FieldErrors{{Field: "", Message: fmt.Sprintf("expected object, got %s", jsonType(value))}}}
	}

	var errs FieldErrors
	for _, field := range o.Required {
		if _, exists := data[field]; !exists {
			errs = append(errs, FieldError{Field: field, Message: "required field is missing"})
		}
	}

	for name, val := range data {
		fieldSchema, has := o.Properties[name]
		if !has {
			if o.AdditionalProperties != nil && !*o.AdditionalProperties {
				errs = append(errs, FieldError{Field: name, Message: "additional property not allowed", Value: val})
			}
			continue
		}
		errs = append(errs, validateField(name, fieldSchema, val)...)
	}

	if len(errs) > 0 {
		return SafeParseResult{Err: errs}
	}
	return SafeParseResult{Success: true, Data: data}
}

// Parse validates value and returns it, satisfying the throwing half of the
// contract for callers that only know the Parser interface.
func (o Object) Parse(value any) (any, error) {
	res := o.SafeParse(value)
	if !res.Success {
		return nil, res.Err
	}
	return res.Data, nil
}

func validateField(path string, f Field, value any) FieldErrors {
	actual := jsonType(value)
	if !typeCompatible(f.Type, actual, value) {
		return FieldErrors{{Field: path, Message: fmt.Sprintf("expected type %s, got %s", f.Type, actual), Value: value}}
	}

	var errs FieldErrors
	switch f.Type {
	case "string":
		errs = append(errs, validateString(path, f, value.(string))...)
	case "number", "integer":
		errs = append(errs, validateNumber(path, f, value)...)
	case "array":
		if arr, ok := value.([]any); ok && f.Items != nil {
			for i, item := range arr {
				errs = append(errs, validateField(fmt.Sprintf("%s[%d]", path, i), *f.Items, item)...)
			}
		}
	case "object":
		if obj, ok := value.(map[string]any); ok {
			for _, required := range f.Required {
				if _, exists := obj[required]; !exists {
					errs = append(errs, FieldError{Field: path + "." + required, Message: "required field is missing"})
				}
			}
			for name, val := range obj {
				if prop, has := f.Properties[name]; has {
					errs = append(errs, validateField(path+"."+name, prop, val)...)
				}
			}
		}
	}

	if len(f.Enum) > 0 {
		errs = append(errs, validateEnum(path, f, value)...)
	}
	return errs
}

func validateString(path string, f Field, s string) FieldErrors {
	var errs FieldErrors
	if f.MinLength != nil && len(s) < *f.MinLength {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("string length must be at least %d", *f.MinLength), Value: s})
	}
	if f.MaxLength != nil && len(s) > *f.MaxLength {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("string length must be at most %d", *f.MaxLength), Value: s})
	}
	if f.Pattern != "" {
		matched, err := regexp.MatchString(f.Pattern, s)
		if err != nil {
			errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("invalid pattern: %v", err)})
		} else if !matched {
			errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("string does not match pattern %s", f.Pattern), Value: s})
		}
	}
	if f.Format != "" {
		errs = append(errs, validateFormat(path, f.Format, s)...)
	}
	return errs
}

func validateNumber(path string, f Field, value any) FieldErrors {
	var num float64
	switch v := value.(type) {
	case float64:
		num = v
	case float32:
		num = float64(v)
	case int:
		num = float64(v)
	case int32:
		num = float64(v)
	case int64:
		num = float64(v)
	default:
		return nil
	}

	var errs FieldErrors
	if f.Type == "integer" && num != float64(int64(num)) {
		errs = append(errs, FieldError{Field: path, Message: "expected integer, got decimal number", Value: value})
	}
	if f.Minimum != nil && num < *f.Minimum {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("value must be at least %v", *f.Minimum), Value: value})
	}
	if f.Maximum != nil && num > *f.Maximum {
		errs = append(errs, FieldError{Field: path, Message: fmt.Sprintf("value must be at most %v", *f.Maximum), Value: value})
	}
	return errs
}

func validateEnum(path string, f Field, value any) FieldErrors {
	str := fmt.Sprintf("%v", value)
	for _, allowed := range f.Enum {
		if str == allowed {
			return nil
		}
	}
	return FieldErrors{{Field: path, Message: fmt.Sprintf("value must be one of: %s", strings.Join(f.Enum, ", ")), Value: value}}
}

func validateFormat(path, format, value string) FieldErrors {
	var msg string
	switch format {
	case "uuid":
		if _, err := uuid.Parse(value); err != nil {
			msg = "invalid UUID format"
		}
	case "date-time":
		if _, err := time.Parse(time.RFC3339, value); err != nil {
			msg = "invalid date-time format (expected RFC3339)"
		}
	case "date":
		if _, err := time.Parse("2006-01-02", value); err != nil {
			msg = "invalid date format (expected YYYY-MM-DD)"
		}
	}
	if msg == "" {
		return nil
	}
	return FieldErrors{{Field: path, Message: msg, Value: value}}
}

func typeCompatible(expected, actual string, value any) bool {
	if expected == actual {
		return true
	}
	// JSON has no integer type of its own.
	if expected == "integer" && actual == "number" {
		switch v := value.(type) {
		case float64:
			return v == float64(int64(v))
		case int, int32, int64:
			return true
		}
	}
	return false
}

func jsonType(value any) string {
	if value == nil {
		return "null"
	}
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
