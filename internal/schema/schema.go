// Package schema defines the validation contract consumed by workflow steps
// and a default JSON-schema-flavored validator for map payloads.
//
// The engine never depends on a concrete validation library. A step or
// workflow may attach any value that satisfies Parser or SafeParser; the
// engine validates through Validate, which prefers the non-panicking
// SafeParser form when both are available.
package schema

// Parser validates a value and returns its (possibly coerced) parsed form,
// or an error describing why the value was rejected.
type Parser interface {
	Parse(value any) (any, error)
}

// SafeParseResult is the outcome of a SafeParser validation attempt.
type SafeParseResult struct {
	Success bool
	Data    any
	Err     error
}

// SafeParser validates a value without returning a Go error directly;
// failures are reported through the result. Validators that can express
// partial success or aggregate field errors usually implement this form.
type SafeParser interface {
	SafeParse(value any) SafeParseResult
}

// Validate runs value through s, preferring SafeParse when s implements
// SafeParser, falling back to Parse. A nil schema accepts every value
// unchanged. Any other type is rejected to surface wiring mistakes early.
func Validate(s any, value any) (any, error) {
	if s == nil {
		return value, nil
	}
	if sp, ok := s.(SafeParser); ok {
		res := sp.SafeParse(value)
		if !res.Success {
			return nil, res.Err
		}
		return res.Data, nil
	}
	if p, ok := s.(Parser); ok {
		return p.Parse(value)
	}
	return nil, &ContractError{Value: s}
}

// ContractError reports a schema value that implements neither Parser nor
// SafeParser.
type ContractError struct {
	Value any
}

func (e *ContractError) Error() string {
	return "schema does not implement Parser or SafeParser"
}
