// Package validation wires go-playground/validator for the module. Callers
// register their own struct-level rules on the returned instance.
package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a validator configured with the module defaults.
func New() *validatorv10.Validate {
	return validatorv10.New()
}

// ErrorsToMap flattens validation errors into field -> message pairs for
// logging and error payloads.
func ErrorsToMap(err error) map[string]string {
	out := map[string]string{}
	if ve, ok := err.(validatorv10.ValidationErrors); ok {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Error()
		}
	} else if err != nil {
		out["error"] = err.Error()
	}
	return out
}
