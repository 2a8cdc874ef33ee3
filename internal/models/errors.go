package models

import "fmt"

// ValidationError reports malformed alert or user input. It is rejected before
// persistence and never retried.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
