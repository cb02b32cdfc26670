package fluxai

import "fmt"

// APIError is returned when the AI service answers with a non-2xx status.
type APIError struct {
	Operation  Operation
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flux ai %s: api error (%d): %s", e.Operation, e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int { return e.StatusCode }
