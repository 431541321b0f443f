package gateway

import (
	"fmt"
	"net/http"
)

// HTTPError is an upstream answer outside 2xx. 4xx answers other than 429 do not
// count against the circuit breaker.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream answered %d", e.StatusCode)
}

// tripsCircuit reports whether the status means the backend is unhealthy.
func tripsCircuit(status int) bool {
	return status >= 500 || status == 429
}
