package mary

import (
	"errors"
	"fmt"
	"net/http"
)

// RemoteServiceError reports a non-200 answer from the MaryTTS server.
type RemoteServiceError struct {
	StatusCode int
	Reason     string
	Header     http.Header
	Body       string
}

func (e *RemoteServiceError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("mary server returned %d %s: %s", e.StatusCode, e.Reason, e.Body)
	}
	return fmt.Sprintf("mary server returned %d %s", e.StatusCode, e.Reason)
}

// ProtocolError reports a response body that could not be decoded.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mary %s: malformed response: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// InvalidArgumentError reports a caller supplied value the client does not understand.
type InvalidArgumentError struct {
	Name  string
	Value string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s %q", e.Name, e.Value)
}

// StatusCode returns the HTTP status carried by err, or 0 when err is not a
// RemoteServiceError.
func StatusCode(err error) int {
	var remote *RemoteServiceError
	if errors.As(err, &remote) {
		return remote.StatusCode
	}
	return 0
}
