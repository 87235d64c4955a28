package backend

import (
	"context"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

var (
	// ErrTransport covers socket and network failures.
	ErrTransport = errors.New("transport error")
	// ErrUnauthorized is returned for HTTP 401/403. It is never bypassed silently.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrEndpointNotFound is returned for HTTP 404 on a chat request.
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrTimeout is returned when a probe or request exceeds its timeout.
	ErrTimeout = errors.New("request timed out")
)

// HTTPStatusError is any other non-success response.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d from %s", e.StatusCode, e.URL)
}

// ClassifyTransport maps a client.Do error to ErrTimeout or ErrTransport.
func ClassifyTransport(err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrapf(ErrTimeout, "%s: %v", url, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return errors.Wrapf(ErrTimeout, "%s: %v", url, err)
	}
	return errors.Wrapf(ErrTransport, "%s: %v", url, err)
}

// IsTimeout reports whether err is a timeout. Timeouts are also transport
// failures for fallback decisions.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
