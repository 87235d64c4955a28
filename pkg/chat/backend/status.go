package backend

import "fmt"

type StatusKind int

const (
	// StatusUnknown means no probe has completed yet.
	StatusUnknown StatusKind = iota
	StatusConnected
	StatusUnauthorized
	StatusNotFound
	StatusUnavailable
)

func (k StatusKind) String() string {
	switch k {
	case StatusConnected:
		return "connected"
	case StatusUnauthorized:
		return "unauthorized"
	case StatusNotFound:
		return "not_found"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Status is the result of probing the candidate chat endpoints. Exactly one
// kind is current; a new probe replaces the whole value.
type Status struct {
	Kind StatusKind `json:"kind"`
	// URL is set for Connected and, when known, Unauthorized.
	URL     string `json:"url,omitempty"`
	Message string `json:"message,omitempty"`
}

func Connected(url string) Status {
	return Status{Kind: StatusConnected, URL: url}
}

func Unauthorized(url, message string) Status {
	return Status{Kind: StatusUnauthorized, URL: url, Message: message}
}

func NotFound() Status {
	return Status{Kind: StatusNotFound, Message: "no candidate endpoint answered"}
}

func Unavailable(message string) Status {
	return Status{Kind: StatusUnavailable, Message: message}
}

func (s Status) IsConnected() bool { return s.Kind == StatusConnected }

// UsesFallback reports whether chat should run in local mode without
// surfacing an error. Unauthorized is a hard error and returns false.
func (s Status) UsesFallback() bool {
	switch s.Kind {
	case StatusNotFound, StatusUnavailable, StatusUnknown:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s.Kind {
	case StatusConnected:
		return fmt.Sprintf("connected to %s", s.URL)
	case StatusUnauthorized:
		if s.URL != "" {
			return fmt.Sprintf("unauthorized at %s: %s", s.URL, s.Message)
		}
		return "unauthorized: " + s.Message
	case StatusNotFound:
		return "not found"
	case StatusUnavailable:
		return "unavailable: " + s.Message
	default:
		return "unknown"
	}
}
