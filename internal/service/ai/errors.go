package ai

import "errors"

var (
	// ErrInferenceTransport covers network failures, timeouts and non-2xx replies.
	ErrInferenceTransport = errors.New("inference transport error")
	// ErrInferenceMalformed means the backend answered with an unexpected shape.
	ErrInferenceMalformed = errors.New("inference response malformed")
	// ErrInferenceEmpty means the first candidate carried no usable text.
	ErrInferenceEmpty = errors.New("inference returned empty answer")
)

// Kind maps an inference error to a short label for logs and events.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInferenceEmpty):
		return "empty_answer"
	case errors.Is(err, ErrInferenceMalformed):
		return "malformed_response"
	case errors.Is(err, ErrInferenceTransport):
		return "transport"
	default:
		return "unknown"
	}
}
