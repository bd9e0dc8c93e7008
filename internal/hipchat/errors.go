package hipchat

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrorKind classifies a chat API failure. The only kind callers branch on is
// KindUnauthorized, which triggers a single re-authenticate-and-retry.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindBadRequest
	KindUnauthorized
	KindRateLimited
	KindNotFound
	KindServerError
	KindUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate limited"
	case KindNotFound:
		return "not found"
	case KindServerError:
		return "server error"
	case KindUnavailable:
		return "unavailable"
	}
	return "unknown"
}

// An APIError is a failed chat API call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	// Message carries the response body for bad requests, where the API
	// explains what was wrong.
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("hipchat api: %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("hipchat api: %s (status %d)", e.Kind, e.StatusCode)
}

// IsUnauthorized reports whether err is a chat API authorization failure.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Kind == KindUnauthorized
}

func kindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindRateLimited
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusInternalServerError:
		return KindServerError
	case http.StatusServiceUnavailable:
		return KindUnavailable
	}
	return KindUnknown
}

func errFromResponse(res *http.Response) *APIError {
	apiErr := &APIError{
		Kind:       kindFromStatus(res.StatusCode),
		StatusCode: res.StatusCode,
	}
	if apiErr.Kind == KindBadRequest {
		body, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err == nil {
			apiErr.Message = string(body)
		}
	}

	return apiErr
}
