package hetzner

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRateLimited is returned once the 429 retry budget is exhausted.
	ErrRateLimited   = errors.New("provider rate limit exceeded")
	ErrActionFailed  = errors.New("provider action failed")
	ErrActionTimeout = errors.New("provider action timed out")
)

// Provider error codes that describe the request itself rather than a
// transient condition. Retrying them cannot succeed.
var resourceErrorCodes = map[string]bool{
	"resource_limit_exceeded": true,
	"uniqueness_error":        true,
	"invalid_input":           true,
	"placement_error":         true,
	"forbidden":               true,
}

type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("hetzner api error (HTTP %d, %s): %s", e.StatusCode, e.Code, e.Message)
}

func parseAPIError(status int, body []byte) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, &envelope); err == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(status)
	}
	return apiErr
}

func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.Code == "not_found")
}

// IsResourceError reports whether err is a quota, naming or input problem
// that should fail provisioning immediately.
func IsResourceError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return resourceErrorCodes[apiErr.Code]
}

// ErrorCode extracts the provider error code from err, or "".
func ErrorCode(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}
