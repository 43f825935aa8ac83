// Copyright (c) 2026 ToeiRei
// VDIMaster - cloud desktop session broker
// This source code is licensed under the MIT license found in the LICENSE file.

package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError carries the HTTP status and a body snippet from a failed provider
// call so callers can distinguish transient faults from hard rejections.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("provider: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("provider: %s %s returned %d", e.Method, e.Path, e.Status)
}

// IsTransient reports whether an error is worth retrying on the next poll:
// provider-side 5xx responses, network timeouts, and context deadlines.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsNotFound reports whether the provider answered 404 for the request.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}
