package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"oras.land/oras-go/v2/registry/remote/errcode"

	"github.com/xregistry/ociwrap/core"
)

// Error is the typed failure of one upstream request. Status is the upstream
// HTTP status, zero when the request never produced a response. Detail is the
// first error message from an OCI error body when one was present.
type Error struct {
	Backend string
	Status  int
	Detail  string
	cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Detail != "":
		return fmt.Sprintf("backend %s: upstream status %d: %s", e.Backend, e.Status, e.Detail)
	case e.Status != 0:
		return fmt.Sprintf("backend %s: upstream status %d", e.Backend, e.Status)
	case e.cause != nil:
		return fmt.Sprintf("backend %s: %v", e.Backend, e.cause)
	default:
		return fmt.Sprintf("backend %s: upstream request failed", e.Backend)
	}
}

// Unwrap exposes both the classification sentinel and the transport cause so
// errors.Is works against either.
func (e *Error) Unwrap() []error {
	var errs []error
	if s := sentinelFor(e.Status); s != nil {
		errs = append(errs, s)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Timeout reports whether the failure was a timeout, either of the transport
// or of the request context.
func (e *Error) Timeout() bool {
	if errors.Is(e.cause, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.cause, &ne) && ne.Timeout()
}

func sentinelFor(status int) error {
	switch {
	case status == 401:
		return core.ErrUnauthorized
	case status == 403:
		return core.ErrForbidden
	case status == 404:
		return core.ErrNotFound
	case status == 0 || status >= 500:
		return core.ErrUpstream
	default:
		return core.ErrUpstream
	}
}

// statusError builds an Error from a non-2xx upstream response body. The body
// is the already-read response payload; OCI registries put their reason in
// errors[0].message.
func statusError(backend string, status int, body []byte) *Error {
	e := &Error{Backend: backend, Status: status}
	var payload struct {
		Errors errcode.Errors `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Errors) > 0 {
		e.Detail = payload.Errors[0].Message
	}
	return e
}

// transportError builds an Error for a request that produced no response.
func transportError(backend string, err error) *Error {
	return &Error{Backend: backend, cause: err}
}
