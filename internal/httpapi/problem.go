package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xregistry/ociwrap/core"
	"github.com/xregistry/ociwrap/internal/upstream"
)

// problemBase prefixes every problem type URI; the fragment is the error
// code.
const problemBase = "https://xregistry.io/spec/http-errors#"

// Problem is an RFC 9457 problem details document.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Instance string `json:"instance"`
	Detail   string `json:"detail,omitempty"`
	Data     any    `json:"data,omitempty"`
}

const (
	codeEntityNotFound     = "entity_not_found"
	codeInvalidData        = "invalid_data"
	codeEpochError         = "epoch_error"
	codeUnauthorized       = "unauthorized"
	codeForbidden          = "forbidden"
	codeConflict           = "conflict"
	codeInternalError      = "internal_error"
	codeServiceUnavailable = "service_unavailable"
	codeAPINotFound        = "api_not_found"
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotAcceptable      = "not_acceptable"
)

var problemTitles = map[string]string{
	codeEntityNotFound:     "The requested entity was not found",
	codeInvalidData:        "The request contains invalid data",
	codeEpochError:         "The provided epoch does not match the entity",
	codeUnauthorized:       "Authentication is required",
	codeForbidden:          "Access to the upstream resource was denied",
	codeConflict:           "The request conflicts with the current state",
	codeInternalError:      "An internal error occurred",
	codeServiceUnavailable: "The upstream registry is unavailable",
	codeAPINotFound:        "The requested API path does not exist",
	codeMethodNotAllowed:   "The method is not allowed on this resource",
	codeNotAcceptable:      "The requested representation is not available",
}

func newProblem(code string, status int, r *http.Request) *Problem {
	return &Problem{
		Type:     problemBase + code,
		Title:    problemTitles[code],
		Status:   status,
		Instance: r.URL.RequestURI(),
	}
}

// problemFor maps an error to its problem document. Unexpected errors
// become internal_error with the detail withheld outside dev mode.
func (h *Handler) problemFor(err error, r *http.Request) *Problem {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		return h.upstreamProblem(ue, r)
	}

	switch {
	case errors.Is(err, core.ErrInvalidInput):
		p := newProblem(codeInvalidData, http.StatusBadRequest, r)
		p.Detail = err.Error()
		return p
	case errors.Is(err, core.ErrEpochMismatch):
		p := newProblem(codeEpochError, http.StatusConflict, r)
		p.Detail = err.Error()
		return p
	case errors.Is(err, core.ErrBackendUnknown), errors.Is(err, core.ErrNotFound):
		p := newProblem(codeEntityNotFound, http.StatusNotFound, r)
		p.Detail = err.Error()
		return p
	case errors.Is(err, core.ErrUnauthorized):
		return newProblem(codeUnauthorized, http.StatusUnauthorized, r)
	case errors.Is(err, core.ErrForbidden):
		return newProblem(codeForbidden, http.StatusForbidden, r)
	case errors.Is(err, core.ErrUpstream):
		return newProblem(codeServiceUnavailable, http.StatusServiceUnavailable, r)
	}

	p := newProblem(codeInternalError, http.StatusInternalServerError, r)
	if h.devMode {
		p.Detail = err.Error()
	}
	return p
}

// upstreamProblem translates a typed upstream failure. Auth failures on
// manifest or blob fetches surface as forbidden; gateway-ish statuses are
// preserved so clients can tell a timeout from a refusal.
func (h *Handler) upstreamProblem(ue *upstream.Error, r *http.Request) *Problem {
	var p *Problem
	switch {
	case ue.Status == http.StatusNotFound:
		p = newProblem(codeEntityNotFound, http.StatusNotFound, r)
	case ue.Status == http.StatusUnauthorized, ue.Status == http.StatusForbidden:
		p = newProblem(codeForbidden, http.StatusForbidden, r)
	case ue.Timeout():
		p = newProblem(codeServiceUnavailable, http.StatusGatewayTimeout, r)
	case ue.Status == http.StatusBadGateway,
		ue.Status == http.StatusServiceUnavailable,
		ue.Status == http.StatusGatewayTimeout:
		p = newProblem(codeServiceUnavailable, ue.Status, r)
	default:
		p = newProblem(codeServiceUnavailable, http.StatusServiceUnavailable, r)
	}
	if ue.Detail != "" {
		p.Detail = ue.Detail
	}
	p.Data = map[string]string{"backend": ue.Backend}
	return p
}

// writeProblem emits the problem document. Problems bypass ETag handling
// and always carry the problem media type.
func (h *Handler) writeProblem(w http.ResponseWriter, p *Problem) {
	body, err := json.Marshal(p)
	if err != nil {
		h.logger.Error("marshal problem", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(p.Status)
	_, _ = w.Write(body)
}

// fail maps err and writes it in one step.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.writeProblem(w, h.problemFor(err, r))
}
