package proxyerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error into the Anthropic error-envelope vocabulary.
type Kind int

const (
	KindValidation Kind = iota
	KindUnsupportedModel
	KindDanglingToolResult
	KindPayloadTooLarge
	KindUnsupportedMimeType
	KindAuth
	KindUpstream
	KindRateLimited
	KindInternal
)

// ErrStreamCancelled marks clean early termination of a stream by the
// downstream consumer. It is not an error condition and is never rendered.
var ErrStreamCancelled = errors.New("stream cancelled by client")

// Error is the proxy-wide error type. Status is only set for upstream
// pass-through errors.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func UnsupportedModel(model string) *Error {
	return &Error{Kind: KindUnsupportedModel, Message: fmt.Sprintf("unsupported model: %s", model)}
}

func DanglingToolResult(toolUseID string) *Error {
	return &Error{
		Kind:    KindDanglingToolResult,
		Message: fmt.Sprintf("tool_result references unknown tool_use id %q", toolUseID),
	}
}

func PayloadTooLarge(size, limit int) *Error {
	return &Error{
		Kind:    KindPayloadTooLarge,
		Message: fmt.Sprintf("image payload %d bytes exceeds limit of %d bytes", size, limit),
	}
}

func UnsupportedMimeType(mime string) *Error {
	return &Error{Kind: KindUnsupportedMimeType, Message: fmt.Sprintf("unsupported image media type: %s", mime)}
}

func Auth(format string, args ...any) *Error {
	return &Error{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

// Upstream wraps a non-success backend status so the status and message pass
// through to the client in its own envelope shape.
func Upstream(status int, message string) *Error {
	if status == http.StatusTooManyRequests {
		return &Error{Kind: KindRateLimited, Status: status, Message: message}
	}
	return &Error{Kind: KindUpstream, Status: status, Message: message}
}

func Internal(format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// envelope matches the Anthropic error response shape.
type envelope struct {
	Type  string `json:"type"`
	Error Detail `json:"error"`
}

type Detail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// httpStatus maps an error kind to the status and envelope error type.
func httpStatus(e *Error) (int, string) {
	switch e.Kind {
	case KindValidation, KindDanglingToolResult, KindUnsupportedMimeType:
		return http.StatusBadRequest, "invalid_request_error"
	case KindUnsupportedModel:
		return http.StatusNotFound, "not_found_error"
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge, "invalid_request_error"
	case KindAuth:
		return http.StatusUnauthorized, "authentication_error"
	case KindRateLimited:
		return http.StatusTooManyRequests, "rate_limit_error"
	case KindUpstream:
		switch {
		case e.Status == 529:
			return 529, "overloaded_error"
		case e.Status == http.StatusServiceUnavailable || e.Status == http.StatusGatewayTimeout:
			return http.StatusServiceUnavailable, "api_error"
		default:
			return http.StatusBadGateway, "api_error"
		}
	default:
		return http.StatusInternalServerError, "api_error"
	}
}

// Classify returns the HTTP status and envelope error type for any error.
func Classify(err error) (int, string) {
	var pe *Error
	if errors.As(err, &pe) {
		return httpStatus(pe)
	}
	return http.StatusInternalServerError, "api_error"
}

// Render writes err as an Anthropic error envelope.
func Render(w http.ResponseWriter, err error) {
	status, errType := Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Type:  "error",
		Error: Detail{Type: errType, Message: err.Error()},
	})
}

// EnvelopeBody returns the serialized envelope without writing headers, for
// embedding inside an SSE error event.
func EnvelopeBody(err error) Detail {
	_, errType := Classify(err)
	return Detail{Type: errType, Message: err.Error()}
}
