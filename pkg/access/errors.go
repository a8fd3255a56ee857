package access

import "fmt"

// Sentinel codes produced by the engine itself rather than by the server.
const (
	CodeNetworkError     = -1
	CodeTooManyRedirects = -2
	CodeInvalidPayload   = -3
	CodeCanceled         = 10
)

// Kind classifies a terminal error.
type Kind int

const (
	KindTransportOpen Kind = iota + 1
	KindCanceled
	KindHTTPStatus
	KindAuthenticationRejected
	KindTransport
	KindTooManyRedirects
	KindInvalidPayload
)

func (k Kind) String() string {
	switch k {
	case KindTransportOpen:
		return "transport_open_failure"
	case KindCanceled:
		return "canceled"
	case KindHTTPStatus:
		return "http_status"
	case KindAuthenticationRejected:
		return "authentication_rejected"
	case KindTransport:
		return "transport"
	case KindTooManyRedirects:
		return "too_many_redirects"
	case KindInvalidPayload:
		return "invalid_payload"
	default:
		return "unknown"
	}
}

// Error is the failure half of a Result. Code is stable and Message is
// suitable for direct display.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	cause   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

var statusMessages = map[int]string{
	CodeCanceled: "Canceled request",
	400:          "Bad request syntax",
	401:          "Unauthorized",
	402:          "Payment required",
	403:          "Forbidden",
	404:          "Not found",
	500:          "Internal error",
	501:          "Not implemented",
	502:          "Bad Gateway",
}

// Classify returns the display message for a status or sentinel code.
func Classify(code int) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return "Error network"
}

func canceledError() *Error {
	return &Error{Kind: KindCanceled, Code: CodeCanceled, Message: Classify(CodeCanceled)}
}

func statusError(code int) *Error {
	return &Error{Kind: KindHTTPStatus, Code: code, Message: Classify(code)}
}

// authRejectedError is the answer to a second challenge in one session.
func authRejectedError() *Error {
	return &Error{Kind: KindAuthenticationRejected, Code: 401, Message: Classify(401)}
}
