package access

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/samvad-hq/catalog-access/pkg/httpclient"
)

// Credential is sent only in answer to a Basic authentication challenge.
// The zero value is the anonymous credential.
type Credential = httpclient.Credential

// BufferMode selects how the response body reaches the caller.
type BufferMode int

const (
	// Complete accumulates the body and attaches it to the Result.
	Complete BufferMode = iota
	// Streaming hands every chunk to Callbacks.OnChunk as it arrives and
	// leaves Result.Body empty.
	Streaming
)

func (m BufferMode) String() string {
	if m == Streaming {
		return "streaming"
	}
	return "complete"
}

// ParseBufferMode accepts "complete", "streaming" or "" (complete).
func ParseBufferMode(raw string) (BufferMode, error) {
	switch raw {
	case "", "complete":
		return Complete, nil
	case "streaming", "stream":
		return Streaming, nil
	default:
		return Complete, fmt.Errorf("unknown buffer mode %q", raw)
	}
}

// Spec describes one logical request. It is not modified after submission.
type Spec struct {
	URL        string
	Method     string
	Body       []byte
	BufferMode BufferMode
	Headers    map[string]string
}

// NewGet builds a GET spec.
func NewGet(url string, mode BufferMode) Spec {
	return Spec{URL: url, Method: http.MethodGet, BufferMode: mode}
}

// NewPost builds a POST spec whose body is payload encoded as JSON.
func NewPost(url string, payload any) (Spec, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Spec{}, fmt.Errorf("encode json body: %w", err)
	}
	return Spec{URL: url, Method: http.MethodPost, Body: body, BufferMode: Complete}, nil
}

// StatusRequest is the response metadata of a successful request.
type StatusRequest struct {
	ContentType    string
	LastModified   string
	ContentLength  int64
	HTTPStatusCode int
	ReasonPhrase   string
	// URL is the final URL after redirects.
	URL string
}

// LastModifiedTime parses LastModified; ok is false when absent or malformed.
func (s StatusRequest) LastModifiedTime() (time.Time, bool) {
	if s.LastModified == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(s.LastModified)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Result is the single terminal outcome of a session: either Status (and,
// in Complete mode, Body) or Err is set, never both.
type Result struct {
	Status *StatusRequest
	Body   []byte
	Err    *Error
}

// OK reports whether the request succeeded.
func (r Result) OK() bool { return r.Err == nil }

// Code returns the error code, or the HTTP status on success.
func (r Result) Code() int {
	if r.Err != nil {
		return r.Err.Code
	}
	if r.Status != nil {
		return r.Status.HTTPStatusCode
	}
	return 0
}

func okResult(status StatusRequest, body []byte) Result {
	return Result{Status: &status, Body: body}
}

func errResult(err *Error) Result {
	return Result{Err: err}
}

// Callbacks are the outbound observation hooks of a session. Any may be nil.
type Callbacks struct {
	// OnChunk receives each body chunk unmodified, in order (Streaming only).
	OnChunk func([]byte)
	// OnProgress reports cumulative bytes; total is -1 when unknown (Streaming only).
	OnProgress func(received, total int64)
	// OnTLSWarnings receives tolerated certificate validation problems.
	OnTLSWarnings func([]string)
}
