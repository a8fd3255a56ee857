package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// Credential is a username/password pair sent as HTTP Basic authentication.
type Credential struct {
	User     string
	Password string
}

// Request describes one connection to open. Policy (redirects, auth retry)
// lives above the transport; a Request is sent exactly as described.
type Request struct {
	Method     string
	URL        *url.URL
	Body       []byte
	Headers    map[string]string
	Credential *Credential
}

// Conn is an open response stream. Status and headers are available as soon
// as Open returns; the body is read incrementally through Read and cannot be
// restarted. Close is idempotent.
type Conn interface {
	io.ReadCloser
	URL() *url.URL
	StatusCode() int
	ReasonPhrase() string
	Header() http.Header
	// ContentLength returns the declared body length, or -1 when unknown.
	ContentLength() int64
	// TLSWarnings lists certificate validation problems that were tolerated
	// while establishing this connection.
	TLSWarnings() []string
}

// Transport opens connections. It never follows redirects, retries or
// answers authentication challenges on its own.
type Transport interface {
	Open(ctx context.Context, req Request) (Conn, error)
}
