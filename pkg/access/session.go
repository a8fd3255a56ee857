package access

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/samvad-hq/catalog-access/pkg/httpclient"
)

const (
	// DefaultMaxRedirects applies when Policy.MaxRedirects is zero.
	DefaultMaxRedirects = 10

	readChunkSize = 32 * 1024
)

// Policy bounds a session.
type Policy struct {
	// MaxRedirects caps the redirect chain. Zero selects DefaultMaxRedirects,
	// a negative value removes the cap.
	MaxRedirects int
	// Timeout bounds the whole session including redirects and the body.
	// Zero means no timeout.
	Timeout time.Duration
}

func (p Policy) maxRedirects() int {
	if p.MaxRedirects == 0 {
		return DefaultMaxRedirects
	}
	return p.MaxRedirects
}

type phase int

const (
	phaseIdle phase = iota
	phaseAwaitingResponse
	phaseAuthenticating
	phaseRedirecting
	phaseStreaming
	phaseComplete
	phaseTerminated
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseAwaitingResponse:
		return "awaiting_response"
	case phaseAuthenticating:
		return "authenticating"
	case phaseRedirecting:
		return "redirecting"
	case phaseStreaming:
		return "streaming"
	case phaseComplete:
		return "complete"
	default:
		return "terminated"
	}
}

// subscription holds the caller's callbacks for exactly one session.
// After release every hook is a no-op.
type subscription struct {
	cb       Callbacks
	released bool
}

func subscribe(cb Callbacks, mode BufferMode) *subscription {
	sub := &subscription{cb: Callbacks{OnTLSWarnings: cb.OnTLSWarnings}}
	if mode == Streaming {
		sub.cb.OnChunk = cb.OnChunk
		sub.cb.OnProgress = cb.OnProgress
	}
	return sub
}

func (s *subscription) chunk(p []byte) {
	if s.released || s.cb.OnChunk == nil {
		return
	}
	s.cb.OnChunk(p)
}

func (s *subscription) progress(received, total int64) {
	if s.released || s.cb.OnProgress == nil {
		return
	}
	s.cb.OnProgress(received, total)
}

func (s *subscription) tlsWarnings(list []string) {
	if s.released || s.cb.OnTLSWarnings == nil {
		return
	}
	s.cb.OnTLSWarnings(list)
}

func (s *subscription) release() {
	s.released = true
	s.cb = Callbacks{}
}

// session is the state machine for one logical request. All methods except
// kill run on the goroutine that called run.
type session struct {
	transport httpclient.Transport
	policy    Policy
	log       Logger

	spec       Spec
	credential Credential
	sub        *subscription

	ctx    context.Context
	cancel context.CancelFunc

	phase         phase
	killRequested atomic.Bool
	authAttempted bool
	hops          int
	conn          httpclient.Conn
	result        *Result
}

func newSession(parent context.Context, transport httpclient.Transport, policy Policy, log Logger, spec Spec, cred Credential, cb Callbacks) *session {
	var ctx context.Context
	var cancel context.CancelFunc
	if policy.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, policy.Timeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &session{
		transport:  transport,
		policy:     policy,
		log:        EnsureLogger(log),
		spec:       spec,
		credential: cred,
		sub:        subscribe(cb, spec.BufferMode),
		ctx:        ctx,
		cancel:     cancel,
		phase:      phaseIdle,
	}
}

// kill may be called from any goroutine. It takes effect at the next event
// the session observes; canceling the context makes sure one arrives.
func (s *session) kill() {
	s.killRequested.Store(true)
	s.cancel()
}

func (s *session) killed() bool {
	return s.killRequested.Load() || errors.Is(s.ctx.Err(), context.Canceled)
}

func (s *session) run() Result {
	defer s.cancel()

	target, err := url.Parse(strings.TrimSpace(s.spec.URL))
	if err != nil {
		return s.finish(errResult(&Error{Kind: KindTransportOpen, Code: CodeNetworkError, Message: "Network error", cause: err}))
	}

	req := httpclient.Request{
		Method:  s.spec.Method,
		URL:     target,
		Body:    s.spec.Body,
		Headers: s.spec.Headers,
	}
	s.phase = phaseAwaitingResponse

	for {
		if s.killed() {
			return s.finish(errResult(canceledError()))
		}

		conn, err := s.transport.Open(s.ctx, req)
		if err != nil {
			return s.finish(errResult(s.transportFailure(err)))
		}
		s.conn = conn
		s.reportTLS(conn)

		if s.killed() {
			return s.finish(errResult(canceledError()))
		}

		if isBasicChallenge(conn) {
			if s.authAttempted {
				return s.finish(errResult(authRejectedError()))
			}
			s.phase = phaseAuthenticating
			s.authAttempted = true
			s.closeConn()
			cred := s.credential
			req.Credential = &cred
			s.log.DebugObj("answering authentication challenge", "access_auth", map[string]any{
				"url": req.URL.String(),
			})
			s.phase = phaseAwaitingResponse
			continue
		}

		if next, ok := redirectTarget(conn); ok {
			s.phase = phaseRedirecting
			s.hops++
			if limit := s.policy.maxRedirects(); limit > 0 && s.hops > limit {
				return s.finish(errResult(&Error{Kind: KindTooManyRedirects, Code: CodeTooManyRedirects, Message: "Too many redirects"}))
			}
			from := conn.URL()
			s.closeConn()
			req = redirectRequest(req, from, next, s.spec.Headers)
			s.log.DebugObj("following redirect", "access_redirect", map[string]any{
				"from": from.String(),
				"to":   next.String(),
				"hop":  s.hops,
			})
			s.phase = phaseAwaitingResponse
			continue
		}

		if code := conn.StatusCode(); code < 200 || code > 299 {
			return s.finish(errResult(statusError(code)))
		}
		return s.receive()
	}
}

// receive drains the body of a successful response.
func (s *session) receive() Result {
	streaming := s.spec.BufferMode == Streaming
	if streaming {
		s.phase = phaseStreaming
	}

	total := s.conn.ContentLength()
	var body bytes.Buffer
	var received int64
	buf := make([]byte, readChunkSize)

	for {
		n, err := s.conn.Read(buf)
		if s.killed() {
			return s.finish(errResult(canceledError()))
		}
		if n > 0 {
			received += int64(n)
			if streaming {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				s.sub.chunk(chunk)
				s.sub.progress(received, total)
			} else {
				body.Write(buf[:n])
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return s.finish(errResult(s.transportFailure(err)))
		}
	}

	s.phase = phaseComplete
	status := statusFrom(s.conn)
	var data []byte
	if !streaming {
		data = body.Bytes()
		if data == nil {
			data = []byte{}
		}
	}
	return s.finish(okResult(status, data))
}

func (s *session) transportFailure(err error) *Error {
	var openErr *httpclient.OpenError
	switch {
	case s.killed():
		return canceledError()
	case errors.As(err, &openErr):
		return &Error{Kind: KindTransportOpen, Code: CodeNetworkError, Message: "Network error", cause: err}
	case errors.Is(s.ctx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTransport, Code: httpclient.CodeTimeout, Message: "Request timed out", cause: err}
	default:
		return &Error{Kind: KindTransport, Code: httpclient.ErrorCode(err), Message: err.Error(), cause: err}
	}
}

func (s *session) reportTLS(conn httpclient.Conn) {
	warnings := conn.TLSWarnings()
	if len(warnings) == 0 {
		return
	}
	s.log.WarnObj("tolerating tls certificate problems", "access_tls", map[string]any{
		"url":      conn.URL().String(),
		"warnings": warnings,
	})
	s.sub.tlsWarnings(append([]string(nil), warnings...))
}

// finish releases the connection and the subscription, then records res as
// the terminal result. Later calls return the first result unchanged.
func (s *session) finish(res Result) Result {
	if s.result != nil {
		return *s.result
	}
	s.close()
	s.phase = phaseTerminated
	s.result = &res
	if !res.OK() {
		s.log.DebugObj("request failed", "access_result", map[string]any{
			"url":     s.spec.URL,
			"kind":    res.Err.Kind.String(),
			"code":    res.Err.Code,
			"message": res.Err.Message,
		})
	}
	return res
}

// close is idempotent.
func (s *session) close() {
	s.closeConn()
	s.sub.release()
}

func (s *session) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.log.DebugObj("connection close failed", "access_close", map[string]any{
			"error": err.Error(),
		})
	}
	s.conn = nil
}

func isBasicChallenge(conn httpclient.Conn) bool {
	if conn.StatusCode() != http.StatusUnauthorized {
		return false
	}
	for _, v := range conn.Header().Values("WWW-Authenticate") {
		if strings.HasPrefix(strings.ToLower(strings.TrimSpace(v)), "basic") {
			return true
		}
	}
	return false
}

// redirectTarget resolves the Location of a 3xx response against the URL
// that produced it. Self-redirects are not redirects.
func redirectTarget(conn httpclient.Conn) (*url.URL, bool) {
	code := conn.StatusCode()
	if code < 300 || code > 399 {
		return nil, false
	}
	loc := strings.TrimSpace(conn.Header().Get("Location"))
	if loc == "" {
		return nil, false
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, false
	}
	from := conn.URL()
	next := from.ResolveReference(ref)
	if next.String() == from.String() {
		return nil, false
	}
	return next, true
}

// redirectRequest downgrades to a bodiless GET. The credential follows only
// while the host stays the same.
func redirectRequest(prev httpclient.Request, from, next *url.URL, headers map[string]string) httpclient.Request {
	req := httpclient.Request{
		Method:  http.MethodGet,
		URL:     next,
		Headers: headers,
	}
	if prev.Credential != nil && strings.EqualFold(from.Host, next.Host) {
		req.Credential = prev.Credential
	}
	return req
}

func statusFrom(conn httpclient.Conn) StatusRequest {
	h := conn.Header()
	return StatusRequest{
		ContentType:    h.Get("Content-Type"),
		LastModified:   h.Get("Last-Modified"),
		ContentLength:  conn.ContentLength(),
		HTTPStatusCode: conn.StatusCode(),
		ReasonPhrase:   conn.ReasonPhrase(),
		URL:            conn.URL().String(),
	}
}
