package access

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/samvad-hq/catalog-access/pkg/httpclient"
)

// Client runs one session at a time and blocks the caller until it
// terminates. Concurrent Execute calls on the same Client are serialized;
// use one Client per concurrent request.
type Client struct {
	transport httpclient.Transport
	policy    Policy
	log       Logger

	flight sync.Mutex
	active atomic.Pointer[session]
}

// Option configures a Client.
type Option func(*Client)

// WithPolicy sets the redirect cap and timeout applied to every session.
func WithPolicy(p Policy) Option {
	return func(c *Client) { c.policy = p }
}

// WithLogger sets the logger used for session diagnostics.
func WithLogger(log Logger) Option {
	return func(c *Client) { c.log = EnsureLogger(log) }
}

// NewClient builds a Client over transport.
func NewClient(transport httpclient.Transport, opts ...Option) *Client {
	c := &Client{
		transport: transport,
		log:       noopLogger{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Execute submits spec and returns its terminal Result. OnChunk and
// OnProgress are only wired in Streaming mode; no callback is invoked after
// Execute returns.
func (c *Client) Execute(ctx context.Context, spec Spec, cred Credential, cb Callbacks) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	c.flight.Lock()
	defer c.flight.Unlock()

	if c.transport == nil {
		return errResult(&Error{Kind: KindTransportOpen, Code: CodeNetworkError, Message: "Network error"})
	}

	s := newSession(ctx, c.transport, c.policy, c.log, spec, cred, cb)
	c.active.Store(s)
	defer c.active.Store(nil)

	return s.run()
}

// Kill cancels the in-flight session, if any. The session answers with a
// Canceled result at its next event.
func (c *Client) Kill() {
	if s := c.active.Load(); s != nil {
		s.kill()
	}
}

// Running reports whether a session is in flight.
func (c *Client) Running() bool {
	return c.active.Load() != nil
}

// FinishFunc post-processes a terminal Result before it is handed back.
type FinishFunc func(Result) Result

// ExecuteWith runs spec, applies finish, and on success drops the buffered
// body so only Status remains for diagnostics. finish must copy whatever it
// needs out of Body.
func (c *Client) ExecuteWith(ctx context.Context, spec Spec, cred Credential, cb Callbacks, finish FinishFunc) Result {
	res := c.Execute(ctx, spec, cred, cb)
	if finish != nil {
		res = finish(res)
	}
	if res.OK() {
		res.Body = nil
	}
	return res
}

// FetchJSON runs spec in Complete mode and decodes the body into out.
func (c *Client) FetchJSON(ctx context.Context, spec Spec, cred Credential, out any) Result {
	spec.BufferMode = Complete
	return c.ExecuteWith(ctx, spec, cred, Callbacks{}, func(res Result) Result {
		if !res.OK() {
			return res
		}
		if err := json.Unmarshal(res.Body, out); err != nil {
			return errResult(&Error{
				Kind:    KindInvalidPayload,
				Code:    CodeInvalidPayload,
				Message: "Invalid JSON response",
				cause:   err,
			})
		}
		return res
	})
}

// IsHostLive probes rawURL. Only a failed host lookup counts as not live;
// any answer from the server, even an error status, means the host is up.
func (c *Client) IsHostLive(ctx context.Context, rawURL string) (bool, Result) {
	res := c.ExecuteWith(ctx, NewGet(rawURL, Complete), Credential{}, Callbacks{}, nil)
	if res.OK() {
		return true, res
	}
	if res.Err.Kind == KindTransport && res.Err.Code == httpclient.CodeHostNotFound {
		e := *res.Err
		e.Message = fmt.Sprintf("%s\nURL = %s", e.Message, rawURL)
		return false, errResult(&e)
	}
	return true, res
}
