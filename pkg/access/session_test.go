package access

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"github.com/samvad-hq/catalog-access/pkg/httpclient"
)

// fakeConn serves canned chunks and counts Close calls.
type fakeConn struct {
	owner    *fakeTransport
	url      *url.URL
	status   int
	header   http.Header
	chunks   [][]byte
	readErr  error
	warnings []string
	length   int64

	next   int
	closes int
}

func (c *fakeConn) Read(p []byte) (int, error) {
	if c.next >= len(c.chunks) {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(p, c.chunks[c.next])
	c.next++
	return n, nil
}

func (c *fakeConn) Close() error {
	c.closes++
	if c.closes == 1 {
		c.owner.live--
	}
	return nil
}

func (c *fakeConn) URL() *url.URL         { return c.url }
func (c *fakeConn) StatusCode() int       { return c.status }
func (c *fakeConn) ReasonPhrase() string  { return http.StatusText(c.status) }
func (c *fakeConn) Header() http.Header   { return c.header }
func (c *fakeConn) TLSWarnings() []string { return c.warnings }
func (c *fakeConn) ContentLength() int64 {
	if c.length == 0 {
		return -1
	}
	return c.length
}

// reply builds the connection answering one Open call.
type reply func(req httpclient.Request) (*fakeConn, error)

// fakeTransport answers Open calls from a script and tracks live connections.
type fakeTransport struct {
	script  []reply
	opens   []httpclient.Request
	conns   []*fakeConn
	live    int
	maxLive int
}

func (f *fakeTransport) Open(_ context.Context, req httpclient.Request) (httpclient.Conn, error) {
	f.opens = append(f.opens, req)
	idx := len(f.opens) - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	conn, err := f.script[idx](req)
	if err != nil {
		return nil, err
	}
	conn.owner = f
	if conn.url == nil {
		conn.url = req.URL
	}
	if conn.header == nil {
		conn.header = http.Header{}
	}
	f.conns = append(f.conns, conn)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return conn, nil
}

func respond(status int, header http.Header, chunks ...string) reply {
	return func(httpclient.Request) (*fakeConn, error) {
		conn := &fakeConn{status: status, header: header}
		for _, c := range chunks {
			conn.chunks = append(conn.chunks, []byte(c))
		}
		return conn, nil
	}
}

func redirectTo(status int, location string) reply {
	return respond(status, http.Header{"Location": []string{location}})
}

func challenge() reply {
	return respond(http.StatusUnauthorized, http.Header{"Www-Authenticate": []string{`Basic realm="catalog"`}})
}

func failWith(err error) reply {
	return func(httpclient.Request) (*fakeConn, error) { return nil, err }
}

func runSpec(t *testing.T, tr *fakeTransport, policy Policy, spec Spec, cred Credential, cb Callbacks) Result {
	t.Helper()
	client := NewClient(tr, WithPolicy(policy))
	return client.Execute(context.Background(), spec, cred, cb)
}

func assertAllClosedOnce(t *testing.T, tr *fakeTransport) {
	t.Helper()
	for i, c := range tr.conns {
		if c.closes != 1 {
			t.Fatalf("connection %d closed %d times", i, c.closes)
		}
	}
	if tr.live != 0 {
		t.Fatalf("%d connections left open", tr.live)
	}
}

func TestSessionRedirectReplacesConnection(t *testing.T) {
	tr := &fakeTransport{script: []reply{
		redirectTo(http.StatusFound, "/items/next?page=2"),
		respond(http.StatusOK, http.Header{"Content-Type": []string{"application/json"}}, `{"ok":true}`),
	}}

	res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/items", Complete), Credential{}, Callbacks{})
	if !res.OK() {
		t.Fatalf("expected OK, got %v", res.Err)
	}
	if len(tr.opens) != 2 {
		t.Fatalf("expected 2 opens, got %d", len(tr.opens))
	}
	if got := tr.opens[1].URL.String(); got != "https://api.example.com/items/next?page=2" {
		t.Fatalf("redirect target = %s", got)
	}
	if tr.maxLive != 1 {
		t.Fatalf("expected at most one live connection, saw %d", tr.maxLive)
	}
	assertAllClosedOnce(t, tr)
	if res.Status.URL != "https://api.example.com/items/next?page=2" {
		t.Fatalf("Status.URL = %s", res.Status.URL)
	}
	if string(res.Body) != `{"ok":true}` {
		t.Fatalf("Body = %q", res.Body)
	}
}

func TestSessionRedirectDowngradesPostToGet(t *testing.T) {
	tr := &fakeTransport{script: []reply{
		redirectTo(http.StatusSeeOther, "https://cdn.example.com/result"),
		respond(http.StatusOK, nil, "done"),
	}}
	spec, err := NewPost("https://api.example.com/search", map[string]int{"q": 1})
	if err != nil {
		t.Fatalf("NewPost: %v", err)
	}

	res := runSpec(t, tr, Policy{}, spec, Credential{User: "key"}, Callbacks{})
	if !res.OK() {
		t.Fatalf("expected OK, got %v", res.Err)
	}
	second := tr.opens[1]
	if second.Method != http.MethodGet {
		t.Fatalf("redirect method = %s", second.Method)
	}
	if second.Body != nil {
		t.Fatalf("redirect carried body %q", second.Body)
	}
}

func TestSessionRedirectLimit(t *testing.T) {
	tr := &fakeTransport{script: []reply{
		func(req httpclient.Request) (*fakeConn, error) {
			next := "/a"
			if req.URL.Path == "/a" {
				next = "/b"
			}
			return redirectTo(http.StatusFound, next)(req)
		},
	}}

	res := runSpec(t, tr, Policy{MaxRedirects: 2}, NewGet("https://api.example.com/start", Complete), Credential{}, Callbacks{})
	if res.OK() || res.Err.Code != CodeTooManyRedirects || res.Err.Kind != KindTooManyRedirects {
		t.Fatalf("expected too many redirects, got %+v", res)
	}
	if len(tr.opens) != 3 {
		t.Fatalf("expected 3 opens (start + 2 hops), got %d", len(tr.opens))
	}
	assertAllClosedOnce(t, tr)
}

func TestSessionSelfRedirectIsStatusError(t *testing.T) {
	tr := &fakeTransport{script: []reply{redirectTo(http.StatusFound, "https://api.example.com/same")}}

	res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/same", Complete), Credential{}, Callbacks{})
	if res.OK() || res.Err.Code != http.StatusFound || res.Err.Message != "Error network" {
		t.Fatalf("expected 302 status error, got %+v", res)
	}
	if len(tr.opens) != 1 {
		t.Fatalf("expected a single open, got %d", len(tr.opens))
	}
}

func TestSessionStatusClassification(t *testing.T) {
	for code := 200; code <= 299; code += 33 {
		tr := &fakeTransport{script: []reply{respond(code, nil, "x")}}
		res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{})
		if !res.OK() || res.Status.HTTPStatusCode != code {
			t.Fatalf("status %d: expected OK, got %+v", code, res)
		}
	}

	for _, code := range []int{199, 300, 400, 402, 403, 404, 418, 500, 501, 502, 503} {
		tr := &fakeTransport{script: []reply{respond(code, nil, "x")}}
		res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{})
		if res.OK() {
			t.Fatalf("status %d: expected error", code)
		}
		if res.Err.Code != code || res.Err.Message != Classify(code) || res.Err.Kind != KindHTTPStatus {
			t.Fatalf("status %d: got %+v", code, res.Err)
		}
		assertAllClosedOnce(t, tr)
	}
}

func TestSessionAnswersFirstChallengeOnly(t *testing.T) {
	cred := Credential{User: "api-key", Password: ""}

	tr := &fakeTransport{script: []reply{challenge(), respond(http.StatusOK, nil, "secret")}}
	res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), cred, Callbacks{})
	if !res.OK() {
		t.Fatalf("expected OK after one challenge, got %v", res.Err)
	}
	if tr.opens[0].Credential != nil {
		t.Fatalf("credential sent before any challenge")
	}
	if got := tr.opens[1].Credential; got == nil || *got != cred {
		t.Fatalf("retry credential = %+v", got)
	}
	assertAllClosedOnce(t, tr)

	tr = &fakeTransport{script: []reply{challenge(), challenge(), respond(http.StatusOK, nil, "never")}}
	res = runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), cred, Callbacks{})
	if res.OK() || res.Err.Code != 401 || res.Err.Message != "Unauthorized" || res.Err.Kind != KindAuthenticationRejected {
		t.Fatalf("expected rejected credential, got %+v", res)
	}
	if len(tr.opens) != 2 {
		t.Fatalf("expected 2 opens, got %d", len(tr.opens))
	}
	assertAllClosedOnce(t, tr)
}

func TestSessionPlainUnauthorizedIsStatusError(t *testing.T) {
	tr := &fakeTransport{script: []reply{respond(http.StatusUnauthorized, nil)}}
	res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{})
	if res.OK() || res.Err.Code != 401 || res.Err.Kind != KindHTTPStatus {
		t.Fatalf("expected plain 401 status error, got %+v", res)
	}
	if len(tr.opens) != 1 {
		t.Fatalf("expected no retry without a challenge, got %d opens", len(tr.opens))
	}
}

func TestSessionKillDuringStreaming(t *testing.T) {
	tr := &fakeTransport{script: []reply{respond(http.StatusOK, nil, "one", "two", "three")}}
	client := NewClient(tr)

	var chunks []string
	res := client.Execute(context.Background(), NewGet("https://tiles.example.com/big", Streaming), Credential{}, Callbacks{
		OnChunk: func(p []byte) {
			chunks = append(chunks, string(p))
			client.Kill()
		},
	})
	if res.OK() || res.Err.Code != CodeCanceled || res.Err.Message != "Canceled request" {
		t.Fatalf("expected canceled result, got %+v", res)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected no chunk after kill, got %v", chunks)
	}
	assertAllClosedOnce(t, tr)
	if client.Running() {
		t.Fatalf("client still reports a running session")
	}
}

func TestSessionKillWinsOverTransportError(t *testing.T) {
	tr := &fakeTransport{}
	client := NewClient(tr)
	tr.script = []reply{func(httpclient.Request) (*fakeConn, error) {
		client.Kill()
		return nil, errors.New("connection reset")
	}}

	res := client.Execute(context.Background(), NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{})
	if res.OK() || res.Err.Code != CodeCanceled {
		t.Fatalf("expected canceled result, got %+v", res)
	}
}

func TestSessionKillBeforeSubmitHasNoEffect(t *testing.T) {
	tr := &fakeTransport{script: []reply{respond(http.StatusOK, nil, "fine")}}
	client := NewClient(tr)
	client.Kill()

	res := client.Execute(context.Background(), NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{})
	if !res.OK() {
		t.Fatalf("expected OK, got %v", res.Err)
	}
}

func TestSessionStreamingDeliversChunksAndProgress(t *testing.T) {
	tr := &fakeTransport{script: []reply{func(httpclient.Request) (*fakeConn, error) {
		return &fakeConn{status: http.StatusOK, length: 9, chunks: [][]byte{[]byte("abc"), []byte("def"), []byte("ghi")}}, nil
	}}}

	var got []byte
	var progress [][2]int64
	res := runSpec(t, tr, Policy{}, NewGet("https://tiles.example.com/t.png", Streaming), Credential{}, Callbacks{
		OnChunk:    func(p []byte) { got = append(got, p...) },
		OnProgress: func(received, total int64) { progress = append(progress, [2]int64{received, total}) },
	})
	if !res.OK() {
		t.Fatalf("expected OK, got %v", res.Err)
	}
	if res.Body != nil {
		t.Fatalf("streaming result carried body %q", res.Body)
	}
	if string(got) != "abcdefghi" {
		t.Fatalf("chunks = %q", got)
	}
	want := [][2]int64{{3, 9}, {6, 9}, {9, 9}}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v", progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Fatalf("progress[%d] = %v want %v", i, progress[i], want[i])
		}
	}
}

func TestSessionCompleteModeDoesNotWireStreamingCallbacks(t *testing.T) {
	tr := &fakeTransport{script: []reply{respond(http.StatusOK, nil, "abc", "def")}}

	called := false
	res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{
		OnChunk:    func([]byte) { called = true },
		OnProgress: func(int64, int64) { called = true },
	})
	if !res.OK() || string(res.Body) != "abcdef" {
		t.Fatalf("unexpected result %+v", res)
	}
	if called {
		t.Fatalf("streaming callbacks invoked in complete mode")
	}
}

func TestSessionOpenFailures(t *testing.T) {
	cases := map[string]Spec{
		"malformed url":      NewGet("://nope", Complete),
		"unsupported method": {URL: "https://api.example.com/", Method: http.MethodDelete},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			tr := &fakeTransport{script: []reply{failWith(&httpclient.OpenError{Reason: "unsupported"})}}
			res := runSpec(t, tr, Policy{}, spec, Credential{}, Callbacks{})
			if res.OK() || res.Err.Code != CodeNetworkError || res.Err.Message != "Network error" || res.Err.Kind != KindTransportOpen {
				t.Fatalf("expected open failure, got %+v", res)
			}
		})
	}
}

func TestSessionTransportErrorsPassThrough(t *testing.T) {
	dnsErr := &net.DNSError{Err: "no such host", Name: "nowhere.invalid", IsNotFound: true}
	tr := &fakeTransport{script: []reply{failWith(dnsErr)}}
	res := runSpec(t, tr, Policy{}, NewGet("https://nowhere.invalid/", Complete), Credential{}, Callbacks{})
	if res.OK() || res.Err.Kind != KindTransport || res.Err.Code != httpclient.CodeHostNotFound {
		t.Fatalf("expected host not found, got %+v", res)
	}
	if res.Err.Message != dnsErr.Error() {
		t.Fatalf("message = %q", res.Err.Message)
	}
	if !errors.Is(res.Err, dnsErr) {
		t.Fatalf("expected result error to unwrap to the transport error")
	}

	tr = &fakeTransport{script: []reply{func(httpclient.Request) (*fakeConn, error) {
		return &fakeConn{status: http.StatusOK, chunks: [][]byte{[]byte("part")}, readErr: io.ErrUnexpectedEOF}, nil
	}}}
	res = runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{})
	if res.OK() || res.Err.Code != httpclient.CodeRemoteHostClosed {
		t.Fatalf("expected remote host closed, got %+v", res)
	}
	assertAllClosedOnce(t, tr)
}

func TestSessionForwardsTLSWarnings(t *testing.T) {
	tr := &fakeTransport{script: []reply{func(httpclient.Request) (*fakeConn, error) {
		return &fakeConn{status: http.StatusOK, warnings: []string{"x509: certificate has expired"}}, nil
	}}}

	var warnings []string
	res := runSpec(t, tr, Policy{}, NewGet("https://api.example.com/", Complete), Credential{}, Callbacks{
		OnTLSWarnings: func(w []string) { warnings = append(warnings, w...) },
	})
	if !res.OK() {
		t.Fatalf("tls warnings must not fail the request: %v", res.Err)
	}
	if len(warnings) != 1 || warnings[0] != "x509: certificate has expired" {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestSessionFinishAndCloseAreIdempotent(t *testing.T) {
	tr := &fakeTransport{script: []reply{respond(http.StatusOK, nil, "body")}}
	chunks := 0
	s := newSession(context.Background(), tr, Policy{}, nil, NewGet("https://api.example.com/", Streaming), Credential{}, Callbacks{
		OnChunk: func([]byte) { chunks++ },
	})

	first := s.run()
	if !first.OK() {
		t.Fatalf("expected OK, got %v", first.Err)
	}
	again := s.finish(errResult(canceledError()))
	if !again.OK() || again.Status != first.Status {
		t.Fatalf("second finish changed the result: %+v", again)
	}
	s.close()
	s.close()
	s.sub.chunk([]byte("late"))
	if chunks != 1 {
		t.Fatalf("callback invoked after release, chunks=%d", chunks)
	}
	if s.phase != phaseTerminated {
		t.Fatalf("phase = %s", s.phase)
	}
	assertAllClosedOnce(t, tr)
}
