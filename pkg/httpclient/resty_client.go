package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// TLS policies.
const (
	TLSAcceptAny = "accept"
	TLSStrict    = "strict"
)

// Options configures a RestyTransport.
type Options struct {
	// Timeout bounds each connection attempt including the body read. Zero
	// means no transport-level timeout.
	Timeout time.Duration
	// TLSPolicy is TLSAcceptAny (default) or TLSStrict.
	TLSPolicy string
	// RootCAs overrides the system pool used for certificate verification.
	RootCAs   *x509.CertPool
	UserAgent string
}

// RestyTransport adapts resty.Client to the Transport interface.
type RestyTransport struct {
	client      *resty.Client
	roots       *x509.CertPool
	tolerateTLS bool
}

// NewRestyTransport creates a transport with the given options.
func NewRestyTransport(opts Options) *RestyTransport {
	tolerate := !strings.EqualFold(strings.TrimSpace(opts.TLSPolicy), TLSStrict)

	c := newRestyBaseClient(opts.Timeout)
	c.SetDisableWarn(true)
	// the session decides what to do with 3xx responses
	c.SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}))
	c.SetTLSClientConfig(&tls.Config{
		RootCAs:            opts.RootCAs,
		InsecureSkipVerify: tolerate, //nolint:gosec // verified out-of-band, see verifyPeer
	})
	if ua := strings.TrimSpace(opts.UserAgent); ua != "" {
		c.SetHeader("User-Agent", ua)
	}

	return &RestyTransport{client: c, roots: opts.RootCAs, tolerateTLS: tolerate}
}

// newRestyBaseClient creates a new resty.Client with the specified timeout.
func newRestyBaseClient(timeout time.Duration) *resty.Client {
	c := resty.New()
	if timeout > 0 {
		c.SetTimeout(timeout)
	}
	return c
}

// Open sends the request and returns once the response headers are in.
func (r *RestyTransport) Open(ctx context.Context, req Request) (Conn, error) {
	target, method, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	rr := r.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true)
	if len(req.Headers) > 0 {
		rr.SetHeaders(req.Headers)
	}
	if req.Credential != nil {
		rr.SetBasicAuth(req.Credential.User, req.Credential.Password)
	}
	if method == http.MethodPost {
		if rr.Header.Get("Content-Type") == "" {
			rr.SetHeader("Content-Type", "application/json")
		}
		rr.SetBody(req.Body)
	}

	resp, err := rr.Execute(method, target.String())
	if err != nil {
		if resp != nil && resp.RawResponse != nil && resp.RawResponse.Body != nil {
			_ = resp.RawResponse.Body.Close()
		}
		return nil, err
	}

	return &restyConn{
		resp:     resp,
		url:      target,
		warnings: r.peerWarnings(resp, target),
	}, nil
}

// peerWarnings verifies the certificates of every tolerated HTTPS response.
// Pooled connections skip the handshake, so the check runs on the response
// state rather than in a handshake hook.
func (r *RestyTransport) peerWarnings(resp *resty.Response, target *url.URL) []string {
	if !r.tolerateTLS || resp.RawResponse == nil || resp.RawResponse.TLS == nil {
		return nil
	}
	cs := *resp.RawResponse.TLS
	if cs.ServerName == "" {
		cs.ServerName = target.Hostname()
	}
	if err := verifyPeer(cs, r.roots); err != nil {
		return []string{err.Error()}
	}
	return nil
}

func validateRequest(req Request) (*url.URL, string, error) {
	if req.URL == nil {
		return nil, "", &OpenError{Reason: "url is nil"}
	}
	scheme := strings.ToLower(req.URL.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, "", &OpenError{Reason: fmt.Sprintf("unsupported scheme %q", req.URL.Scheme)}
	}
	if req.URL.Host == "" {
		return nil, "", &OpenError{Reason: "url has no host"}
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, "", &OpenError{Reason: fmt.Sprintf("unsupported method %q", req.Method)}
	}
	return req.URL, method, nil
}

// verifyPeer runs standard chain and hostname verification against the
// presented certificates without failing the handshake.
func verifyPeer(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return fmt.Errorf("tls: server presented no certificates")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range cs.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Intermediates: intermediates,
		Roots:         roots,
	})
	return err
}

// restyConn adapts a resty.Response with an unread body to Conn.
type restyConn struct {
	resp     *resty.Response
	url      *url.URL
	warnings []string

	closeOnce sync.Once
	closeErr  error
}

func (c *restyConn) Read(p []byte) (int, error) { return c.resp.RawBody().Read(p) }
func (c *restyConn) URL() *url.URL              { return c.url }
func (c *restyConn) StatusCode() int            { return c.resp.StatusCode() }
func (c *restyConn) Header() http.Header        { return c.resp.Header() }
func (c *restyConn) TLSWarnings() []string      { return c.warnings }

func (c *restyConn) ContentLength() int64 {
	if c.resp.RawResponse == nil || c.resp.RawResponse.ContentLength < 0 {
		return -1
	}
	return c.resp.RawResponse.ContentLength
}

// ReasonPhrase strips the numeric code from the status line ("404 Not Found").
func (c *restyConn) ReasonPhrase() string {
	code := strconv.Itoa(c.resp.StatusCode())
	phrase := strings.TrimSpace(strings.TrimPrefix(c.resp.Status(), code))
	if phrase == "" {
		phrase = http.StatusText(c.resp.StatusCode())
	}
	return phrase
}

func (c *restyConn) Close() error {
	c.closeOnce.Do(func() {
		if body := c.resp.RawBody(); body != nil {
			c.closeErr = body.Close()
		}
	})
	return c.closeErr
}
