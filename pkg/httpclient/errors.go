package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Transport failure codes. They mirror the network error numbering the
// catalog clients already interpret (host-not-found in particular).
const (
	CodeConnectionRefused  = 1
	CodeRemoteHostClosed   = 2
	CodeHostNotFound       = 3
	CodeTimeout            = 4
	CodeOperationCanceled  = 5
	CodeTLSHandshakeFailed = 6
	CodeUnknownNetwork     = 99
)

// OpenError reports a request that could not be turned into a connection
// attempt at all (malformed URL, unsupported method).
type OpenError struct {
	Reason string
}

func (e *OpenError) Error() string { return fmt.Sprintf("open connection: %s", e.Reason) }

// ErrorCode maps a transport failure to one of the Code* constants.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}

	var dnsErr *net.DNSError
	var verifyErr *tls.CertificateVerificationError
	var unknownAuthority x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var invalidCert x509.CertificateInvalidError
	var recordErr tls.RecordHeaderError
	var netErr net.Error

	switch {
	case errors.Is(err, context.Canceled):
		return CodeOperationCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return CodeHostNotFound
	case errors.Is(err, syscall.ECONNREFUSED):
		return CodeConnectionRefused
	case errors.As(err, &verifyErr),
		errors.As(err, &unknownAuthority),
		errors.As(err, &hostnameErr),
		errors.As(err, &invalidCert),
		errors.As(err, &recordErr):
		return CodeTLSHandshakeFailed
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return CodeRemoteHostClosed
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	default:
		return CodeUnknownNetwork
	}
}
