package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/dashboard/templates"
	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// Error is a proxy failure carrying a code from the tables below.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates an Error. An empty description is filled from
// ErrorDescriptions.
func NewProxyError(code, description string, cause error) *Error {
	if description == "" {
		description = GetErrorDescription(code)
	}
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

const (
	// Setup (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeInvalidUpstream      = "E1002"

	// Connection and network (E2000-E2999)
	ErrCodeConnectionFailed   = "E2001"
	ErrCodeConnectionTimeout  = "E2002"
	ErrCodeConnectionRefused  = "E2003"
	ErrCodeHostUnreachable    = "E2004"
	ErrCodeNetworkUnreachable = "E2005"
	ErrCodeInvalidAddress     = "E2006"
	ErrCodeInvalidPort        = "E2007"
	ErrCodeConnectionClosed   = "E2008"
	ErrCodeDialFailed         = "E2009"
	ErrCodeIdleTimeout        = "E2010"

	// TLS (E3000-E3999)
	ErrCodeTLSHandshakeFailed   = "E3001"
	ErrCodeCertValidationFailed = "E3002"

	// HTTP processing (E4000-E4999)
	ErrCodeInvalidURL              = "E4001"
	ErrCodeHTTPResponseReadFailed  = "E4002"
	ErrCodeHTTPRequestWriteFailed  = "E4003"
	ErrCodeHTTPResponseWriteFailed = "E4004"
	ErrCodeHTTPBodyReadFailed      = "E4005"
	ErrCodeHTTPForwardFailed       = "E4007"
	ErrCodeHTTPHijackFailed        = "E4008"
	ErrCodeHTTPHijackNotSupported  = "E4009"
	ErrCodeHTTPClientNotFound      = "E4010"

	// Upstream dialer (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"

	// Access control (E7000-E7999)
	ErrCodePortNotAllowed = "E7001"
	ErrCodeBlocklistMatch = "E7002"

	// Rewriting (E8000-E8999)
	ErrCodeRewriteBodyTooLarge = "E8001"

	// Internal (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidUpstream:      "Invalid upstream dialer configuration",

	ErrCodeConnectionFailed:   "Failed to establish network connection",
	ErrCodeConnectionTimeout:  "Connection attempt timed out",
	ErrCodeConnectionRefused:  "Connection refused by target server",
	ErrCodeHostUnreachable:    "Target host is unreachable",
	ErrCodeNetworkUnreachable: "Target network is unreachable",
	ErrCodeInvalidAddress:     "Invalid network address format",
	ErrCodeInvalidPort:        "Invalid port number",
	ErrCodeConnectionClosed:   "Connection closed unexpectedly",
	ErrCodeDialFailed:         "Failed to dial target address",
	ErrCodeIdleTimeout:        "Connection idle for too long",

	ErrCodeTLSHandshakeFailed:   "TLS handshake with target server failed",
	ErrCodeCertValidationFailed: "Certificate validation failed",

	ErrCodeInvalidURL:              "Invalid target URL",
	ErrCodeHTTPResponseReadFailed:  "Failed to read HTTP response",
	ErrCodeHTTPRequestWriteFailed:  "Failed to write HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPBodyReadFailed:      "Failed to read HTTP message body",
	ErrCodeHTTPForwardFailed:       "Failed to forward HTTP request",
	ErrCodeHTTPHijackFailed:        "Failed to hijack HTTP connection",
	ErrCodeHTTPHijackNotSupported:  "HTTP connection hijacking not supported",
	ErrCodeHTTPClientNotFound:      "HTTP client not found in request context",

	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "SOCKS5 connection failed",

	ErrCodePortNotAllowed: "Destination port is not allowed for tunnels",
	ErrCodeBlocklistMatch: "Host matches blocklist entry",

	ErrCodeRewriteBodyTooLarge: "HTML body exceeds the rewrite limit",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ""
}

func hasCodeFamily(err error, lo, hi string) bool {
	code := ErrorCode(err)
	return code != "" && code >= lo && code < hi
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	return hasCodeFamily(err, "E2000", "E3000")
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	return hasCodeFamily(err, "E3000", "E4000")
}

// IsAccessControlError checks if the error is a policy refusal
func IsAccessControlError(err error) bool {
	return hasCodeFamily(err, "E7000", "E8000")
}

// classifyDialError wraps a dial or round trip failure in an *Error whose
// code names the most specific cause found.
func classifyDialError(err error) *Error {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr
	}

	code := ErrCodeDialFailed
	var netErr net.Error
	var dnsErr *net.DNSError
	var addrErr *net.AddrError
	var certErr *tls.CertificateVerificationError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		code = ErrCodeConnectionTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		code = ErrCodeConnectionTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		code = ErrCodeConnectionRefused
	case errors.Is(err, syscall.EHOSTUNREACH):
		code = ErrCodeHostUnreachable
	case errors.Is(err, syscall.ENETUNREACH):
		code = ErrCodeNetworkUnreachable
	case errors.As(err, &dnsErr):
		code = ErrCodeHostUnreachable
	case errors.As(err, &addrErr):
		code = ErrCodeInvalidAddress
	case errors.As(err, &certErr):
		code = ErrCodeCertValidationFailed
	case errors.Is(err, errIdleTimeout):
		code = ErrCodeIdleTimeout
	case errors.Is(err, context.Canceled):
		code = ErrCodeConnectionClosed
	}
	return NewProxyError(code, "", err)
}

// NewBadGatewayResponse writes an HTTP 502 page naming errorCode and its
// description. The code is also sent in the X-Proxy-Error header.
func NewBadGatewayResponse(w http.ResponseWriter, errorCode string) {
	var body bytes.Buffer
	if err := templates.BadGateway(errorCode, GetErrorDescription(errorCode)).Render(context.Background(), &body); err != nil {
		logger.Error("Failed to render bad gateway page: %v", err)
	}

	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(body.Len()))
	h.Set("X-Proxy-Error", errorCode)
	w.WriteHeader(http.StatusBadGateway)
	_, _ = body.WriteTo(w)
}

// writeBadRequest answers with a plain-text 400.
func writeBadRequest(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(message))
}

// isClosedConnError reports errors that only mean the peer or we closed the
// socket, which are not worth logging above DEBUG.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, errIdleTimeout)
}
