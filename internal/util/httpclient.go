package util

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient returns a client whose timeout bounds the whole exchange,
// body included. A non-empty userAgent is set on every request that does not
// carry its own.
func NewHTTPClient(timeout time.Duration, userAgent string) *http.Client {
	return &http.Client{Timeout: timeout, Transport: roundTripper(newTransport(), userAgent)}
}

// NewStreamingClient returns a client for long downloads: headerTimeout
// bounds the wait for response headers only, and the body may take as long
// as the request context allows.
func NewStreamingClient(headerTimeout time.Duration, userAgent string) *http.Client {
	tr := newTransport()
	tr.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: roundTripper(tr, userAgent)}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

func roundTripper(tr *http.Transport, userAgent string) http.RoundTripper {
	if userAgent == "" {
		return tr
	}
	return &userAgentTransport{next: tr, userAgent: userAgent}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(r)
}
