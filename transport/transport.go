// Package transport provides the HTTP client used for all remote API
// traffic. It returns a structured response for every received HTTP
// status and errors only on genuine network failures, so callers can
// branch on status codes without juggling error types.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds a single request when the caller supplies none.
const DefaultTimeout = 30 * time.Second

// maxResponseSize caps how much of a response body is read into memory.
const maxResponseSize = 4 * 1024 * 1024

// Response is the structured result of a completed HTTP exchange.
// Body is fully read and the connection released before it is returned.
type Response struct {
	Status int
	Body   []byte
	Header http.Header
}

// Options carries per-request settings.
type Options struct {
	Header  http.Header
	Body    io.Reader
	Timeout time.Duration
}

// Doer issues HTTP requests. Implementations must return an error only
// for transport-level failures; any received status, including 4xx and
// 5xx, yields a Response.
type Doer interface {
	Do(ctx context.Context, method, rawURL string, opts Options) (*Response, error)
}

// Profile names a client handshake/header disposition. The remote API
// fingerprints clients, so requests are dressed as a desktop browser by
// default.
type Profile string

const (
	// ProfileBrowser restricts the TLS handshake to a browser-like
	// cipher-suite order and attaches browser request headers.
	ProfileBrowser Profile = "browser"
	// ProfilePlain uses Go's stock TLS defaults and no extra headers.
	ProfilePlain Profile = "plain"
)

// browserCipherSuites mirrors the suite order a current Chromium build
// offers for TLS 1.2. TLS 1.3 suites are not configurable in crypto/tls
// and are left to the runtime.
var browserCipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// browserHeaders are merged under caller-supplied headers so the caller
// always wins on conflicts.
var browserHeaders = map[string]string{
	"User-Agent":         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Accept":             "*/*",
	"Accept-Language":    "en-US,en;q=0.9",
	"Sec-Ch-Ua":          `"Chromium";v="124", "Not;A=Brand";v="24", "Google Chrome";v="124"`,
	"Sec-Ch-Ua-Mobile":   "?0",
	"Sec-Ch-Ua-Platform": `"Windows"`,
	"Sec-Fetch-Dest":     "empty",
	"Sec-Fetch-Mode":     "cors",
	"Sec-Fetch-Site":     "same-origin",
}

// Client is the default Doer. One Client owns a pooled http.Transport
// and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	profile    Profile
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	profile  Profile
	proxyURL string
	timeout  time.Duration
}

// WithProfile selects the handshake/header profile.
func WithProfile(p Profile) Option {
	return func(c *clientConfig) { c.profile = p }
}

// WithProxy routes all requests through the given proxy URL.
func WithProxy(rawURL string) Option {
	return func(c *clientConfig) { c.proxyURL = rawURL }
}

// WithTimeout sets the default per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// New builds a Client. An invalid proxy URL is reported immediately
// rather than on first use.
func New(opts ...Option) (*Client, error) {
	cfg := clientConfig{profile: ProfileBrowser, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.profile == ProfileBrowser {
		tlsConfig.CipherSuites = browserCipherSuites
	}

	tr := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     tlsConfig,
	}
	if cfg.proxyURL != "" {
		proxy, err := url.Parse(cfg.proxyURL)
		if err != nil {
			return nil, err
		}
		tr.Proxy = http.ProxyURL(proxy)
	}

	return &Client{
		httpClient: &http.Client{Transport: tr, Timeout: cfg.timeout},
		profile:    cfg.profile,
	}, nil
}

// Do issues the request and drains the body. The per-request timeout in
// opts, when set, overrides the client default via the context; the
// underlying request is abandoned on expiry, not cancelled mid-state.
func (c *Client) Do(ctx context.Context, method, rawURL string, opts Options) (*Response, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.httpClient.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, opts.Body)
	if err != nil {
		return nil, err
	}
	if c.profile == ProfileBrowser {
		for k, v := range browserHeaders {
			req.Header.Set(k, v)
		}
	}
	for k, vs := range opts.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, err
	}
	return &Response{Status: resp.StatusCode, Body: body, Header: resp.Header}, nil
}
