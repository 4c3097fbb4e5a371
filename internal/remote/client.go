package remote

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/gzip"
)

// Doer sends one HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends requests to an OData service, adding authentication and
// protocol headers and validating the protocol version of every response.
type Client struct {
	token      string
	userAgent  string
	maxVersion int
	httpClient Doer
	logger     *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(d Doer) ClientOption {
	return func(c *Client) { c.httpClient = d }
}

// WithMaxProtocolVersion sets the highest accepted protocol major version.
func WithMaxProtocolVersion(v int) ClientOption {
	return func(c *Client) {
		if v > 0 {
			c.maxVersion = v
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) { c.userAgent = ua }
}

// WithLogger sets the logger used for request logging.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client. An empty token sends no Authorization header.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		userAgent:  "odc/1.0",
		maxVersion: DefaultMaxProtocolVersion,
		httpClient: &http.Client{},
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// MaxProtocolVersion returns the highest accepted protocol major version.
func (c *Client) MaxProtocolVersion() int {
	return c.maxVersion
}

// Do sends req. Gzip-encoded responses are decoded transparently. A response
// in an unsupported protocol version is closed and reported as a
// *VersionError.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.token != "" && req.Header.Get("Authorization") == "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	version := strconv.Itoa(c.maxVersion) + ".0"
	if req.Header.Get(HeaderODataMaxVersion) == "" {
		req.Header.Set(HeaderODataMaxVersion, version)
	}
	if req.Header.Get(HeaderODataVersion) == "" {
		req.Header.Set(HeaderODataVersion, version)
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "gzip")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("request", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)

	if err := CheckVersion(resp.Header, c.maxVersion); err != nil {
		resp.Body.Close()
		return nil, err
	}

	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("decompress response: %w", err)
		}
		resp.Body = &gzipBody{Reader: gz, raw: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}

	return resp, nil
}

type gzipBody struct {
	*gzip.Reader
	raw io.Closer
}

func (b *gzipBody) Close() error {
	b.Reader.Close()
	return b.raw.Close()
}
