// Package cpd talks to the REST surface of the analytics platform: it
// authenticates, attaches bearer tokens and retries failed calls.
package cpd

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/charmbracelet/log"
)

const (
	DefaultAttempts = 5
	DefaultDelay    = 3 * time.Second
)

// StatusError is returned when a response carries an unexpected status code.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status code %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Client issues authenticated requests against a base URL.
type Client struct {
	baseURL  string
	http     *http.Client
	tokens   TokenSource
	attempts uint
	delay    time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithRetry sets the number of attempts and the fixed delay between them.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		c.delay = delay
	}
}

// WithTokenSource attaches a bearer token to every request.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// NewClient creates a new platform client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     http.DefaultClient,
		attempts: DefaultAttempts,
		delay:    DefaultDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewHTTPClient builds an HTTP client for the platform routes, which are
// commonly served with self-signed certificates.
func NewHTTPClient(insecureSkipVerify bool, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecureSkipVerify} //nolint:gosec
	return &http.Client{Transport: transport, Timeout: timeout}
}

// BaseURL returns the root every request path is appended to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// HTTPClient exposes the underlying client for raw transfers.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// WithBaseURL returns a copy of the client rooted at a different URL.
func (c *Client) WithBaseURL(baseURL string) *Client {
	clone := *c
	clone.baseURL = strings.TrimRight(baseURL, "/")
	return &clone
}

type request struct {
	query    url.Values
	header   http.Header
	body     func() (io.Reader, string, error)
	accepted []int
}

type RequestOption func(*request)

// Query sets the query string.
func Query(q url.Values) RequestOption {
	return func(r *request) {
		r.query = q
	}
}

// Header adds a request header.
func Header(key, value string) RequestOption {
	return func(r *request) {
		r.header.Add(key, value)
	}
}

// JSONBody encodes v as the request body.
func JSONBody(v any) RequestOption {
	return func(r *request) {
		r.body = func() (io.Reader, string, error) {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, "", fmt.Errorf("failed to encode request body: %w", err)
			}
			return bytes.NewReader(data), "application/json", nil
		}
	}
}

// Body uses a body factory, called once per attempt.
func Body(fn func() (io.Reader, string, error)) RequestOption {
	return func(r *request) {
		r.body = fn
	}
}

// MultipartFile streams a file as a single multipart form field.
func MultipartFile(field, filename string, open func() (io.ReadCloser, error)) RequestOption {
	return Body(func() (io.Reader, string, error) {
		src, err := open()
		if err != nil {
			return nil, "", fmt.Errorf("failed to open %s: %w", filename, err)
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer src.Close()
			part, err := mw.CreateFormFile(field, filename)
			if err == nil {
				_, err = io.Copy(part, src)
			}
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()

		return pr, mw.FormDataContentType(), nil
	})
}

// OpenFile returns an opener for MultipartFile.
func OpenFile(path string) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return os.Open(path)
	}
}

// OpenBytes returns an opener for MultipartFile serving data.
func OpenBytes(data []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}

// Accept lists the status codes treated as success. The default is 200.
func Accept(codes ...int) RequestOption {
	return func(r *request) {
		r.accepted = codes
	}
}

// URL resolves a path against the base URL. Absolute URLs pass through.
func (c *Client) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) newRequest(opts []RequestOption) *request {
	req := &request{header: http.Header{}, accepted: []int{http.StatusOK}}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

func (c *Client) target(path string, req *request) string {
	target := c.URL(path)
	if len(req.query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.query.Encode()
	}
	return target
}

func (c *Client) withRetry(ctx context.Context, method, target string, fn func() error) error {
	logger := log.With("method", method, "url", target)

	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("request failed, retrying", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("maximum retry reached: %w", err)
	}
	return nil
}

// Do sends a request and retries it until the status code is accepted or
// the attempts run out.
func (c *Client) Do(ctx context.Context, method, path string, opts ...RequestOption) (*Response, error) {
	req := c.newRequest(opts)
	target := c.target(path, req)

	var resp *Response
	err := c.withRetry(ctx, method, target, func() error {
		httpResp, err := c.send(ctx, method, target, req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		data, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if !slices.Contains(req.accepted, httpResp.StatusCode) {
			return &StatusError{Method: method, URL: target, StatusCode: httpResp.StatusCode, Body: string(data)}
		}

		resp = &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: data}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return resp, nil
}

// DoJSON sends a request and decodes the JSON response into out.
func (c *Client) DoJSON(ctx context.Context, method, path string, out any, opts ...RequestOption) error {
	resp, err := c.Do(ctx, method, path, opts...)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	return resp.JSON(out)
}

// DownloadFile streams the response body into dst. The file only appears
// once the transfer finished.
func (c *Client) DownloadFile(ctx context.Context, path, dst string, opts ...RequestOption) error {
	req := c.newRequest(opts)
	target := c.target(path, req)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dst, err)
	}

	return c.withRetry(ctx, http.MethodGet, target, func() error {
		httpResp, err := c.send(ctx, http.MethodGet, target, req)
		if err != nil {
			return err
		}
		defer httpResp.Body.Close()

		if !slices.Contains(req.accepted, httpResp.StatusCode) {
			data, _ := io.ReadAll(httpResp.Body)
			return &StatusError{Method: http.MethodGet, URL: target, StatusCode: httpResp.StatusCode, Body: string(data)}
		}

		tmp := dst + ".part"
		f, err := os.Create(tmp)
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to create %s: %w", tmp, err))
		}
		if _, err := io.Copy(f, httpResp.Body); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to write %s: %w", dst, err)
		}
		if err := f.Close(); err != nil {
			return retry.Unrecoverable(fmt.Errorf("failed to close %s: %w", tmp, err))
		}
		return os.Rename(tmp, dst)
	})
}

func (c *Client) send(ctx context.Context, method, target string, req *request) (*http.Response, error) {
	token := ""
	if c.tokens != nil {
		var err error
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return nil, retry.Unrecoverable(fmt.Errorf("failed to get access token: %w", err))
		}
	}

	var body io.Reader
	contentType := ""
	if req.body != nil {
		var err error
		body, contentType, err = req.body()
		if err != nil {
			return nil, retry.Unrecoverable(err)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		if closer, ok := body.(io.Closer); ok {
			closer.Close()
		}
		return nil, retry.Unrecoverable(fmt.Errorf("failed to build request: %w", err))
	}

	for key, values := range req.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	return httpResp, nil
}
