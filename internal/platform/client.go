// Package platform is the HTTP transport shared by every component that talks
// to the messaging Platform. It injects auth headers, encodes bodies, and
// turns failures into the typed errors in errors.go. It never retries.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// MaxResponseBytes caps how much of a response body is read.
const MaxResponseBytes = 10 * 1024 * 1024

// DefaultStreamThreshold is the body size above which binary payloads are
// streamed instead of buffered.
const DefaultStreamThreshold = 1 << 20

// Request describes one call to the Platform. Set JSON for JSON bodies, or
// Body plus ContentLength for binary bodies. Authorization overrides the
// default bearer header.
type Request struct {
	Method        string
	URL           string
	Query         url.Values
	Header        http.Header
	JSON          any
	Body          io.Reader
	ContentLength int64
	Authorization string
}

// Response is a 2xx Platform response with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the body into v. A body that is not valid JSON is a
// ProtocolError.
func (r *Response) Decode(op string, v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &ProtocolError{Op: op, Reason: fmt.Sprintf("decode response: %v", err), RawBody: r.Body}
	}
	return nil
}

// Client sends requests to the Platform.
type Client struct {
	http            *http.Client
	accessToken     string
	streamThreshold int64
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	AccessToken     string        // long-lived token sent as "Bearer <token>"
	Timeout         time.Duration // per-request timeout; zero means no client-side limit
	StreamThreshold int64         // defaults to DefaultStreamThreshold
	HTTPClient      *http.Client  // optional; Timeout is ignored when set
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	threshold := opts.StreamThreshold
	if threshold <= 0 {
		threshold = DefaultStreamThreshold
	}
	return &Client{
		http:            hc,
		accessToken:     opts.AccessToken,
		streamThreshold: threshold,
	}
}

// HTTPClient exposes the underlying client so other libraries (oauth2) can
// share its timeouts and transport.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// HasAccessToken reports whether a long-lived bearer token is configured.
func (c *Client) HasAccessToken() bool {
	return c.accessToken != ""
}

// Send performs the request. Non-2xx responses return *RemoteError, network
// failures return *TransportError.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	op := req.Method + " " + req.URL
	httpReq, err := c.build(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: op, Timeout: isTimeout(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes+1))
	if err != nil {
		return nil, &TransportError{Op: op, Timeout: isTimeout(ctx, err), Err: fmt.Errorf("read body: %w", err)}
	}
	if len(body) > MaxResponseBytes {
		return nil, &ProtocolError{Op: op, Reason: "response body exceeds size limit"}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    remoteMessage(resp.StatusCode, body),
			RawBody:    body,
		}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

func (c *Client) build(ctx context.Context, req Request) (*http.Request, error) {
	target := req.URL
	if len(req.Query) > 0 {
		u, err := url.Parse(req.URL)
		if err != nil {
			return nil, fmt.Errorf("platform: parse url: %w", err)
		}
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var (
		body        io.Reader
		length      int64 = -1
		contentType string
	)
	switch {
	case req.JSON != nil:
		data, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("platform: encode json: %w", err)
		}
		body = bytes.NewReader(data)
		length = int64(len(data))
		contentType = "application/json"
	case req.Body != nil:
		if req.ContentLength >= 0 && req.ContentLength <= c.streamThreshold {
			// Small payloads are buffered so the request can be replayed on redirect.
			data, err := io.ReadAll(req.Body)
			if err != nil {
				return nil, fmt.Errorf("platform: buffer body: %w", err)
			}
			body = bytes.NewReader(data)
			length = int64(len(data))
		} else {
			body = req.Body
			length = req.ContentLength
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("platform: build request: %w", err)
	}
	if length >= 0 && body != nil {
		httpReq.ContentLength = length
	}
	// Keys are copied as given; the upload protocol's file_offset header is
	// not in canonical form.
	for k, vs := range req.Header {
		httpReq.Header[k] = append(httpReq.Header[k], vs...)
	}
	if contentType != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	switch {
	case req.Authorization != "":
		httpReq.Header.Set("Authorization", req.Authorization)
	case c.accessToken != "":
		httpReq.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	return httpReq, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
