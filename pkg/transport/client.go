// Package transport is the shared HTTP layer: a base-URL client over a
// pluggable Doer with auth header injection and typed error mapping. Every
// call carries the caller's context; deadlines come from there.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tradewire/riskcore/pkg/execerrors"
)

// Doer abstracts *http.Client so tests can substitute canned responses.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HeaderFunc produces per-request auth headers from the request signature
// inputs. Nil means no auth headers.
type HeaderFunc func(method, path string, body []byte) (http.Header, error)

// Client issues JSON requests against one base URL.
type Client struct {
	doer      Doer
	baseURL   string
	userAgent string
	headers   HeaderFunc
}

// NewClient wraps a Doer. A nil doer falls back to http.DefaultClient.
func NewClient(doer Doer, baseURL string) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{doer: doer, baseURL: baseURL}
}

// SetUserAgent sets the User-Agent header for all requests.
func (c *Client) SetUserAgent(ua string) { c.userAgent = ua }

// SetHeaderFunc installs the auth header provider.
func (c *Client) SetHeaderFunc(fn HeaderFunc) { c.headers = fn }

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// Post issues a POST with a JSON body and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, nil, body, out)
}

// Delete issues a DELETE with an optional JSON body.
func (c *Client) Delete(ctx context.Context, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	return c.do(ctx, http.MethodDelete, path, nil, body, out)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.headers != nil {
		extra, err := c.headers(method, path, body)
		if err != nil {
			return err
		}
		for k, vs := range extra {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		if execerrors.IsTimeout(err) {
			return fmt.Errorf("%w: %s %s", execerrors.ErrSubmissionTimeout, method, path)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(payload, &eb)
		msg := eb.Error
		if msg == "" {
			msg = eb.Message
		}
		return execerrors.FromHTTP(resp.StatusCode, eb.Code, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
