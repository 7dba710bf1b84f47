// Package qbo connects locally recorded expenses to a QuickBooks Online company.
//
// The package is layered bottom-up: Coordinator keeps an access token valid,
// Client issues authenticated API calls with a single forced-refresh retry,
// EntityCache mirrors accounts, classes and vendors, Submitter pushes expenses
// as purchases, and Handshake drives the OAuth connect flow.
package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// RealmPlaceholder in a request path is replaced with the connected realm id.
const RealmPlaceholder = "{realmId}"

// TokenSource yields access tokens. *Coordinator satisfies it.
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, force bool) (Credentials, error)
}

// Request describes one ledger API call. Body is replayed on the retry.
type Request struct {
	Method      string
	Path        string
	Query       url.Values
	Body        []byte
	ContentType string
}

// Response is a successful ledger API answer.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	RealmID string
}

// Client issues authenticated ledger API calls.
type Client struct {
	tokens       TokenSource
	baseURL      string
	minorVersion string
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient returns a Client rooted at baseURL that appends minorversion to every call.
func NewClient(tokens TokenSource, baseURL, minorVersion string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		tokens:       tokens,
		baseURL:      strings.TrimRight(baseURL, "/"),
		minorVersion: minorVersion,
		httpClient:   httpClient,
		logger:       logger.With("component", "qbo_client"),
	}
}

// Call performs req with a valid token. A 401 triggers one forced refresh
// and exactly one retry; the second outcome is returned as is. Non-2xx
// answers are returned as *ProviderError.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	creds, err := c.tokens.GetValidAccessToken(ctx, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, req, creds)
	if err != nil {
		return nil, err
	}

	if resp.Status == http.StatusUnauthorized {
		c.logger.Info("authorization rejected, forcing token refresh", "method", req.Method)
		creds, err = c.tokens.GetValidAccessToken(ctx, true)
		if err != nil {
			return nil, err
		}
		resp, err = c.send(ctx, req, creds)
		if err != nil {
			return nil, err
		}
	}

	return checked(resp)
}

// CallAs performs req once with explicit credentials, bypassing the token
// source. It is used before a connection is stored.
func (c *Client) CallAs(ctx context.Context, creds Credentials, req Request) (*Response, error) {
	resp, err := c.send(ctx, req, creds)
	if err != nil {
		return nil, err
	}
	return checked(resp)
}

// Do sends in as JSON (when non-nil) and decodes the answer into out (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, in, out any) (*Response, error) {
	req := Request{Method: method, Path: path, Query: query}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		req.Body = body
		req.ContentType = "application/json"
	}

	resp, err := c.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return nil, fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
	}
	return resp, nil
}

// URL resolves path for realmID and appends the query and minorversion.
func (c *Client) URL(path, realmID string, query url.Values) (string, error) {
	path = strings.ReplaceAll(path, RealmPlaceholder, url.PathEscape(realmID))
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("parsing request URL: %w", err)
	}

	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("minorversion", c.minorVersion)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func checked(resp *Response) (*Response, error) {
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &ProviderError{Status: resp.Status, Body: truncate(string(resp.Body), maxErrorBody)}
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req Request, creds Credentials) (*Response, error) {
	target, err := c.URL(req.Path, creds.RealmID, req.Query)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	(&oauth2.Token{AccessToken: creds.AccessToken, TokenType: "Bearer"}).SetAuthHeader(httpReq)
	httpReq.Header.Set("Accept", "application/json")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Error("ledger request failed",
			"method", req.Method,
			"url", target,
			"duration", time.Since(start),
			"error", err,
		)
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s %s response: %w", req.Method, req.Path, err)
	}

	level := slog.LevelInfo
	if httpResp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	c.logger.Log(ctx, level, "ledger request",
		"method", req.Method,
		"url", target,
		"status", httpResp.StatusCode,
		"duration", time.Since(start),
	)

	return &Response{
		Status:  httpResp.StatusCode,
		Header:  httpResp.Header,
		Body:    respBody,
		RealmID: creds.RealmID,
	}, nil
}
