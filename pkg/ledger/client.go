package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/rubixchain/agentdna/pkg/util/resiliency"
)

// httpDoer lets tests substitute the resilient transport.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a Rubix-style ledger node over HTTP. All calls are
// authenticated with an API key, rate-limited client-side so that a burst of
// verifications cannot overload the node, and retried through a circuit
// breaker when the node is restarting.
type Client struct {
	baseURL string
	apiKey  string
	did     string
	http    httpDoer
	limiter *rate.Limiter
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	DID     string
	Timeout time.Duration
	// RPS caps outbound calls per second; 0 means a default of 10.
	RPS   int
	Burst int
	// Retries is the number of extra attempts per call; 0 means a default
	// of 3.
	Retries int
}

// NewClient builds a node client. The API key is required: the node rejects
// unauthenticated calls.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("ledger: base URL is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("ledger: API key is required")
	}
	if opts.DID == "" {
		return nil, fmt.Errorf("ledger: DID is required")
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = rps
	}
	return &Client{
		baseURL: trimTrailingSlash(opts.BaseURL),
		apiKey:  opts.APIKey,
		did:     opts.DID,
		http: resiliency.New(resiliency.Options{
			Timeout:    timeout,
			MaxRetries: opts.Retries,
		}),
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

func (c *Client) DID() string { return c.did }

type signRequest struct {
	DID     string `json:"did"`
	Message string `json:"message"` // base64
}

type signResponse struct {
	Status    bool   `json:"status"`
	Signature string `json:"signature"` // base64
	Message   string `json:"message,omitempty"`
}

func (c *Client) Sign(ctx context.Context, data []byte) ([]byte, error) {
	var resp signResponse
	err := c.post(ctx, "/api/sign", signRequest{
		DID:     c.did,
		Message: base64.StdEncoding.EncodeToString(data),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &ServiceError{Op: "sign", Err: fmt.Errorf("node refused: %s", resp.Message)}
	}
	sig, err := base64.StdEncoding.DecodeString(resp.Signature)
	if err != nil {
		return nil, &ServiceError{Op: "sign", Err: fmt.Errorf("decode signature: %w", err)}
	}
	return sig, nil
}

type verifyRequest struct {
	DID       string `json:"did"`
	Message   string `json:"message"`   // base64
	Signature string `json:"signature"` // base64
}

type verifyResponse struct {
	Status   bool   `json:"status"`
	Verified bool   `json:"verified"`
	Message  string `json:"message,omitempty"`
}

func (c *Client) Verify(ctx context.Context, did string, data, sig []byte) (bool, error) {
	var resp verifyResponse
	err := c.post(ctx, "/api/verify-signature", verifyRequest{
		DID:       did,
		Message:   base64.StdEncoding.EncodeToString(data),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, &resp)
	if err != nil {
		return false, err
	}
	if !resp.Status {
		return false, &ServiceError{Op: "verify", Err: fmt.Errorf("node refused: %s", resp.Message)}
	}
	return resp.Verified, nil
}

type deployAnchorRequest struct {
	AnchorID string  `json:"anchor_id"`
	Value    float64 `json:"value"`
	Payload  string  `json:"payload"`
}

type deployAnchorResponse struct {
	Status  bool   `json:"status"`
	Address string `json:"anchor_address"`
	Message string `json:"message,omitempty"`
}

func (c *Client) RegisterAnchor(ctx context.Context, anchorID string, value float64, payload string) (string, error) {
	var resp deployAnchorResponse
	err := c.post(ctx, "/api/anchor/deploy", deployAnchorRequest{
		AnchorID: anchorID,
		Value:    value,
		Payload:  payload,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.Status || resp.Address == "" {
		return "", fmt.Errorf("ledger: anchor deployment failed: %s", resp.Message)
	}
	return resp.Address, nil
}

type executeAnchorRequest struct {
	Address string `json:"anchor_address"`
	Payload string `json:"payload"`
}

func (c *Client) AppendAnchor(ctx context.Context, address string, payload string) (ExecResult, error) {
	var resp ExecResult
	err := c.post(ctx, "/api/anchor/execute", executeAnchorRequest{
		Address: address,
		Payload: payload,
	}, &resp)
	if err != nil {
		return ExecResult{}, err
	}
	return resp, nil
}

type historyResponse struct {
	Status  bool          `json:"status"`
	States  []AnchorState `json:"states"`
	Message string        `json:"message,omitempty"`
}

func (c *Client) AnchorHistory(ctx context.Context, address string, latestOnly bool) ([]AnchorState, error) {
	q := url.Values{}
	q.Set("address", address)
	q.Set("latest", strconv.FormatBool(latestOnly))

	var resp historyResponse
	if err := c.get(ctx, "/api/anchor/history?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if !resp.Status {
		return nil, &ServiceError{Op: "anchor history", Err: fmt.Errorf("node refused: %s", resp.Message)}
	}
	return resp.States, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("ledger: encode request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(raw), out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &ServiceError{Op: method + " " + path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &ServiceError{Op: method + " " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return &ServiceError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ServiceError{Op: method + " " + path, Err: fmt.Errorf("node returned %s", resp.Status)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServiceError{Op: method + " " + path, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
