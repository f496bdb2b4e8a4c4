// Package boltz is an HTTP client for a Boltz compatible swap service.
// It implements swap.SwapService over the v2 REST API.
package boltz

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klingon-exchange/subswap/internal/swap"
	"github.com/klingon-exchange/subswap/pkg/helpers"
	"github.com/klingon-exchange/subswap/pkg/logging"
)

var (
	ErrSwapNotFound    = errors.New("swap not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrInvalidResponse = errors.New("invalid response from swap service")
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 4096

// Client talks to the swap service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l }
}

// NewClient creates a client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.GetDefault()
	}
	c.log = c.log.Component("boltz")
	return c
}

type transactionJSON struct {
	ID  string `json:"id"`
	Hex string `json:"hex"`
}

type swapStatusJSON struct {
	Status      string           `json:"status"`
	Transaction *transactionJSON `json:"transaction,omitempty"`
}

type cooperativeRequestJSON struct {
	Index       int    `json:"index"`
	Transaction string `json:"transaction"`
	Preimage    string `json:"preimage,omitempty"`
	PubNonce    string `json:"pubNonce"`
}

type cooperativeResponseJSON struct {
	PubNonce         string `json:"pubNonce"`
	PartialSignature string `json:"partialSignature"`
}

type errorJSON struct {
	Error string `json:"error"`
}

// SwapStatus fetches the current status of a swap.
func (c *Client) SwapStatus(ctx context.Context, swapID string) (*swap.SwapStatus, error) {
	var resp swapStatusJSON
	if err := c.do(ctx, http.MethodGet, "/v2/swap/"+url.PathEscape(swapID), nil, &resp, false); err != nil {
		return nil, err
	}

	status := &swap.SwapStatus{Status: resp.Status}
	if resp.Transaction != nil {
		status.Transaction = &swap.TransactionInfo{
			ID:  resp.Transaction.ID,
			Hex: resp.Transaction.Hex,
		}
	}
	return status, nil
}

// ClaimReverse asks the service to cosign the claim of a reverse swap.
func (c *Client) ClaimReverse(ctx context.Context, swapID string,
	req *swap.CooperativeRequest) (*swap.CooperativeResponse, error) {

	return c.cooperate(ctx, "/v2/swap/reverse/"+url.PathEscape(swapID)+"/claim", req)
}

// ClaimForward asks the service to cosign the claim of a submarine swap.
func (c *Client) ClaimForward(ctx context.Context, swapID string,
	req *swap.CooperativeRequest) (*swap.CooperativeResponse, error) {

	return c.cooperate(ctx, "/v2/swap/submarine/"+url.PathEscape(swapID)+"/claim", req)
}

// Refund asks the service to cosign an early refund of a submarine swap.
func (c *Client) Refund(ctx context.Context, swapID string,
	req *swap.CooperativeRequest) (*swap.CooperativeResponse, error) {

	return c.cooperate(ctx, "/v2/swap/submarine/"+url.PathEscape(swapID)+"/refund", req)
}

func (c *Client) cooperate(ctx context.Context, path string,
	req *swap.CooperativeRequest) (*swap.CooperativeResponse, error) {

	if req == nil {
		return nil, errors.New("no cooperative request")
	}

	body := cooperativeRequestJSON{
		Index:       req.InputIndex,
		Transaction: req.TransactionHex,
		Preimage:    req.PreimageHex,
		PubNonce:    helpers.BytesToHex(req.PubNonce[:]),
	}

	var resp cooperativeResponseJSON
	if err := c.do(ctx, http.MethodPost, path, body, &resp, true); err != nil {
		return nil, err
	}

	nonce, err := swap.ParsePubNonce(resp.PubNonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	partial, err := swap.ParsePartialSignature(resp.PartialSignature)
	if err != nil {
		return nil, err
	}

	return &swap.CooperativeResponse{
		PubNonce:         nonce,
		PartialSignature: partial,
	}, nil
}

// do performs one request. Client errors on cooperative endpoints mean the
// service declined to sign and map to swap.ErrCooperationRefused.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{},
	cooperative bool) error {

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set(RequestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := c.log.With("request", requestID)
	log.Debug("Swap service request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
		}
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	var apiErr errorJSON
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}

	log.Debug("Swap service error", "status", resp.StatusCode, "error", msg)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrSwapNotFound, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case cooperative && resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", swap.ErrCooperationRefused, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
}

// Ensure Client implements swap.SwapService
var _ swap.SwapService = (*Client)(nil)
