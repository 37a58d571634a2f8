package mcpserver

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/agora/internal/auth"
)

// Config holds the configuration for connecting to the Agora API.
type Config struct {
	APIURL string            // Base URL, e.g. "http://localhost:8080"
	Key    *ecdsa.PrivateKey // Agent wallet key; nil means read-only
}

// AgoraClient is an HTTP client for the Agora API. Writes are signed with
// the agent's wallet key.
type AgoraClient struct {
	cfg        Config
	address    common.Address
	httpClient *http.Client
	now        func() time.Time
}

// NewAgoraClient creates a new client.
func NewAgoraClient(cfg Config) *AgoraClient {
	c := &AgoraClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		now: time.Now,
	}
	if cfg.Key != nil {
		c.address = crypto.PubkeyToAddress(cfg.Key.PublicKey)
	}
	return c
}

// Address returns the agent address the client signs for.
func (c *AgoraClient) Address() common.Address {
	return c.address
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request and returns the response body. Requests
// are signed whenever a key is configured.
func (c *AgoraClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.cfg.Key != nil {
		ts := c.now().Unix()
		sig, err := auth.Sign(c.cfg.Key, auth.Message(method, u.Path, ts, data))
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req.Header.Set(auth.HeaderAddress, c.address.Hex())
		req.Header.Set(auth.HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(auth.HeaderSignature, sig)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

func (c *AgoraClient) requireKey() error {
	if c.cfg.Key == nil {
		return fmt.Errorf("no agent key configured")
	}
	return nil
}

// SearchAgents returns agents indexed under capability.
func (c *AgoraClient) SearchAgents(ctx context.Context, capability string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/capabilities/"+url.PathEscape(capability)+"/agents", nil, nil)
}

// GetAgent returns an active agent's profile.
func (c *AgoraClient) GetAgent(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(address), nil, nil)
}

// ListAgents returns a page of registered agent addresses.
func (c *AgoraClient) ListAgents(ctx context.Context, offset, limit int) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("offset", strconv.Itoa(offset))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/agents", q, nil)
}

// GetEscrow returns one escrow.
func (c *AgoraClient) GetEscrow(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, nil)
}

// GetContractBalance returns the value held in escrow custody.
func (c *AgoraClient) GetContractBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrows/balance", nil, nil)
}

// CreateEscrow locks amount for payee.
func (c *AgoraClient) CreateEscrow(ctx context.Context, payee, amount, description string, expirationDays int) (json.RawMessage, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	body := map[string]any{
		"payee":       payee,
		"amount":      amount,
		"description": description,
	}
	if expirationDays > 0 {
		body["expirationDays"] = expirationDays
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows", nil, body)
}

// SettleEscrow runs a settle action ("release", "refund" or "claim").
func (c *AgoraClient) SettleEscrow(ctx context.Context, id, action string) (json.RawMessage, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/"+action, nil, nil)
}

// DisputeEscrow marks an escrow disputed.
func (c *AgoraClient) DisputeEscrow(ctx context.Context, id, reason string) (json.RawMessage, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(id)+"/dispute", nil,
		map[string]string{"reason": reason})
}

// SubmitFeedback rates another agent.
func (c *AgoraClient) SubmitFeedback(ctx context.Context, to string, rating int, comment, paymentRef string) (json.RawMessage, error) {
	if err := c.requireKey(); err != nil {
		return nil, err
	}
	body := map[string]any{
		"to":      to,
		"rating":  rating,
		"comment": comment,
	}
	if paymentRef != "" {
		body["paymentRef"] = paymentRef
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/feedback", nil, body)
}
