package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"
)

// Intent is the gateway's record of an amount to be collected.
type Intent struct {
	IntentID     string
	CheckoutLink string
}

// IntentStatus is the gateway's view of a previously issued intent. CartID
// comes from the metadata attached at creation time.
type IntentStatus struct {
	Status string
	CartID int64
}

const StatusApproved = "approved"

// Gateway is the external payment collaborator. CreateIntent failures abort
// the enclosing checkout transaction; nothing persists without a payment.
type Gateway interface {
	CreateIntent(ctx context.Context, referenceID string, cartID int64, amount decimal.Decimal) (*Intent, error)
	GetStatus(ctx context.Context, intentID string) (*IntentStatus, error)
}

type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "payment-gateway",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

type createIntentRequest struct {
	ReferenceID string          `json:"reference_id"`
	Amount      decimal.Decimal `json:"amount"`
	Metadata    intentMetadata  `json:"metadata"`
}

type intentMetadata struct {
	CartID int64 `json:"cart_id"`
}

type createIntentResponse struct {
	IntentID     string `json:"intent_id"`
	CheckoutLink string `json:"checkout_link"`
}

type intentStatusResponse struct {
	Status   string         `json:"status"`
	Metadata intentMetadata `json:"metadata"`
}

func (c *Client) CreateIntent(ctx context.Context, referenceID string, cartID int64, amount decimal.Decimal) (*Intent, error) {
	payload, err := json.Marshal(createIntentRequest{
		ReferenceID: referenceID,
		Amount:      amount,
		Metadata:    intentMetadata{CartID: cartID},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal intent request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/v1/intents", payload)
	if err != nil {
		return nil, err
	}

	var resp createIntentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode intent response: %w", err)
	}

	return &Intent{IntentID: resp.IntentID, CheckoutLink: resp.CheckoutLink}, nil
}

func (c *Client) GetStatus(ctx context.Context, intentID string) (*IntentStatus, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/intents/"+intentID, nil)
	if err != nil {
		return nil, err
	}

	var resp intentStatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	return &IntentStatus{Status: resp.Status, CartID: resp.Metadata.CartID}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("build gateway request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gateway request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read gateway response: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body)
		}

		return body, nil
	})
}
