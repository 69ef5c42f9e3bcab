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

	"github.com/chatmarket/chatmarket/internal/domain"
)

// ProcessingPayment mirrors the payment processor's payment object; the same
// shape arrives on the webhook.
type ProcessingPayment struct {
	ID             int64                 `json:"id"`
	PaymentType    domain.PaymentType    `json:"paymentType"`
	IsPaid         bool                  `json:"isPaid"`
	CryptoCurrency domain.CryptoCurrency `json:"cryptoCurrency"`
	CryptoAmount   decimal.Decimal       `json:"cryptoAmount"`
	FiatCurrency   string                `json:"fiatCurrency"`
	FiatAmount     decimal.Decimal       `json:"fiatAmount"`
	Address        string                `json:"address"`
}

// ProcessorClient issues payment requests against the external crypto
// processor. Initialized once at process start and injected through service
// constructors.
type ProcessorClient interface {
	CreatePayment(ctx context.Context, req ProcessingPayment) (*ProcessingPayment, error)
}

// HTTPProcessorClient talks to the KryptoExpress-style HTTP API with API-key
// header auth and a finite timeout.
type HTTPProcessorClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProcessorClient(baseURL, apiKey string) *HTTPProcessorClient {
	return &HTTPProcessorClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// CreatePayment POSTs a payment request and returns the processor's quoted
// invoice: transaction id, payment address, and crypto amount.
func (c *HTTPProcessorClient) CreatePayment(ctx context.Context, req ProcessingPayment) (*ProcessingPayment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payment", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	httpReq.Header.Set("X-Api-Key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call payment processor: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("payment processor status %d: %s", resp.StatusCode, string(raw))
	}

	var out ProcessingPayment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payment response: %w", err)
	}
	return &out, nil
}
