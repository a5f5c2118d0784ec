/**
 * @description
 * This package provides a client for the MercadoPago REST API: reading a
 * payment by id and creating checkout preferences. Responses are decoded into
 * the provider's own shapes; callers validate them before use.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client is a client for the MercadoPago API.
type Client struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// NewClient creates a new MercadoPago API client.
func NewClient(baseURL, accessToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL:     baseURL,
		AccessToken: accessToken,
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		Logger: logger.With("component", "mercadopago_client"),
	}
}

// Payment is the subset of the payment resource the service reads.
type Payment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	PaymentMethodID   string          `json:"payment_method_id"`
	PaymentTypeID     string          `json:"payment_type_id"`
	TransactionAmount float64         `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
	ExternalReference string          `json:"external_reference"`
	DateCreated       string          `json:"date_created"`
	DateApproved      string          `json:"date_approved"`
	Payer             PaymentPayer    `json:"payer"`
	Metadata          map[string]any  `json:"metadata"`
	FeeDetails        []FeeDetail     `json:"fee_details"`
	AdditionalInfo    map[string]any  `json:"additional_info"`
	Raw               json.RawMessage `json:"-"`
}

// PaymentPayer identifies the buyer on a payment.
type PaymentPayer struct {
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Identification struct {
		Type   string `json:"type"`
		Number string `json:"number"`
	} `json:"identification"`
}

// FeeDetail is one fee charged on a payment.
type FeeDetail struct {
	Type     string  `json:"type"`
	Amount   float64 `json:"amount"`
	FeePayer string  `json:"fee_payer"`
}

// PreferenceItem is one checkout line.
type PreferenceItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	CurrencyID  string  `json:"currency_id"`
}

// PreferencePayer pre-fills the checkout form.
type PreferencePayer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// BackURLs are where the buyer lands after checkout.
type BackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// PreferenceRequest creates a checkout preference.
type PreferenceRequest struct {
	Items               []PreferenceItem  `json:"items"`
	Payer               PreferencePayer   `json:"payer"`
	ExternalReference   string            `json:"external_reference"`
	NotificationURL     string            `json:"notification_url,omitempty"`
	BackURLs            BackURLs          `json:"back_urls"`
	AutoReturn          string            `json:"auto_return,omitempty"`
	StatementDescriptor string            `json:"statement_descriptor,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// PreferenceResponse is the created preference.
type PreferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// APIError represents an error from the MercadoPago API.
type APIError struct {
	StatusCode int    `json:"status"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("mercadopago api error: status %d %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mercadopago api error: status %d", e.StatusCode)
}

// Retryable reports whether repeating the call may succeed.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GetPayment fetches a payment by provider id.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	endpoint := c.BaseURL + "/v1/payments/" + url.PathEscape(paymentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}

	bodyBytes, err := c.do(req, "get_payment")
	if err != nil {
		return nil, err
	}

	var payment Payment
	decoder := json.NewDecoder(bytes.NewReader(bodyBytes))
	decoder.UseNumber()
	if err := decoder.Decode(&payment); err != nil {
		return nil, fmt.Errorf("failed to decode payment response: %w", err)
	}
	payment.Raw = bodyBytes
	return &payment, nil
}

// CreatePreference creates a checkout preference. idempotencyKey makes
// retried calls return the same preference.
func (c *Client) CreatePreference(ctx context.Context, pref PreferenceRequest, idempotencyKey string) (*PreferenceResponse, error) {
	body, err := json.Marshal(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal preference request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/checkout/preferences", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create preference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	bodyBytes, err := c.do(req, "create_preference")
	if err != nil {
		return nil, err
	}

	var preference PreferenceResponse
	if err := json.Unmarshal(bodyBytes, &preference); err != nil {
		return nil, fmt.Errorf("failed to decode preference response: %w", err)
	}
	if preference.ID == "" {
		return nil, fmt.Errorf("preference response carried no id")
	}
	return &preference, nil
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s request: %w", op, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil {
			c.Logger.Warn("non-2xx response (unparsable error body)", "op", op, "status", resp.StatusCode)
		}
		apiErr.StatusCode = resp.StatusCode
		c.Logger.Warn("non-2xx response", "op", op, "status", resp.StatusCode, "code", apiErr.Code, "message", apiErr.Message)
		return nil, apiErr
	}
	return bodyBytes, nil
}
