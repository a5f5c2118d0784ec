package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sosmoto/sosmoto-service/internal/domain"
)

// QStashPublisher publishes jobs through a QStash-compatible HTTP queue. The
// queue calls back {CallbackBaseURL}/{endpoint} with a signed request.
type QStashPublisher struct {
	BaseURL         string
	Token           string
	CallbackBaseURL string
	HTTPClient      *http.Client
}

func NewQStashPublisher(baseURL, token, callbackBaseURL string) *QStashPublisher {
	return &QStashPublisher{
		BaseURL:         strings.TrimRight(baseURL, "/"),
		Token:           token,
		CallbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		HTTPClient:      &http.Client{Timeout: 10 * time.Second},
	}
}

// PublishResponse is the queue's answer to a publish.
type PublishResponse struct {
	MessageID    string `json:"messageId"`
	Deduplicated bool   `json:"deduplicated"`
}

// APIError is a non-2xx publish response.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("qstash publish failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("qstash publish failed with status %d: %s", e.StatusCode, e.Message)
}

// CallbackURL is the destination the queue will call for endpoint.
func (p *QStashPublisher) CallbackURL(endpoint string) string {
	return p.CallbackBaseURL + "/" + endpoint
}

func (p *QStashPublisher) Publish(ctx context.Context, endpoint string, job domain.Job, opts PublishOptions) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/v2/publish/"+p.CallbackURL(endpoint), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create publish request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	req.Header.Set("Content-Type", "application/json")
	if opts.DelaySeconds > 0 {
		req.Header.Set("Upstash-Delay", strconv.Itoa(opts.DelaySeconds)+"s")
	}
	if opts.DedupKey != "" {
		req.Header.Set("Upstash-Deduplication-Id", opts.DedupKey)
	}
	if job.MaxRetries > 0 {
		req.Header.Set("Upstash-Retries", strconv.Itoa(job.MaxRetries))
	}
	if job.CorrelationID != "" {
		req.Header.Set("Upstash-Forward-X-Correlation-Id", job.CorrelationID)
	}

	resp, err := p.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute publish request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read publish response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(bodyBytes, apiErr)
		return apiErr
	}

	var published PublishResponse
	if err := json.Unmarshal(bodyBytes, &published); err != nil {
		return fmt.Errorf("failed to decode publish response: %w", err)
	}
	if published.MessageID == "" {
		return fmt.Errorf("publish response carried no message id")
	}
	return nil
}
