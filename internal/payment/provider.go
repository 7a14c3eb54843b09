package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxErrorBodyBytes bounds provider error bodies echoed into logs.
const maxErrorBodyBytes = 512

// ChargeRequest describes one charge to issue at the provider.
type ChargeRequest struct {
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// ProviderClient issues charges at the external payment provider.
type ProviderClient interface {
	// CreateCharge requests a charge and returns the provider-assigned intent ID.
	CreateCharge(ctx context.Context, req ChargeRequest) (string, error)
}

// providerError carries the provider HTTP status alongside the failure.
type providerError struct {
	statusCode int
	err        error
}

func (e *providerError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("payment: provider status=%d", e.statusCode)
}

func (e *providerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *providerError) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.statusCode
}

// HTTPProvider talks to the payment provider over HTTP with a hard timeout.
// A timed-out charge leaves the intent unprocessed; the confirmation webhook
// reconciles it later.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProvider constructs an HTTPProvider.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{},
		timeout: timeout,
	}
}

// CreateCharge implements ProviderClient.
func (p *HTTPProvider) CreateCharge(ctx context.Context, req ChargeRequest) (string, error) {
	if p == nil || p.baseURL == "" {
		return "", errors.New("payment: provider not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, errMarshal := json.Marshal(req)
	if errMarshal != nil {
		return "", errMarshal
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	httpReq, errReq := http.NewRequestWithContext(reqCtx, http.MethodPost, p.baseURL+"/charges", bytes.NewReader(body))
	if errReq != nil {
		return "", errReq
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, errResp := p.client.Do(httpReq)
	if errResp != nil {
		return "", errResp
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("payment: close response body error: %v", errClose)
		}
	}()

	payload, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if errRead != nil {
		return "", errRead
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		echo := payload
		if len(echo) > maxErrorBodyBytes {
			echo = echo[:maxErrorBodyBytes]
		}
		return "", &providerError{
			statusCode: resp.StatusCode,
			err:        fmt.Errorf("payment: create charge status=%d body=%s", resp.StatusCode, string(echo)),
		}
	}

	var parsed struct {
		ID string `json:"id"`
	}
	if errUnmarshal := json.Unmarshal(payload, &parsed); errUnmarshal != nil {
		return "", fmt.Errorf("payment: parse charge response: %w", errUnmarshal)
	}
	if strings.TrimSpace(parsed.ID) == "" {
		return "", errors.New("payment: provider returned empty charge id")
	}
	return parsed.ID, nil
}
