package gateway

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
)

const (
	collectionsPath    = "/v1/collections"
	maxResponseBytes   = 1 << 20
	defaultHTTPTimeout = 30 * time.Second
)

// HTTPGatewayParams configures the HTTP gateway client.
type HTTPGatewayParams struct {
	BaseURL string
	APIKey  string
	// Client overrides the default http.Client.
	Client *http.Client
}

// HTTPGateway calls the payment relay over JSON/HTTP. Requests are sent once:
// a transport error is reported as a failure and retried by the billing
// engine on a later tick, never here.
type HTTPGateway struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPGateway builds the HTTP client.
func NewHTTPGateway(params HTTPGatewayParams) (*HTTPGateway, error) {
	base := strings.TrimRight(strings.TrimSpace(params.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("gateway base url required")
	}
	client := params.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &HTTPGateway{
		endpoint: base + collectionsPath,
		apiKey:   params.APIKey,
		client:   client,
	}, nil
}

type successBody struct {
	Signature string `json:"signature"`
}

// CollectPayment posts the collection and maps the response.
func (g *HTTPGateway) CollectPayment(ctx context.Context, req CollectionRequest) (CollectionResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return CollectionResult{}, fmt.Errorf("encode collection request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return CollectionResult{}, fmt.Errorf("build collection request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return CollectionResult{}, &Failure{Code: CodeTimeout, Reason: err.Error()}
		}
		return CollectionResult{}, &Failure{Code: CodeUnavailable, Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return CollectionResult{}, &Failure{Code: CodeUnavailable, Reason: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var ok successBody
		if err := json.Unmarshal(body, &ok); err != nil {
			return CollectionResult{}, &Failure{Code: CodeUnconfirmed, Reason: fmt.Sprintf("status %d, undecodable body: %v", resp.StatusCode, err)}
		}
		if ok.Signature == "" {
			return CollectionResult{}, &Failure{Code: CodeUnconfirmed, Reason: fmt.Sprintf("status %d without signature", resp.StatusCode)}
		}
		return CollectionResult{Signature: ok.Signature}, nil
	}

	failure := &Failure{}
	if err := json.Unmarshal(body, failure); err != nil || failure.Code == "" {
		failure.Code = statusFailureCode(resp.StatusCode)
		failure.Reason = strings.TrimSpace(string(body))
	}
	return CollectionResult{}, failure
}

func statusFailureCode(status int) string {
	switch {
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return CodeTimeout
	case status >= 500:
		return CodeUnavailable
	default:
		return CodeRejected
	}
}
