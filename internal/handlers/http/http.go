package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tradeflow/internal/domain"
)

// maxErrorBody bounds how much of a failed response ends up in the error.
const maxErrorBody = 512

// Remote runs a task by POSTing its payload to a collaborator service and
// returning the decoded JSON response.
type Remote struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func New(url string, headers map[string]string, timeout time.Duration) *Remote {
	client := &http.Client{}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return &Remote{URL: url, Headers: headers, Client: client}
}

func (r *Remote) Handle(ctx context.Context, payload domain.Payload) (any, error) {
	if r.URL == "" {
		return nil, fmt.Errorf("URL is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for key, value := range r.Headers {
		req.Header.Set(key, value)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(respBody) > maxErrorBody {
			respBody = respBody[:maxErrorBody]
		}
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, nil
	}

	var out any
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
