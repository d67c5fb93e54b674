package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/baxromumarov/rollout-engine/pkg/protocol"
)

// HTTPClient handles HTTP communication between coordinator and participants
type HTTPClient struct {
	client  *http.Client
	timeout time.Duration
	// retry configuration for idempotent calls
	maxRetries int
	retryDelay time.Duration
}

// NewHTTPClient creates a new HTTP client with timeout. A zero timeout
// leaves deadlines to the request context.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			Timeout: timeout,
		},
		timeout: timeout,
	}
}

// WithRetry configures retry attempts for transient failures (5xx or transport errors).
// Prepare is never retried.
func (c *HTTPClient) WithRetry(maxRetries int, retryDelay time.Duration) *HTTPClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryDelay < 0 {
		retryDelay = 0
	}

	c.maxRetries = maxRetries
	c.retryDelay = retryDelay
	return c
}

// DefaultHTTPClient creates a client with default 5 second timeout
func DefaultHTTPClient() *HTTPClient {
	return NewHTTPClient(5 * time.Second)
}

// HealthCheck checks if a process is alive
func (c *HTTPClient) HealthCheck(ctx context.Context, addr string) (*protocol.HealthResponse, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Response, error) {
		return c.get(ctx, addr, "health")
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}

	var health protocol.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}

	return &health, nil
}

// Prepare sends a prepare request to a participant. A retried prepare could
// stage the change twice, so it gets exactly one attempt.
func (c *HTTPClient) Prepare(ctx context.Context, addr string, req *protocol.PrepareRequest) (*protocol.PrepareResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, addr, "prepare", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("prepare failed with status: %d", resp.StatusCode)
	}

	var prepareResp protocol.PrepareResponse
	if err := json.NewDecoder(resp.Body).Decode(&prepareResp); err != nil {
		return nil, fmt.Errorf("decode prepare reply: %w", err)
	}
	return &prepareResp, nil
}

// Commit sends a commit request to a participant
func (c *HTTPClient) Commit(ctx context.Context, addr string, req *protocol.CommitRequest) (*protocol.AckResponse, error) {
	resp, err := c.postJSON(ctx, addr, "commit", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeAck(resp.Body)
}

// Rollback sends a rollback request to a participant
func (c *HTTPClient) Rollback(ctx context.Context, addr string, req *protocol.RollbackRequest) (*protocol.AckResponse, error) {
	resp, err := c.postJSON(ctx, addr, "rollback", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeAck(resp.Body)
}

// StartRollout asks the coordinator to roll an operation out to a group
func (c *HTTPClient) StartRollout(ctx context.Context, addr string, req *protocol.RolloutRequest) (*protocol.Report, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, addr, "rollout", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeReport(resp)
}

// StartGroupRollout asks the coordinator to roll an operation out to every
// group in req.Groups
func (c *HTTPClient) StartGroupRollout(ctx context.Context, addr string, req *protocol.RolloutRequest) (*protocol.GroupRolloutResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, addr, "rollout/groups", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var out protocol.GroupRolloutResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetReport fetches a finished rollout from the coordinator
func (c *HTTPClient) GetReport(ctx context.Context, addr, rolloutID string) (*protocol.Report, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Response, error) {
		return c.get(ctx, addr, "rollouts/"+url.PathEscape(rolloutID))
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return decodeReport(resp)
}

// ListReports fetches the most recent rollouts from the coordinator. An
// empty group lists every group.
func (c *HTTPClient) ListReports(ctx context.Context, addr, group string, limit int) ([]*protocol.Report, error) {
	query := url.Values{}
	query.Set("limit", strconv.Itoa(limit))
	if group != "" {
		query.Set("group", group)
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Response, error) {
		return c.get(ctx, addr, "rollouts?"+query.Encode())
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var reports []*protocol.Report
	if err := json.NewDecoder(resp.Body).Decode(&reports); err != nil {
		return nil, err
	}
	return reports, nil
}

func (c *HTTPClient) get(ctx context.Context, addr, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/%s", addr, path), nil)
	if err != nil {
		return nil, err
	}
	return c.client.Do(req)
}

func (c *HTTPClient) post(ctx context.Context, addr, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s/%s", addr, path), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.client.Do(req)
}

func (c *HTTPClient) postJSON(ctx context.Context, addr, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return c.doWithRetry(ctx, func() (*http.Response, error) {
		return c.post(ctx, addr, path, body)
	})
}

func (c *HTTPClient) doWithRetry(ctx context.Context, do func() (*http.Response, error)) (*http.Response, error) {
	attempts := c.maxRetries + 1
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		resp, err := do()
		if err == nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("transient status: %d", resp.StatusCode)
			// Ensure we drain/close to avoid leaking connections
			if resp.Body != nil {
				_, _ = io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}

		if attempt == attempts-1 {
			break
		}

		if c.retryDelay > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	return nil, lastErr
}

func decodeAck(body io.Reader) (*protocol.AckResponse, error) {
	var ack protocol.AckResponse
	if err := json.NewDecoder(body).Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func decodeReport(resp *http.Response) (*protocol.Report, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var report protocol.Report
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, err
	}
	return &report, nil
}

func statusError(resp *http.Response) error {
	var ack protocol.AckResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err == nil && ack.Error != "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, ack.Error)
	}
	return fmt.Errorf("request failed with status: %d", resp.StatusCode)
}
