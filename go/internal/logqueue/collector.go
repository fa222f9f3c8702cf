package logqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcdev12/expsync/go/internal/storage"
)

var ErrRejected = errors.New("collector rejected request")

const (
	actionLogBatch = "log_batch"
	actionFinalize = "finalize_experiment"
)

// Collector is the remote endpoint that acknowledges log entries
type Collector interface {
	SendBatch(ctx context.Context, experimentID string, entries []storage.LogEntry) error
	Finalize(ctx context.Context, experimentID string, totalLogs int) error
	CheckHealth(ctx context.Context) error
}

// BatchRequest is the log_batch body
type BatchRequest struct {
	Action       string           `json:"action"`
	ExperimentID string           `json:"experimentId"`
	Logs         []map[string]any `json:"logs"`
}

// FinalizeRequest is the finalize_experiment body
type FinalizeRequest struct {
	Action       string `json:"action"`
	ExperimentID string `json:"experimentId"`
	TotalLogs    int    `json:"totalLogs"`
}

type collectorResponse struct {
	Success *bool  `json:"success"`
	Error   string `json:"error,omitempty"`
}

// HTTPCollector talks to the collector over HTTP
type HTTPCollector struct {
	endpoint  string
	healthURL string
	client    *http.Client
}

// NewHTTPCollector posts batches to endpoint and checks healthURL. An empty
// healthURL makes CheckHealth always succeed.
func NewHTTPCollector(endpoint, healthURL string, client *http.Client) *HTTPCollector {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPCollector{endpoint: endpoint, healthURL: healthURL, client: client}
}

// LogObject flattens an entry into the object the collector stores. Payload
// keys come first so the envelope fields always win.
func LogObject(entry storage.LogEntry) map[string]any {
	obj := make(map[string]any, len(entry.Payload)+4)
	for k, v := range entry.Payload {
		obj[k] = v
	}
	obj["timestamp"] = entry.Timestamp.UnixMilli()
	obj["type"] = entry.Type
	obj["experimentId"] = entry.ExperimentID
	obj["localSequenceId"] = entry.ID
	return obj
}

func (c *HTTPCollector) SendBatch(ctx context.Context, experimentID string, entries []storage.LogEntry) error {
	logs := make([]map[string]any, len(entries))
	for i, entry := range entries {
		logs[i] = LogObject(entry)
	}
	return c.post(ctx, BatchRequest{Action: actionLogBatch, ExperimentID: experimentID, Logs: logs})
}

func (c *HTTPCollector) Finalize(ctx context.Context, experimentID string, totalLogs int) error {
	return c.post(ctx, FinalizeRequest{Action: actionFinalize, ExperimentID: experimentID, TotalLogs: totalLogs})
}

func (c *HTTPCollector) CheckHealth(ctx context.Context) error {
	if c.healthURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.healthURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPCollector) post(ctx context.Context, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("collector request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
	var out collectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("%w: malformed response: %v", ErrRejected, err)
	}
	if out.Success == nil || !*out.Success {
		return fmt.Errorf("%w: %s", ErrRejected, out.Error)
	}
	return nil
}
