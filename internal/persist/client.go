// internal/persist/client.go
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/sandboxd/internal/types"
)

// MessageRow is the durable form of a projected message.
type MessageRow struct {
	Cursor     int64  `json:"cursor"`
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	TurnIndex  int    `json:"turnIndex"`
	Tokens     int    `json:"tokens,omitempty"`
}

// StateBatch is the body of a state upsert.
type StateBatch struct {
	Cursor   int64        `json:"cursor"`
	Messages []MessageRow `json:"messages"`
}

// StoreClient talks to the external sandbox store.
type StoreClient struct {
	baseURL string
	client  *http.Client
}

func NewStoreClient(baseURL string) *StoreClient {
	return &StoreClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// PushState upserts a batch of structured messages.
// POST {base}/sandboxes/{id}/state
func (c *StoreClient) PushState(ctx context.Context, sandboxID types.SandboxID, batch StateBatch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal state batch: %w", err)
	}
	url := fmt.Sprintf("%s/sandboxes/%s/state", c.baseURL, sandboxID)
	return c.post(ctx, url, "application/json", body)
}

// PushLogs uploads the raw NDJSON of one turn's events.
// POST {base}/sandboxes/{id}/logs?turnIndex=N
func (c *StoreClient) PushLogs(ctx context.Context, sandboxID types.SandboxID, turnIndex int, ndjson []byte) error {
	url := fmt.Sprintf("%s/sandboxes/%s/logs?turnIndex=%d", c.baseURL, sandboxID, turnIndex)
	return c.post(ctx, url, "application/x-ndjson", ndjson)
}

func (c *StoreClient) post(ctx context.Context, url, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("store request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("store returned %d for %s", resp.StatusCode, url)
	}
	return nil
}
