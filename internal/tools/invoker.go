package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go_bridge/internal/model"
)

// InvokeRequest is the body posted to a tool server's invoke endpoint
type InvokeRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
}

// InvokeResponse is a tool server's reply
type InvokeResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Invoker calls a resolved tool and returns its raw result
type Invoker interface {
	Invoke(ctx context.Context, srv *model.ToolServer, tool *model.Tool, taskID string, args json.RawMessage) (json.RawMessage, error)
}

// HTTPInvoker invokes tools over the server's HTTP endpoint
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker creates an invoker with the given per-call timeout
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	return &HTTPInvoker{client: &http.Client{Timeout: timeout}}
}

// Invoke posts the call to the server's endpoint and decodes the reply
func (iv *HTTPInvoker) Invoke(ctx context.Context, srv *model.ToolServer, tool *model.Tool, taskID string, args json.RawMessage) (json.RawMessage, error) {
	body, err := json.Marshal(InvokeRequest{Tool: tool.Name, Arguments: args, TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal invoke request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", srv.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := iv.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool server unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool server returned status %d", resp.StatusCode)
	}

	var out InvokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tool response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("tool error: %s", out.Error)
	}
	return out.Result, nil
}
