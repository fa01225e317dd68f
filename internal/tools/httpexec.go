package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, name string, args map[string]interface{}) (Result, error)

func (f ExecutorFunc) Execute(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	return f(ctx, name, args)
}

// HTTPExecutor dispatches tool calls to the external query backend over HTTP.
type HTTPExecutor struct {
	client  *http.Client
	baseURL string
}

// NewHTTPExecutor constructs an executor for the backend at baseURL.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPExecutor{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type executeRequest struct {
	Tool string                 `json:"tool"`
	Args map[string]interface{} `json:"args"`
}

// Execute posts the call to the backend's /execute endpoint.
func (e *HTTPExecutor) Execute(ctx context.Context, name string, args map[string]interface{}) (Result, error) {
	payload, err := json.Marshal(executeRequest{Tool: name, Args: args})
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 300 {
		b, _ := io.ReadAll(res.Body)
		return Result{}, fmt.Errorf("tool backend: status %d: %s", res.StatusCode, string(b))
	}

	var result Result
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode result: %w", err)
	}
	return result, nil
}
