package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/draknorr/publisheriq/internal/chat"
	"github.com/draknorr/publisheriq/internal/rpc"
)

// NewChatCmd streams one analytics question through the daemon and prints
// the answer as it arrives.
func NewChatCmd(opts *Options) *cobra.Command {
	var userID string
	var modelOverride string
	var providerOverride string

	cmd := &cobra.Command{
		Use:   "chat \"<question>\"",
		Short: "Ask the analytics assistant a question and stream the answer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			question := args[0]
			if strings.TrimSpace(question) == "" {
				return fmt.Errorf("question cannot be empty")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			reqBody := rpc.ChatStreamRequest{
				SessionID: uuid.NewString(),
				UserID:    userID,
				Provider:  providerOverride,
				Model:     modelOverride,
				Message:   question,
			}

			return streamSSE(ctx, cmd, daemonURL(cfg.Server.Addr)+"/chat", reqBody)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "cli", "User id charged for the turn")
	cmd.Flags().StringVar(&modelOverride, "model", "", "Override model identifier for this turn")
	cmd.Flags().StringVar(&providerOverride, "provider", "", "Override provider (openai or anthropic)")

	return cmd
}

func streamSSE(ctx context.Context, cmd *cobra.Command, url string, reqBody rpc.ChatStreamRequest) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	client := &http.Client{Timeout: 0}
	res, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned status %d", res.StatusCode)
	}

	sawTerminal := false
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var ev chat.StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case chat.EventTextDelta:
			cmd.Print(ev.Text)
		case chat.EventToolStart:
			cmd.Printf("\n[tool %s running]\n", ev.ToolName)
		case chat.EventToolResult:
			status := "ok"
			if ev.Result != nil && !ev.Result.Success {
				status = "failed"
			}
			cmd.Printf("[tool %s %s in %dms]\n", ev.ToolName, status, ev.DurationMs)
		case chat.EventMessageEnd:
			sawTerminal = true
			cmd.Printf("\n\n[done: %s", ev.FinishReason)
			if ev.Credits != nil {
				cmd.Printf(", %d credits", ev.Credits.Total)
			}
			if ev.Timing != nil {
				cmd.Printf(", llm %dms, tools %dms", ev.Timing.LLMMs, ev.Timing.ToolsMs)
			}
			cmd.Println("]")
		case chat.EventError:
			sawTerminal = true
			return fmt.Errorf("chat failed: %s", ev.Error)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	// A dropped connection without a terminal event is an error, not an
	// implicit success.
	if !sawTerminal {
		return fmt.Errorf("stream ended without terminal event")
	}
	return nil
}

func daemonURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		return "http://127.0.0.1" + addr
	}
	return "http://" + addr
}

// waitForDaemon polls the health endpoint until the daemon answers or the
// deadline passes. Used by doctor.
func waitForDaemon(ctx context.Context, baseURL string, deadline time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	expire := time.Now().Add(deadline)
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
		if err != nil {
			return err
		}
		res, err := client.Do(req)
		if err == nil {
			res.Body.Close()
			if res.StatusCode == http.StatusOK {
				return nil
			}
		}
		if time.Now().After(expire) {
			return fmt.Errorf("daemon not reachable at %s", baseURL)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}
