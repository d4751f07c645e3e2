// Package agentclient talks to the agent server running on each machine.
// Request and response bodies are sealed with the transport envelope when
// one is configured, plain JSON otherwise.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariana-dot-dev/ariana-sub006/internal/common/logger"
	"github.com/ariana-dot-dev/ariana-sub006/internal/envelope"
)

const maxResponseBody = 1 << 20

// Client calls agent servers. One Client serves every machine; the address
// is passed per call.
type Client struct {
	httpClient *http.Client
	envelope   *envelope.Envelope
	logger     *logger.Logger
}

// New creates a client. env may be nil.
func New(env *envelope.Envelope, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		envelope:   env,
		logger:     log.Component("agent-client"),
	}
}

// PingRequest is the liveness challenge; the server echoes the nonce.
type PingRequest struct {
	Nonce string `json:"nonce"`
}

type PingResponse struct {
	Nonce  string `json:"nonce"`
	Status string `json:"status"`
}

// PromptRequest asks the agent server to run the assistant on a prompt.
type PromptRequest struct {
	AgentID    string `json:"agentId"`
	PromptID   string `json:"promptId"`
	Text       string `json:"text"`
	Model      string `json:"model"`
	Generation int64  `json:"generation"`
}

// PromptResponse reports how the assistant run ended: success, failure or aborted.
type PromptResponse struct {
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`
}

// SnapshotResponse identifies the checkpoint the machine produced.
type SnapshotResponse struct {
	SnapshotID string `json:"snapshotId"`
	Bytes      int64  `json:"bytes"`
}

// Ping sends a liveness challenge and verifies the echoed nonce.
func (c *Client) Ping(ctx context.Context, address string) error {
	nonce := uuid.New().String()
	var resp PingResponse
	if err := do(ctx, c, address, "/health", PingRequest{Nonce: nonce}, &resp); err != nil {
		return err
	}
	if resp.Nonce != nonce {
		return fmt.Errorf("health check nonce mismatch")
	}
	return nil
}

// Prompt runs a prompt on the machine and waits for the outcome.
func (c *Client) Prompt(ctx context.Context, address string, req PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	if err := do(ctx, c, address, "/prompt", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Snapshot asks the machine to checkpoint its disk.
func (c *Client) Snapshot(ctx context.Context, address, machineID string) (*SnapshotResponse, error) {
	var resp SnapshotResponse
	body := map[string]string{"machineId": machineID}
	if err := do(ctx, c, address, "/snapshot", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func do[T any](ctx context.Context, c *Client, address, path string, payload any, out *T) error {
	body, contentType, err := c.seal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(address)+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s failed: %d", path, resp.StatusCode)
	}

	if c.envelope == nil {
		return json.Unmarshal(raw, out)
	}
	res := envelope.DecryptAndValidate[T](c.envelope, raw)
	if !res.Valid {
		c.logger.Warn("Rejected agent server response", zap.String("path", path), zap.Error(res.Error))
		return fmt.Errorf("invalid %s response: %w", path, res.Error)
	}
	*out = res.Data
	return nil
}

func (c *Client) seal(payload any) ([]byte, string, error) {
	if c.envelope == nil {
		b, err := json.Marshal(payload)
		return b, "application/json", err
	}
	b, err := c.envelope.Encrypt(payload)
	return b, "application/octet-stream", err
}

func baseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return strings.TrimSuffix(address, "/")
	}
	return "http://" + address
}
