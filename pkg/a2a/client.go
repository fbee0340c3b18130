package a2a

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
)

// AuthCredentials carries outbound authentication.
type AuthCredentials struct {
	Type         string // "bearer" or "apiKey"
	Token        string
	APIKey       string
	APIKeyHeader string // defaults to "X-API-Key"
}

// ClientConfig configures the outbound A2A client.
type ClientConfig struct {
	Timeout time.Duration
	Auth    *AuthCredentials
}

// Client is the JSON-RPC client used to delegate work to external A2A
// agents.
type Client struct {
	httpClient *http.Client
	auth       *AuthCredentials
}

// NewClient builds an A2A client. The default timeout covers one
// blocking delegation round trip.
func NewClient(cfg *ClientConfig) *Client {
	if cfg == nil {
		cfg = &ClientConfig{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		auth:       cfg.Auth,
	}
}

// FetchCard retrieves an agent's card from its well-known location.
func (c *Client) FetchCard(ctx context.Context, baseURL string) (*AgentCard, error) {
	url := strings.TrimSuffix(baseURL, "/") + "/.well-known/agent-card.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent card fetch returned %d", resp.StatusCode)
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("%w: malformed agent card: %v", ErrInvalidAgentResponse, err)
	}
	return &card, nil
}

// SendMessage delegates a message to an agent and returns its reply,
// either a direct message or a task snapshot. Malformed replies surface
// as InvalidAgentResponse.
func (c *Client) SendMessage(ctx context.Context, agentURL string, params *MessageSendParams) (Event, error) {
	result, err := c.call(ctx, agentURL, MethodMessageSend, params)
	if err != nil {
		return nil, err
	}
	return decodeEvent(result)
}

// GetTask polls a delegated task.
func (c *Client) GetTask(ctx context.Context, agentURL string, params *TaskQueryParams) (*Task, error) {
	result, err := c.call(ctx, agentURL, MethodTasksGet, params)
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(result, &t); err != nil {
		return nil, fmt.Errorf("%w: malformed task: %v", ErrInvalidAgentResponse, err)
	}
	return &t, nil
}

// CancelTask cancels a delegated task.
func (c *Client) CancelTask(ctx context.Context, agentURL string, params *TaskIDParams) (*Task, error) {
	result, err := c.call(ctx, agentURL, MethodTasksCancel, params)
	if err != nil {
		return nil, err
	}
	var t Task
	if err := json.Unmarshal(result, &t); err != nil {
		return nil, fmt.Errorf("%w: malformed task: %v", ErrInvalidAgentResponse, err)
	}
	return &t, nil
}

// call performs one JSON-RPC round trip.
func (c *Client) call(ctx context.Context, agentURL, method string, params any) (json.RawMessage, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode params: %w", err)
	}
	reqBody, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: agent returned %d", ErrInvalidAgentResponse, resp.StatusCode)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("%w: malformed json-rpc response: %v", ErrInvalidAgentResponse, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	result, err := json.Marshal(rpcResp.Result)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable result: %v", ErrInvalidAgentResponse, err)
	}
	return result, nil
}

// decodeEvent decodes a result whose shape depends on its kind field.
func decodeEvent(raw json.RawMessage) (Event, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("%w: undecodable result: %v", ErrInvalidAgentResponse, err)
	}
	switch probe.Kind {
	case KindMessage:
		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: malformed message: %v", ErrInvalidAgentResponse, err)
		}
		return &msg, nil
	case KindTask:
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("%w: malformed task: %v", ErrInvalidAgentResponse, err)
		}
		return &t, nil
	default:
		return nil, fmt.Errorf("%w: unexpected result kind %q", ErrInvalidAgentResponse, probe.Kind)
	}
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.auth == nil {
		return
	}
	switch c.auth.Type {
	case "bearer":
		if c.auth.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.auth.Token)
		}
	case "apiKey":
		header := c.auth.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		if c.auth.APIKey != "" {
			req.Header.Set(header, c.auth.APIKey)
		}
	}
}
