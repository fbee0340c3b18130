package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/httpclient"
)

// HTTPPort speaks MCP over HTTP(S) JSON-RPC to one device. Servers that
// answer with a text/event-stream body are handled by the SSE fallback
// in makeRequest.
type HTTPPort struct {
	url        string
	headers    map[string]string
	httpClient *httpclient.Client
	nextID     atomic.Int64
}

type mcpRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type mcpResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *mcpError `json:"error,omitempty"`
}

type mcpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type mcpCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// NewHTTPPort opens an MCP HTTP port against an endpoint URL.
func NewHTTPPort(endpoint Endpoint) *HTTPPort {
	return &HTTPPort{
		url:     endpoint.URL,
		headers: endpoint.Headers,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithBaseDelay(time.Second),
		),
	}
}

func (p *HTTPPort) Describe(ctx context.Context) ([]Tool, error) {
	response, err := p.makeRequest(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("MCP error: %s", response.Error.Message)
	}

	var tools []Tool
	if result, ok := response.Result.(map[string]any); ok {
		if toolsArray, ok := result["tools"].([]any); ok {
			for _, item := range toolsArray {
				raw, ok := item.(map[string]any)
				if !ok {
					continue
				}
				tool := Tool{
					ID:          getString(raw, "name"),
					Description: getString(raw, "description"),
				}
				if schema, ok := raw["inputSchema"].(map[string]any); ok {
					tool.InputSchema = schema
				}
				if schema, ok := raw["outputSchema"].(map[string]any); ok {
					tool.OutputSchema = schema
				}
				tools = append(tools, tool)
			}
		}
	}
	return tools, nil
}

func (p *HTTPPort) Invoke(ctx context.Context, toolID string, arguments map[string]any, correlationID string) (*ToolResult, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	params := mcpCallParams{
		Name:      toolID,
		Arguments: arguments,
	}
	if correlationID != "" {
		params.Meta = map[string]any{"correlationId": correlationID}
	}

	response, err := p.makeRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	if response.Error != nil {
		return nil, fmt.Errorf("MCP error: %s", response.Error.Message)
	}

	result, ok := response.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("malformed tool result for %s", toolID)
	}
	return parseCallResult(result), nil
}

func (p *HTTPPort) Ping(ctx context.Context) error {
	response, err := p.makeRequest(ctx, "tools/list", map[string]any{})
	if err != nil {
		return err
	}
	if response.Error != nil {
		return fmt.Errorf("MCP error: %s", response.Error.Message)
	}
	return nil
}

func (p *HTTPPort) Close() error { return nil }

// makeRequest POSTs a JSON-RPC request and parses the response, falling
// back to SSE framing when the server streams its answer.
func (p *HTTPPort) makeRequest(ctx context.Context, method string, params any) (*mcpResponse, error) {
	request := mcpRequest{
		JSONRPC: "2.0",
		ID:      p.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, strings.NewReader(string(requestBody)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	httpResp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, httpResp.Status)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var mcpResp mcpResponse
	if err := json.Unmarshal(responseBody, &mcpResp); err == nil {
		return &mcpResp, nil
	}

	// SSE fallback: scan for data: lines carrying the envelope.
	for _, line := range strings.Split(string(responseBody), "\n") {
		if strings.HasPrefix(line, "data: ") {
			jsonData := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(jsonData), &mcpResp); err == nil {
				return &mcpResp, nil
			}
		}
	}

	return nil, fmt.Errorf("failed to parse response as JSON or SSE")
}

// parseCallResult converts an MCP tool result into protocol parts.
func parseCallResult(result map[string]any) *ToolResult {
	out := &ToolResult{}
	if isErr, ok := result["isError"].(bool); ok {
		out.IsError = isErr
	}

	contentArray, _ := result["content"].([]any)
	for _, item := range contentArray {
		contentItem, ok := item.(map[string]any)
		if !ok {
			continue
		}
		switch getString(contentItem, "type") {
		case "text":
			out.Parts = append(out.Parts, a2a.TextPart(getString(contentItem, "text")))
		case "image", "audio":
			out.Parts = append(out.Parts, a2a.Part{
				Kind: a2a.PartKindFile,
				File: &a2a.FilePart{
					MimeType: getString(contentItem, "mimeType"),
					Bytes:    getString(contentItem, "data"),
				},
			})
		default:
			out.Parts = append(out.Parts, a2a.DataPart(contentItem))
		}
	}
	return out
}

func getString(m map[string]any, key string) string {
	if val, ok := m[key].(string); ok {
		return val
	}
	return ""
}

var _ ToolPort = (*HTTPPort)(nil)
