package device

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/fleetlink/fleetlink/pkg/a2a"
)

const mcpProtocolVersion = "2024-11-05"

// StdioPort speaks MCP to a device process over stdio using mcp-go.
// The subprocess is launched lazily on first use.
type StdioPort struct {
	command string
	args    []string
	env     []string

	mu        sync.Mutex
	client    *client.Client
	connected bool
}

// NewStdioPort builds a stdio port for an endpoint. The subprocess is
// not started until the first call.
func NewStdioPort(endpoint Endpoint) *StdioPort {
	return &StdioPort{
		command: endpoint.Command,
		args:    endpoint.Args,
		env:     endpoint.Env,
	}
}

// connect launches and initializes the subprocess. Caller holds p.mu.
func (p *StdioPort) connect(ctx context.Context) error {
	if p.connected {
		return nil
	}

	mcpClient, err := client.NewStdioMCPClient(p.command, p.env, p.args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "fleetlink",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	p.client = mcpClient
	p.connected = true

	slog.Info("connected to MCP device (stdio)", "command", p.command)
	return nil
}

func (p *StdioPort) Describe(ctx context.Context) ([]Tool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return nil, err
	}

	listResp, err := p.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []Tool
	for _, mcpTool := range listResp.Tools {
		tools = append(tools, Tool{
			ID:          mcpTool.Name,
			Description: mcpTool.Description,
			InputSchema: schemaToMap(mcpTool.InputSchema),
		})
	}
	return tools, nil
}

func (p *StdioPort) Invoke(ctx context.Context, toolID string, arguments map[string]any, correlationID string) (*ToolResult, error) {
	p.mu.Lock()
	if err := p.connect(ctx); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	mcpClient := p.client
	p.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolID
	req.Params.Arguments = arguments
	if correlationID != "" {
		req.Params.Meta = &mcp.Meta{AdditionalFields: map[string]any{"correlationId": correlationID}}
	}

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("MCP call failed: %w", err)
	}

	out := &ToolResult{IsError: resp.IsError}
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			out.Parts = append(out.Parts, a2a.TextPart(c.Text))
		case mcp.ImageContent:
			out.Parts = append(out.Parts, a2a.Part{
				Kind: a2a.PartKindFile,
				File: &a2a.FilePart{MimeType: c.MIMEType, Bytes: c.Data},
			})
		case mcp.AudioContent:
			out.Parts = append(out.Parts, a2a.Part{
				Kind: a2a.PartKindFile,
				File: &a2a.FilePart{MimeType: c.MIMEType, Bytes: c.Data},
			})
		}
	}
	return out, nil
}

func (p *StdioPort) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		return err
	}
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("MCP ping failed: %w", err)
	}
	return nil
}

func (p *StdioPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		err := p.client.Close()
		p.client = nil
		p.connected = false
		return err
	}
	return nil
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// NewPort opens the adapter matching an endpoint's transport. The
// default is HTTP.
func NewPort(endpoint Endpoint) (ToolPort, error) {
	switch endpoint.Transport {
	case "stdio":
		if endpoint.Command == "" {
			return nil, fmt.Errorf("stdio endpoint requires a command")
		}
		return NewStdioPort(endpoint), nil
	case "http", "":
		if endpoint.URL == "" {
			return nil, fmt.Errorf("http endpoint requires a url")
		}
		return NewHTTPPort(endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported endpoint transport %q", endpoint.Transport)
	}
}

var _ ToolPort = (*StdioPort)(nil)
