package llm

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/genai"

	"github.com/fleetlink/fleetlink/pkg/config"
	"github.com/fleetlink/fleetlink/pkg/observability"
)

// Gemini calls the Gemini API through the official SDK with a response
// schema, so the decision comes back as schema-conforming JSON.
type Gemini struct {
	client      *genai.Client
	model       string
	temperature float64
	timeout     time.Duration
	schema      *genai.Schema
	metrics     observability.Metrics
}

// NewGemini builds the Gemini analyzer.
func NewGemini(cfg config.LLMConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Gemini{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		timeout:     cfg.TimeoutDuration(),
		schema:      toGenaiSchema(DecisionSchema()),
		metrics:     (*observability.PrometheusMetrics)(nil),
	}, nil
}

// WithMetrics wires call duration and error counters.
func (p *Gemini) WithMetrics(m observability.Metrics) *Gemini {
	p.metrics = m
	return p
}

func (p *Gemini) Name() string { return "gemini/" + p.model }

func (p *Gemini) Close() error { return nil }

func (p *Gemini) Analyze(ctx context.Context, req Request) (*Decision, error) {
	start := time.Now()
	decision, err := p.analyze(ctx, req)
	p.metrics.RecordLLMCall(ctx, p.Name(), time.Since(start), err)
	return decision, err
}

func (p *Gemini) analyze(ctx context.Context, req Request) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(p.temperature)),
		ResponseMIMEType: "application/json",
		ResponseSchema:   p.schema,
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini generation failed: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini returned no candidates")
	}

	return parseDecision(resp.Text())
}

// toGenaiSchema converts a JSON schema map to the SDK schema type.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

var _ Analyzer = (*Gemini)(nil)
