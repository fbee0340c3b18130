// Package llm provides the analyzer port used by the intent router: a
// structured-output call that turns a request plus the known devices
// and agents into one routing decision.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/fleetlink/fleetlink/pkg/config"
)

// ErrAnalyzerDisabled is returned by the disabled provider. The router
// falls back to keyword routing and clarification.
var ErrAnalyzerDisabled = errors.New("llm analyzer is disabled")

// Decision actions.
const (
	ActionLocal    = "local"
	ActionDevice   = "device"
	ActionDelegate = "delegate"
	ActionReject   = "reject"
)

// Decision is the structured routing verdict.
type Decision struct {
	Action     string         `json:"action" jsonschema:"enum=local,enum=device,enum=delegate,enum=reject,description=How the request should be handled"`
	Target     string         `json:"target,omitempty" jsonschema:"description=Device id for device action or agent id for delegate action"`
	Tool       string         `json:"tool,omitempty" jsonschema:"description=Tool id on the target device"`
	Arguments  map[string]any `json:"arguments,omitempty" jsonschema:"description=Arguments for the selected tool"`
	Confidence float64        `json:"confidence" jsonschema:"description=Confidence between 0 and 1"`
	Rationale  string         `json:"rationale,omitempty" jsonschema:"description=One sentence explaining the choice"`
}

// Request is one analyzer invocation. System carries the routing
// instructions and candidate inventory; Prompt carries the user text.
type Request struct {
	System string
	Prompt string
}

// Analyzer produces routing decisions.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Decision, error)
	Name() string
	Close() error
}

// DecisionSchema returns the JSON schema of Decision as a plain map,
// suitable for prompt embedding and provider structured-output config.
func DecisionSchema() map[string]any {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(&Decision{})
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	// Structured-output backends reject schema metadata keys.
	delete(out, "$schema")
	delete(out, "$id")
	delete(out, "additionalProperties")
	return out
}

// parseDecision decodes and validates a provider's JSON output.
func parseDecision(raw string) (*Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("failed to parse decision: %w", err)
	}
	switch d.Action {
	case ActionLocal, ActionDevice, ActionDelegate, ActionReject:
	default:
		return nil, fmt.Errorf("unknown decision action %q", d.Action)
	}
	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return &d, nil
}

// New builds an analyzer from configuration.
func New(cfg config.LLMConfig) (Analyzer, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAI(cfg)
	case "gemini":
		return NewGemini(cfg)
	case "disabled", "":
		return NewDisabled(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}

// Disabled is the no-op analyzer used when no provider is configured.
type Disabled struct{}

func NewDisabled() *Disabled { return &Disabled{} }

func (d *Disabled) Analyze(ctx context.Context, req Request) (*Decision, error) {
	return nil, ErrAnalyzerDisabled
}

func (d *Disabled) Name() string { return "disabled" }
func (d *Disabled) Close() error { return nil }

var _ Analyzer = (*Disabled)(nil)
