// Package router decides how an incoming request is handled: answered
// locally, dispatched to a device tool, delegated to an external agent,
// or bounced back for clarification.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fleetlink/fleetlink/pkg/device"
	"github.com/fleetlink/fleetlink/pkg/llm"
)

// Action is the routing verdict.
type Action string

const (
	ActionLocal    Action = "local"
	ActionDevice   Action = "device"
	ActionDelegate Action = "delegate"
	ActionClarify  Action = "clarify"
	ActionReject   Action = "reject"
)

// Decision is the routing outcome. Clarify maps to input-required on
// the owning task.
type Decision struct {
	Action     Action
	DeviceID   string
	ToolID     string
	AgentID    string
	Arguments  map[string]any
	Confidence float64
	Rationale  string
	Reply      string
}

// Input is one routing request. DeviceID is set for stream-originated
// requests so the device's system prompt shapes the analysis.
type Input struct {
	Text     string
	DeviceID string
}

// Router is stateless apart from its collaborators: every Route call
// reads fresh registry and endpoint snapshots and mutates nothing.
type Router struct {
	registry  *device.Registry
	endpoints *Endpoints
	analyzer  llm.Analyzer

	confidenceThreshold float64
	keywordMinimum      int
}

type Option func(*Router)

// WithConfidenceThreshold sets the minimum analyzer confidence below
// which non-local decisions downgrade to clarification.
func WithConfidenceThreshold(t float64) Option {
	return func(r *Router) { r.confidenceThreshold = t }
}

// WithKeywordMinimum sets the overlap needed for the keyword fast path.
func WithKeywordMinimum(n int) Option {
	return func(r *Router) { r.keywordMinimum = n }
}

// New builds a router.
func New(registry *device.Registry, endpoints *Endpoints, analyzer llm.Analyzer, opts ...Option) *Router {
	r := &Router{
		registry:            registry,
		endpoints:           endpoints,
		analyzer:            analyzer,
		confidenceThreshold: 0.5,
		keywordMinimum:      1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route decides how to handle the input. The keyword fast path fires
// when exactly one online device clearly matches and its tool choice is
// unambiguous; everything else goes through the analyzer.
func (r *Router) Route(ctx context.Context, input Input) (*Decision, error) {
	keywords := tokenize(input.Text)

	if d := r.keywordFastPath(keywords); d != nil {
		slog.Debug("keyword fast path", "device", d.DeviceID, "tool", d.ToolID)
		return d, nil
	}

	decision, err := r.analyzer.Analyze(ctx, llm.Request{
		System: r.systemPrompt(input),
		Prompt: input.Text,
	})
	if errors.Is(err, llm.ErrAnalyzerDisabled) {
		return clarify("I could not match this request to a known device or agent. " +
			"Can you rephrase it using the capability you need?"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("intent analysis failed: %w", err)
	}

	return r.resolve(decision, keywords), nil
}

// keywordFastPath returns a device decision when the keyword match is
// unambiguous, nil otherwise.
func (r *Router) keywordFastPath(keywords []string) *Decision {
	if len(keywords) == 0 {
		return nil
	}
	matches := r.registry.MatchByIntent(keywords, "")
	if len(matches) == 0 {
		return nil
	}

	top := matches[0]
	if top.Liveness != device.LivenessOnline {
		return nil
	}
	topOverlap := overlap(top.Keywords, keywords)
	if topOverlap < r.keywordMinimum {
		return nil
	}
	if len(matches) > 1 && overlap(matches[1].Keywords, keywords) == topOverlap {
		return nil
	}

	toolID := pickTool(top, keywords)
	if toolID == "" {
		return nil
	}

	return &Decision{
		Action:     ActionDevice,
		DeviceID:   top.ID,
		ToolID:     toolID,
		Confidence: 1.0,
		Rationale:  "keyword match",
	}
}

// pickTool selects a tool without analyzer help: the only tool, or the
// single tool whose id appears among the keywords.
func pickTool(d *device.Device, keywords []string) string {
	if len(d.Tools) == 1 {
		return d.Tools[0].ID
	}
	var picked string
	for _, tool := range d.Tools {
		for _, k := range keywords {
			if strings.EqualFold(tool.ID, k) {
				if picked != "" {
					return ""
				}
				picked = tool.ID
			}
		}
	}
	return picked
}

// resolve validates the analyzer decision against live state and
// applies the confidence threshold. Local answers are exempt from the
// threshold: a hesitant answer is still an answer.
func (r *Router) resolve(d *llm.Decision, keywords []string) *Decision {
	if d.Action != llm.ActionLocal && d.Confidence < r.confidenceThreshold {
		question := d.Rationale
		if question == "" {
			question = "Can you give more detail about what you need?"
		}
		return clarify(question)
	}

	switch d.Action {
	case llm.ActionReject:
		return &Decision{
			Action:     ActionReject,
			Confidence: d.Confidence,
			Rationale:  d.Rationale,
		}

	case llm.ActionLocal:
		reply, _ := d.Arguments["reply"].(string)
		if reply == "" {
			reply = d.Rationale
		}
		return &Decision{
			Action:     ActionLocal,
			Confidence: d.Confidence,
			Rationale:  d.Rationale,
			Reply:      reply,
		}

	case llm.ActionDevice:
		dev, err := r.registry.Get(d.Target)
		if err != nil {
			return clarify(fmt.Sprintf("I do not know a device called %q. Which device should handle this?", d.Target))
		}
		if dev.Liveness == device.LivenessOffline {
			return clarify(fmt.Sprintf("Device %s is offline. Should another device handle this?", dev.ID))
		}
		toolID := d.Tool
		if toolID == "" {
			toolID = pickTool(dev, keywords)
		}
		if _, ok := dev.Tool(toolID); !ok {
			return clarify(fmt.Sprintf("Device %s has no tool %q. Which tool should run?", dev.ID, d.Tool))
		}
		return &Decision{
			Action:     ActionDevice,
			DeviceID:   dev.ID,
			ToolID:     toolID,
			Arguments:  d.Arguments,
			Confidence: d.Confidence,
			Rationale:  d.Rationale,
		}

	case llm.ActionDelegate:
		if ep, ok := r.endpoints.Get(d.Target); ok {
			return &Decision{
				Action:     ActionDelegate,
				AgentID:    ep.AgentID,
				Arguments:  d.Arguments,
				Confidence: d.Confidence,
				Rationale:  d.Rationale,
			}
		}
		// Unknown target: fall back to tag matching over the keywords.
		if ranked := r.endpoints.matchAgents(keywords); len(ranked) > 0 {
			return &Decision{
				Action:     ActionDelegate,
				AgentID:    ranked[0].AgentID,
				Arguments:  d.Arguments,
				Confidence: d.Confidence,
				Rationale:  d.Rationale,
			}
		}
		return clarify("No external agent covers this request. Can you describe the capability differently?")

	default:
		return clarify("Can you give more detail about what you need?")
	}
}

func clarify(question string) *Decision {
	return &Decision{Action: ActionClarify, Reply: question}
}

// systemPrompt assembles the analyzer instructions: the decision
// schema, the device inventory, the agent inventory, and the origin
// device's prompt for stream-originated requests.
func (r *Router) systemPrompt(input Input) string {
	var b strings.Builder

	b.WriteString("You route requests for a device fleet broker. ")
	b.WriteString("Decide whether to answer locally, invoke a device tool, delegate to an external agent, or reject.\n")
	b.WriteString("Respond with a single JSON object matching this schema:\n")
	if schema := llm.DecisionSchema(); schema != nil {
		if raw, err := json.Marshal(schema); err == nil {
			b.Write(raw)
			b.WriteString("\n")
		}
	}
	b.WriteString("For local answers put the answer text in arguments.reply. ")
	b.WriteString("For device actions set target to the device id and tool to the tool id. ")
	b.WriteString("For delegation set target to the agent id.\n\n")

	b.WriteString("Devices:\n")
	for _, d := range r.registry.List(device.Filter{}) {
		if d.Liveness == device.LivenessOffline {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s, %s) keywords=%v\n", d.ID, d.Name, d.Liveness, d.Keywords)
		for _, tool := range d.Tools {
			fmt.Fprintf(&b, "  - tool %s: %s\n", tool.ID, tool.Description)
		}
	}

	agents := r.endpoints.List()
	if len(agents) > 0 {
		b.WriteString("External agents:\n")
		for _, ep := range agents {
			fmt.Fprintf(&b, "- %s tags=%v\n", ep.AgentID, ep.CapabilityTags)
		}
	}

	if input.DeviceID != "" {
		if origin, err := r.registry.Get(input.DeviceID); err == nil && origin.SystemPrompt != "" {
			fmt.Fprintf(&b, "\nThis request originated from device %s. Device guidance: %s\n",
				origin.ID, origin.SystemPrompt)
		}
	}

	return b.String()
}

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"to": true, "of": true, "in": true, "on": true, "for": true,
	"me": true, "my": true, "is": true, "it": true, "please": true,
	"can": true, "you": true, "with": true, "from": true, "this": true,
}

// tokenize lowercases the text and splits it into candidate keywords,
// dropping stopwords.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9' || r == '_' || r == '-')
	})
	seen := make(map[string]bool, len(fields))
	var out []string
	for _, f := range fields {
		if len(f) < 2 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func overlap(deviceKeywords, queryKeywords []string) int {
	want := make(map[string]bool, len(queryKeywords))
	for _, k := range queryKeywords {
		want[strings.ToLower(k)] = true
	}
	n := 0
	for _, k := range deviceKeywords {
		if want[strings.ToLower(k)] {
			n++
		}
	}
	return n
}
