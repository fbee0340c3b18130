package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/device"
	"github.com/fleetlink/fleetlink/pkg/llm"
	"github.com/fleetlink/fleetlink/pkg/repository"
	"github.com/fleetlink/fleetlink/pkg/router"
	"github.com/fleetlink/fleetlink/pkg/task"
	"github.com/fleetlink/fleetlink/pkg/worker"
)

// blockablePort lets tests gate tool invocations.
type blockablePort struct {
	tools   []device.Tool
	result  *device.ToolResult
	invoked chan string
	block   chan struct{}
}

func (p *blockablePort) Describe(ctx context.Context) ([]device.Tool, error) { return p.tools, nil }

func (p *blockablePort) Invoke(ctx context.Context, toolID string, arguments map[string]any, correlationID string) (*device.ToolResult, error) {
	if p.invoked != nil {
		select {
		case p.invoked <- toolID:
		default:
		}
	}
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.result != nil {
		return p.result, nil
	}
	return &device.ToolResult{Parts: []a2a.Part{a2a.TextPart("done")}}, nil
}

func (p *blockablePort) Ping(ctx context.Context) error { return nil }
func (p *blockablePort) Close() error                   { return nil }

type fixedAnalyzer struct {
	decision *llm.Decision
}

func (a *fixedAnalyzer) Analyze(ctx context.Context, req llm.Request) (*llm.Decision, error) {
	if a.decision == nil {
		return nil, llm.ErrAnalyzerDisabled
	}
	return a.decision, nil
}

func (a *fixedAnalyzer) Name() string { return "fixed" }
func (a *fixedAnalyzer) Close() error { return nil }

type fixture struct {
	dispatcher *Dispatcher
	tasks      *task.Manager
	registry   *device.Registry
	endpoints  *router.Endpoints
	pool       *worker.Pool
}

func newFixture(t *testing.T, port *blockablePort, analyzer llm.Analyzer, opts ...Option) *fixture {
	return newFixtureWithEndpoints(t, port, analyzer, "", opts...)
}

func newFixtureWithEndpoints(t *testing.T, port *blockablePort, analyzer llm.Analyzer, endpointsYAML string, opts ...Option) *fixture {
	t.Helper()
	repo := repository.NewMemory()

	registry := device.NewRegistry(repo,
		device.WithPortFactory(func(device.Endpoint) (device.ToolPort, error) {
			return port, nil
		}))

	tasks := task.NewManager(repo)
	t.Cleanup(tasks.Close)

	endpointsPath := ""
	if endpointsYAML != "" {
		endpointsPath = filepath.Join(t.TempDir(), "endpoints.yaml")
		require.NoError(t, os.WriteFile(endpointsPath, []byte(endpointsYAML), 0644))
	}
	endpoints, err := router.NewEndpoints(endpointsPath, repo)
	require.NoError(t, err)

	rt := router.New(registry, endpoints, analyzer)

	pool := worker.NewPool(2, 16, time.Second)
	t.Cleanup(func() { pool.Shutdown(context.Background()) })

	client := a2a.NewClient(&a2a.ClientConfig{Timeout: 5 * time.Second})

	opts = append([]Option{WithBlockingTimeout(5 * time.Second)}, opts...)
	d := NewDispatcher(tasks, rt, registry, pool, client, endpoints, opts...)
	return &fixture{dispatcher: d, tasks: tasks, registry: registry, endpoints: endpoints, pool: pool}
}

func sendParams(text string) *a2a.MessageSendParams {
	return &a2a.MessageSendParams{
		Message: a2a.Message{
			Role:  a2a.MessageRoleUser,
			Parts: []a2a.Part{a2a.TextPart(text)},
		},
	}
}

func TestBlockingSendCompletesLocally(t *testing.T) {
	f := newFixture(t, &blockablePort{}, &fixedAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionLocal,
		Arguments:  map[string]any{"reply": "21 degrees"},
		Confidence: 0.9,
	}})

	got, err := f.dispatcher.Send(context.Background(), sendParams("what is the temperature"))
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	// One user message plus one agent reply.
	require.Len(t, got.History, 2)
	assert.Equal(t, "21 degrees", got.History[1].TextOf())
}

func TestDeviceRouteProducesArtifact(t *testing.T) {
	port := &blockablePort{
		tools: []device.Tool{{ID: "snapshot", Description: "take a photo"}},
		result: &device.ToolResult{Parts: []a2a.Part{
			{Kind: a2a.PartKindFile, File: &a2a.FilePart{Name: "garden.jpg", MimeType: "image/jpeg", Bytes: "aGk="}},
		}},
	}
	f := newFixture(t, port, &fixedAnalyzer{})

	_, err := f.registry.Register(context.Background(), device.Spec{
		ID: "cam-1", Keywords: []string{"photo", "camera"},
	})
	require.NoError(t, err)

	got, err := f.dispatcher.Send(context.Background(), sendParams("take a photo"))
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	require.Len(t, got.Artifacts, 1)
	require.Len(t, got.Artifacts[0].Parts, 1)
	part := got.Artifacts[0].Parts[0]
	assert.Equal(t, a2a.PartKindFile, part.Kind)
	require.NotNil(t, part.File)
	assert.Equal(t, "garden.jpg", part.File.Name)
}

func TestClarifyMovesToInputRequired(t *testing.T) {
	f := newFixture(t, &blockablePort{}, &fixedAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDevice,
		Target:     "cam-1",
		Confidence: 0.2,
		Rationale:  "Which camera?",
	}})

	got, err := f.dispatcher.Send(context.Background(), sendParams("do the thing"))
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateInputRequired, got.Status.State)
	require.NotNil(t, got.Status.Message)
	assert.Equal(t, "Which camera?", got.Status.Message.TextOf())
}

func TestRejectedRequest(t *testing.T) {
	f := newFixture(t, &blockablePort{}, &fixedAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionReject,
		Confidence: 0.9,
		Rationale:  "out of scope",
	}})

	got, err := f.dispatcher.Send(context.Background(), sendParams("write me a novel"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateRejected, got.Status.State)
}

func TestCancelRunningTask(t *testing.T) {
	port := &blockablePort{
		tools:   []device.Tool{{ID: "snapshot"}},
		invoked: make(chan string, 1),
		block:   make(chan struct{}),
	}
	defer close(port.block)
	f := newFixture(t, port, &fixedAnalyzer{})

	_, err := f.registry.Register(context.Background(), device.Spec{
		ID: "cam-1", Keywords: []string{"photo"},
	})
	require.NoError(t, err)

	blocking := false
	params := sendParams("take a photo")
	params.Configuration = &a2a.MessageSendConfiguration{Blocking: &blocking}
	created, err := f.dispatcher.Send(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateSubmitted, created.Status.State)

	// Wait until the tool is actually running, then cancel.
	select {
	case <-port.invoked:
	case <-time.After(2 * time.Second):
		t.Fatal("tool was never invoked")
	}
	got, err := f.dispatcher.Cancel(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, got.Status.State)

	// Cancel on a terminal task fails.
	_, err = f.dispatcher.Cancel(context.Background(), created.ID)
	assert.ErrorIs(t, err, a2a.ErrTaskNotCancelable)
}

func TestPerToolTimeoutOverridesDefault(t *testing.T) {
	port := &blockablePort{
		tools:   []device.Tool{{ID: "snapshot", Timeout: 5}},
		invoked: make(chan string, 1),
		block:   make(chan struct{}),
	}
	f := newFixture(t, port, &fixedAnalyzer{}, WithToolTimeout(20*time.Millisecond))

	_, err := f.registry.Register(context.Background(), device.Spec{
		ID: "cam-1", Keywords: []string{"photo"},
	})
	require.NoError(t, err)

	// Hold the tool well past the 20ms default; the declared 5s timeout
	// keeps the invocation alive.
	go func() {
		select {
		case <-port.invoked:
		case <-time.After(2 * time.Second):
		}
		time.Sleep(100 * time.Millisecond)
		close(port.block)
	}()

	got, err := f.dispatcher.Send(context.Background(), sendParams("take a photo"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
}

func TestDefaultToolTimeoutFailsSlowTool(t *testing.T) {
	port := &blockablePort{
		tools: []device.Tool{{ID: "snapshot"}},
		block: make(chan struct{}),
	}
	defer close(port.block)
	f := newFixture(t, port, &fixedAnalyzer{}, WithToolTimeout(20*time.Millisecond))

	_, err := f.registry.Register(context.Background(), device.Spec{
		ID: "cam-1", Keywords: []string{"photo"},
	})
	require.NoError(t, err)

	got, err := f.dispatcher.Send(context.Background(), sendParams("take a photo"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateFailed, got.Status.State)
	require.NotNil(t, got.Status.Message)
	assert.Equal(t, a2a.FailureTimeout, got.Status.Message.Metadata["failureKind"])
}

func TestDelegateToExternalAgent(t *testing.T) {
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.JSONRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, a2a.MethodMessageSend, req.Method)

		reply := a2a.Message{
			Kind:      a2a.KindMessage,
			MessageID: "msg-agent-1",
			Role:      a2a.MessageRoleAgent,
			Parts:     []a2a.Part{a2a.TextPart("sunny, 25 degrees")},
		}
		result, _ := json.Marshal(reply)
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  json.RawMessage(result),
		})
	}))
	defer agent.Close()

	endpointsYAML := fmt.Sprintf(
		"agents:\n  - agent_id: weather-agent\n    url: %s\n    enabled: true\n", agent.URL)
	f := newFixtureWithEndpoints(t, &blockablePort{}, &fixedAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDelegate,
		Target:     "weather-agent",
		Confidence: 0.9,
	}}, endpointsYAML)

	got, err := f.dispatcher.Send(context.Background(), sendParams("weather tomorrow"))
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	require.NotNil(t, got.Status.Message)
	assert.Equal(t, "sunny, 25 degrees", got.Status.Message.TextOf())

	// Delegation success refreshes recency.
	ep, ok := f.endpoints.Get("weather-agent")
	require.True(t, ok)
	assert.False(t, ep.LastSuccess.IsZero())
}

func TestNonBlockingSendReturnsSubmitted(t *testing.T) {
	port := &blockablePort{
		tools: []device.Tool{{ID: "snapshot"}},
		block: make(chan struct{}),
	}
	defer close(port.block)
	f := newFixture(t, port, &fixedAnalyzer{})

	_, err := f.registry.Register(context.Background(), device.Spec{
		ID: "cam-1", Keywords: []string{"photo"},
	})
	require.NoError(t, err)

	blocking := false
	params := sendParams("take a photo")
	params.Configuration = &a2a.MessageSendConfiguration{Blocking: &blocking}

	got, err := f.dispatcher.Send(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateSubmitted, got.Status.State)
}

func TestToolErrorFailsTask(t *testing.T) {
	port := &blockablePort{
		tools:  []device.Tool{{ID: "snapshot"}},
		result: &device.ToolResult{IsError: true, Parts: []a2a.Part{a2a.TextPart("lens jammed")}},
	}
	f := newFixture(t, port, &fixedAnalyzer{})

	_, err := f.registry.Register(context.Background(), device.Spec{
		ID: "cam-1", Keywords: []string{"photo"},
	})
	require.NoError(t, err)

	got, err := f.dispatcher.Send(context.Background(), sendParams("take a photo"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateFailed, got.Status.State)
}

func TestContinueTaskAfterClarification(t *testing.T) {
	clarifier := &fixedAnalyzer{decision: &llm.Decision{
		Action:     llm.ActionDevice,
		Confidence: 0.1,
		Rationale:  "Which one?",
	}}
	f := newFixture(t, &blockablePort{}, clarifier)

	created, err := f.dispatcher.Send(context.Background(), sendParams("do the thing"))
	require.NoError(t, err)
	require.Equal(t, a2a.TaskStateInputRequired, created.Status.State)

	// The follow-up message resumes the task.
	clarifier.decision = &llm.Decision{
		Action:     llm.ActionLocal,
		Arguments:  map[string]any{"reply": "resolved"},
		Confidence: 0.9,
	}
	followUp := sendParams("the second one")
	followUp.Message.TaskID = created.ID
	got, err := f.dispatcher.Send(context.Background(), followUp)
	require.NoError(t, err)

	assert.Equal(t, a2a.TaskStateCompleted, got.Status.State)
	assert.Equal(t, "resolved", got.Status.Message.TextOf())
}
