package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

// methodPattern is the category/action shape every method must have.
var methodPattern = regexp.MustCompile(`^[A-Za-z]+(/[A-Za-z]+)+$`)

func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, nil, a2a.NewError(a2a.CodeParseError, "failed to read request body"))
		return
	}

	var req a2a.JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeRPCError(w, nil, a2a.NewError(a2a.CodeParseError, "malformed JSON payload"))
		return
	}
	if rpcErr := validateEnvelope(&req); rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}

	var handleErr error
	switch req.Method {
	case a2a.MethodMessageStream, a2a.MethodTasksResubscribe:
		handleErr = s.handleStreaming(w, r, &req)
	default:
		result, err := s.dispatch(r.Context(), &req)
		handleErr = err
		if err != nil {
			writeRPCError(w, req.ID, a2a.AsError(err))
		} else {
			writeJSON(w, http.StatusOK, a2a.NewResponse(req.ID, result))
		}
	}

	s.metrics.RecordRequest(r.Context(), req.Method, time.Since(start), handleErr)
}

// validateEnvelope enforces the JSON-RPC 2.0 shell before any method
// logic runs.
func validateEnvelope(req *a2a.JSONRPCRequest) *a2a.Error {
	if req.JSONRPC != "2.0" {
		return a2a.NewError(a2a.CodeInvalidRequest, "jsonrpc must be \"2.0\"")
	}
	if req.ID == nil {
		return a2a.NewError(a2a.CodeInvalidRequest, "id is required")
	}
	if req.Method == "" || !methodPattern.MatchString(req.Method) {
		return a2a.NewError(a2a.CodeInvalidRequest, "method must have the form category/action")
	}
	return nil
}

// dispatch routes one non-streaming method.
func (s *Server) dispatch(ctx context.Context, req *a2a.JSONRPCRequest) (any, error) {
	switch req.Method {
	case a2a.MethodMessageSend:
		var params a2a.MessageSendParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := validateSend(&params); err != nil {
			return nil, err
		}
		return s.dispatcher.Send(ctx, &params)

	case a2a.MethodTasksGet:
		var params a2a.TaskQueryParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.ID == "" {
			return nil, a2a.NewError(a2a.CodeInvalidParams, "task id is required")
		}
		return s.tasks.Get(ctx, params.ID, params.HistoryLength)

	case a2a.MethodTasksList:
		var params a2a.TaskListParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return s.tasks.List(ctx, repository.TaskFilter{
			ContextID: params.ContextID,
			State:     params.State,
			Limit:     params.Limit,
		})

	case a2a.MethodTasksCancel:
		var params a2a.TaskIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.ID == "" {
			return nil, a2a.NewError(a2a.CodeInvalidParams, "task id is required")
		}
		return s.dispatcher.Cancel(ctx, params.ID)

	case a2a.MethodPushConfigSet:
		var params a2a.TaskPushNotificationConfig
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := s.requirePush(); err != nil {
			return nil, err
		}
		if params.TaskID == "" || params.PushNotificationConfig.URL == "" {
			return nil, a2a.NewError(a2a.CodeInvalidParams, "taskId and pushNotificationConfig.url are required")
		}
		cfg, err := s.tasks.SetPushConfig(ctx, params.TaskID, params.PushNotificationConfig)
		if err != nil {
			return nil, err
		}
		return &a2a.TaskPushNotificationConfig{TaskID: params.TaskID, PushNotificationConfig: *cfg}, nil

	case a2a.MethodPushConfigGet:
		var params a2a.GetTaskPushNotificationConfigParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := s.requirePush(); err != nil {
			return nil, err
		}
		cfg, err := s.tasks.GetPushConfig(ctx, params.ID, params.PushNotificationConfigID)
		if err != nil {
			return nil, err
		}
		return &a2a.TaskPushNotificationConfig{TaskID: params.ID, PushNotificationConfig: *cfg}, nil

	case a2a.MethodPushConfigList:
		var params a2a.TaskIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := s.requirePush(); err != nil {
			return nil, err
		}
		configs, err := s.tasks.ListPushConfigs(ctx, params.ID)
		if err != nil {
			return nil, err
		}
		out := make([]a2a.TaskPushNotificationConfig, len(configs))
		for i, cfg := range configs {
			out[i] = a2a.TaskPushNotificationConfig{TaskID: params.ID, PushNotificationConfig: cfg}
		}
		return out, nil

	case a2a.MethodPushConfigDelete:
		var params a2a.GetTaskPushNotificationConfigParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := s.requirePush(); err != nil {
			return nil, err
		}
		if err := s.tasks.DeletePushConfig(ctx, params.ID, params.PushNotificationConfigID); err != nil {
			return nil, err
		}
		return map[string]any{}, nil

	case a2a.MethodAgentGetCard:
		return s.manifest.Card(), nil

	default:
		return nil, a2a.NewError(a2a.CodeMethodNotFound, "unknown method %s", req.Method)
	}
}

func (s *Server) requirePush() error {
	if !s.pushEnabled {
		return a2a.ErrPushNotificationNotSupported
	}
	return nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return a2a.NewError(a2a.CodeInvalidParams, "params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return a2a.NewError(a2a.CodeInvalidParams, "malformed params: %v", err)
	}
	return nil
}

// validateSend checks the message payload and negotiates output modes.
func validateSend(params *a2a.MessageSendParams) error {
	msg := &params.Message
	if msg.Role == "" {
		return a2a.NewError(a2a.CodeInvalidParams, "message.role is required")
	}
	if len(msg.Parts) == 0 {
		return a2a.NewError(a2a.CodeInvalidParams, "message.parts must not be empty")
	}
	for i, part := range msg.Parts {
		switch part.Kind {
		case a2a.PartKindText, a2a.PartKindFile, a2a.PartKindData:
		default:
			return a2a.NewError(a2a.CodeInvalidParams, "message.parts[%d].kind %q is unknown", i, part.Kind)
		}
	}

	if params.Configuration != nil && len(params.Configuration.AcceptedOutputModes) > 0 {
		supported := map[string]bool{
			"text/plain": true, "application/json": true,
			"text": true, "application/octet-stream": true,
		}
		ok := false
		for _, mode := range params.Configuration.AcceptedOutputModes {
			if supported[mode] || mode == "*/*" {
				ok = true
				break
			}
		}
		if !ok {
			return a2a.NewError(a2a.CodeContentTypeNotSupported,
				"none of the accepted output modes %v are supported", params.Configuration.AcceptedOutputModes)
		}
	}
	return nil
}

// handleStreaming serves message/stream and tasks/resubscribe over SSE.
// The subscription is taken before work starts, so subscribers see
// every subsequent event in task order.
func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request, req *a2a.JSONRPCRequest) error {
	ctx := r.Context()

	var taskID string
	var initial *a2a.Task

	switch req.Method {
	case a2a.MethodMessageStream:
		var params a2a.MessageSendParams
		if err := decodeParams(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, a2a.AsError(err))
			return err
		}
		if err := validateSend(&params); err != nil {
			writeRPCError(w, req.ID, a2a.AsError(err))
			return err
		}

		if params.Message.TaskID != "" {
			t, err := s.tasks.AppendUserMessage(ctx, params.Message.TaskID, params.Message)
			if err != nil {
				writeRPCError(w, req.ID, a2a.AsError(err))
				return err
			}
			taskID, initial = t.ID, t
		} else {
			t, err := s.tasks.CreateTask(ctx, params.Message, params.Configuration)
			if err != nil {
				writeRPCError(w, req.ID, a2a.AsError(err))
				return err
			}
			taskID, initial = t.ID, t
		}

		events, cancelSub, err := s.tasks.Subscribe(taskID)
		if err != nil {
			writeRPCError(w, req.ID, a2a.AsError(err))
			return err
		}
		defer cancelSub()

		if initial.Status.State == a2a.TaskStateSubmitted && len(initial.History) == 1 {
			if err := s.dispatcher.Start(taskID, params.Message); err != nil {
				writeRPCError(w, req.ID, a2a.AsError(err))
				return err
			}
		} else if initial.Status.State == a2a.TaskStateInputRequired ||
			initial.Status.State == a2a.TaskStateAuthRequired {
			if err := s.dispatcher.Start(taskID, params.Message); err != nil {
				writeRPCError(w, req.ID, a2a.AsError(err))
				return err
			}
		}

		return s.serveSSE(ctx, w, req.ID, initial, events)

	case a2a.MethodTasksResubscribe:
		var params a2a.TaskIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			writeRPCError(w, req.ID, a2a.AsError(err))
			return err
		}
		t, err := s.tasks.Get(ctx, params.ID, nil)
		if err != nil {
			writeRPCError(w, req.ID, a2a.AsError(err))
			return err
		}
		events, cancelSub, err := s.tasks.Subscribe(params.ID)
		if err != nil {
			writeRPCError(w, req.ID, a2a.AsError(err))
			return err
		}
		defer cancelSub()
		return s.serveSSE(ctx, w, req.ID, t, events)
	}
	return nil
}

// serveSSE writes the initial task snapshot and then every live event,
// each wrapped in a JSON-RPC response frame, until the final event or
// client disconnect.
func (s *Server) serveSSE(ctx context.Context, w http.ResponseWriter, id any, initial *a2a.Task, events <-chan a2a.Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		err := a2a.NewError(a2a.CodeInternalError, "streaming unsupported by connection")
		writeRPCError(w, id, err)
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeSSEEvent(w, flusher, id, initial); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSEEvent(w, flusher, id, event); err != nil {
				return err
			}
			if status, isStatus := event.(*a2a.TaskStatusUpdateEvent); isStatus && status.Final {
				return nil
			}
		}
	}
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, id, result any) error {
	data, err := json.Marshal(a2a.NewResponse(id, result))
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write stream event: %w", err)
	}
	flusher.Flush()
	return nil
}

func writeRPCError(w http.ResponseWriter, id any, err *a2a.Error) {
	writeJSON(w, http.StatusOK, a2a.NewErrorResponse(id, err))
}
