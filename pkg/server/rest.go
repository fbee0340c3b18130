package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlink/fleetlink/pkg/a2a"
	"github.com/fleetlink/fleetlink/pkg/repository"
)

// mountREST exposes the A2A operations as plain HTTP+JSON, mirroring
// the JSON-RPC surface for clients that cannot speak it.
func (s *Server) mountREST(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/message:send", s.restSend)
		r.Post("/message:stream", s.restStream)
		r.Get("/card", s.handleAgentCard)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.restListTasks)
			r.Get("/{taskID}", s.restGetTask)
			r.Post("/{taskID}:cancel", s.restCancelTask)
			r.Post("/{taskID}:subscribe", s.restSubscribe)
			r.Route("/{taskID}/pushNotificationConfigs", func(r chi.Router) {
				r.Post("/", s.restSetPushConfig)
				r.Get("/", s.restListPushConfigs)
				r.Get("/{configID}", s.restGetPushConfig)
				r.Delete("/{configID}", s.restDeletePushConfig)
			})
		})
	})
}

func (s *Server) restSend(w http.ResponseWriter, r *http.Request) {
	var params a2a.MessageSendParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeRESTError(w, a2a.NewError(a2a.CodeParseError, "malformed request body"))
		return
	}
	if err := validateSend(&params); err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	t, err := s.dispatcher.Send(r.Context(), &params)
	if err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) restStream(w http.ResponseWriter, r *http.Request) {
	var params a2a.MessageSendParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeRESTError(w, a2a.NewError(a2a.CodeParseError, "malformed request body"))
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		writeRESTError(w, a2a.NewError(a2a.CodeInternalError, "failed to encode params"))
		return
	}
	req := &a2a.JSONRPCRequest{JSONRPC: "2.0", ID: "rest", Method: a2a.MethodMessageStream, Params: raw}
	_ = s.handleStreaming(w, r, req)
}

func (s *Server) restGetTask(w http.ResponseWriter, r *http.Request) {
	var historyLength *int
	if raw := r.URL.Query().Get("historyLength"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			historyLength = &n
		}
	}
	t, err := s.tasks.Get(r.Context(), chi.URLParam(r, "taskID"), historyLength)
	if err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) restListTasks(w http.ResponseWriter, r *http.Request) {
	filter := repository.TaskFilter{
		ContextID: r.URL.Query().Get("contextId"),
		State:     a2a.TaskState(r.URL.Query().Get("state")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			filter.Limit = n
		}
	}
	tasks, err := s.tasks.List(r.Context(), filter)
	if err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) restCancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.dispatcher.Cancel(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) restSubscribe(w http.ResponseWriter, r *http.Request) {
	params, err := json.Marshal(a2a.TaskIDParams{ID: chi.URLParam(r, "taskID")})
	if err != nil {
		writeRESTError(w, a2a.NewError(a2a.CodeInternalError, "failed to encode params"))
		return
	}
	req := &a2a.JSONRPCRequest{JSONRPC: "2.0", ID: "rest", Method: a2a.MethodTasksResubscribe, Params: params}
	_ = s.handleStreaming(w, r, req)
}

func (s *Server) restSetPushConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.requirePush(); err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	var cfg a2a.PushNotificationConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeRESTError(w, a2a.NewError(a2a.CodeParseError, "malformed request body"))
		return
	}
	if cfg.URL == "" {
		writeRESTError(w, a2a.NewError(a2a.CodeInvalidParams, "url is required"))
		return
	}
	taskID := chi.URLParam(r, "taskID")
	stored, err := s.tasks.SetPushConfig(r.Context(), taskID, cfg)
	if err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: *stored})
}

func (s *Server) restListPushConfigs(w http.ResponseWriter, r *http.Request) {
	if err := s.requirePush(); err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	taskID := chi.URLParam(r, "taskID")
	configs, err := s.tasks.ListPushConfigs(r.Context(), taskID)
	if err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	out := make([]a2a.TaskPushNotificationConfig, len(configs))
	for i, cfg := range configs {
		out[i] = a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: cfg}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) restGetPushConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.requirePush(); err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	taskID := chi.URLParam(r, "taskID")
	cfg, err := s.tasks.GetPushConfig(r.Context(), taskID, chi.URLParam(r, "configID"))
	if err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	writeJSON(w, http.StatusOK, &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: *cfg})
}

func (s *Server) restDeletePushConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.requirePush(); err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	if err := s.tasks.DeletePushConfig(r.Context(), chi.URLParam(r, "taskID"), chi.URLParam(r, "configID")); err != nil {
		writeRESTError(w, a2a.AsError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeRESTError maps the JSON-RPC error taxonomy onto HTTP statuses.
func writeRESTError(w http.ResponseWriter, err *a2a.Error) {
	status := http.StatusInternalServerError
	switch err.Code {
	case a2a.CodeParseError, a2a.CodeInvalidRequest, a2a.CodeInvalidParams:
		status = http.StatusBadRequest
	case a2a.CodeTaskNotFound:
		status = http.StatusNotFound
	case a2a.CodeTaskNotCancelable:
		status = http.StatusConflict
	case a2a.CodePushNotificationNotSupported, a2a.CodeUnsupportedOperation:
		status = http.StatusNotImplemented
	case a2a.CodeContentTypeNotSupported:
		status = http.StatusUnsupportedMediaType
	}
	writeJSON(w, status, map[string]any{"error": err})
}
