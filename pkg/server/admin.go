package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlink/fleetlink/pkg/device"
)

// mountAdmin wires the fleet-facing surface: device lifecycle and
// stream ingest. Devices call these; A2A clients never do.
func (s *Server) mountAdmin(r chi.Router) {
	r.Route("/v1/devices", func(r chi.Router) {
		r.Post("/", s.handleRegisterDevice)
		r.Get("/", s.handleListDevices)
		r.Route("/{deviceID}", func(r chi.Router) {
			r.Get("/", s.handleGetDevice)
			r.Patch("/", s.handleUpdateDevice)
			r.Delete("/", s.handleDeregisterDevice)
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/tools/refresh", s.handleRefreshTools)
			r.Post("/stream", s.handleStreamAppend)
			r.Get("/stream", s.handleStreamRead)
		})
	})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var spec device.Spec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "malformed device spec")
		return
	}

	d, err := s.registry.Register(r.Context(), spec)
	switch {
	case errors.Is(err, device.ErrDeviceExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, device.ErrInvalidCapabilitySource):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusCreated, d)
	}
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	filter := device.Filter{
		Kind:     r.URL.Query().Get("kind"),
		Liveness: device.Liveness(r.URL.Query().Get("liveness")),
	}
	writeJSON(w, http.StatusOK, s.registry.List(filter))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.Get(chi.URLParam(r, "deviceID"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	var patch device.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed device patch")
		return
	}
	d, err := s.registry.Update(r.Context(), chi.URLParam(r, "deviceID"), patch)
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDeregisterDevice(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Deregister(r.Context(), chi.URLParam(r, "deviceID"))
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	err := s.registry.Heartbeat(r.Context(), chi.URLParam(r, "deviceID"))
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	d, err := s.registry.RefreshTools(r.Context(), chi.URLParam(r, "deviceID"))
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// streamAppendRequest is the ingest body. Payload carries text or JSON
// directly; PayloadBase64 carries binary content.
type streamAppendRequest struct {
	Metadata      map[string]any  `json:"metadata,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	PayloadBase64 string          `json:"payloadBase64,omitempty"`
}

func (s *Server) handleStreamAppend(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := s.registry.Get(deviceID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	var req streamAppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed stream entry")
		return
	}

	payload := []byte(req.Payload)
	if req.PayloadBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payloadBase64 is not valid base64")
			return
		}
		payload = decoded
	}

	seq, err := s.streams.Append(r.Context(), deviceID, req.Metadata, payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.RecordStreamAppend(r.Context(), deviceID, int64(len(payload)) <= s.streams.InlineThreshold())
	writeJSON(w, http.StatusAccepted, map[string]any{"seq": seq})
}

func (s *Server) handleStreamRead(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if _, err := s.registry.Get(deviceID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	fromSeq, _ := strconv.ParseUint(r.URL.Query().Get("from"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	entries, err := s.streams.Read(r.Context(), deviceID, fromSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"minSeq":  s.streams.MinSeq(deviceID),
		"nextSeq": s.streams.NextSeq(deviceID),
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
