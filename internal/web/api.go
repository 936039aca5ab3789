package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nugget/ergoalert/internal/broker"
)

// maxBodyBytes bounds API request bodies.
const maxBodyBytes = 16 << 10

func (s *WebServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.Snapshot(), s.logger)
}

// handleConnect decodes settings over the current ones, so a client
// may send only the fields it changes.
func (s *WebServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	settings := s.monitor.Snapshot().Settings
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &settings); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid settings: "+err.Error())
			return
		}
	}
	if err := s.monitor.Connect(settings); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, s.monitor.Snapshot(), s.logger)
}

func (s *WebServer) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.monitor.Disconnect()
	writeJSON(w, http.StatusOK, s.monitor.Snapshot(), s.logger)
}

type configRequest struct {
	DesiredAngle *float64 `json:"desired_angle"`
}

func (s *WebServer) handleSendConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.DesiredAngle == nil {
		s.errorResponse(w, http.StatusBadRequest, "desired_angle is required")
		return
	}
	s.publishResult(w, s.monitor.SendConfig(*req.DesiredAngle))
}

func (s *WebServer) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	s.publishResult(w, s.monitor.SendTestAlert())
}

// publishResult maps a publish outcome to a response: 409 while not
// connected, 400 for a missing topic, 502 when the transport failed.
func (s *WebServer) publishResult(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.monitor.Snapshot(), s.logger)
	case errors.Is(err, broker.ErrPublishRejected):
		s.errorResponse(w, http.StatusConflict, err.Error())
	case errors.Is(err, broker.ErrMissingTopic):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	default:
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
