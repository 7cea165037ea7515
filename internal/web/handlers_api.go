package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"osdp-acu/internal/osdp"
	"osdp-acu/internal/panel"
)

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.panel.Status())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.journal.RecentEvents(limit)
	if err != nil {
		s.logger.Error("recent events", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

// pathDevice parses the {bus}/{addr} path segments.
func (s *Server) pathDevice(w http.ResponseWriter, r *http.Request) (panel.ConnectionID, uint8, bool) {
	bus, err := strconv.ParseUint(r.PathValue("bus"), 10, 32)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid bus id")
		return 0, 0, false
	}
	addr, err := strconv.ParseUint(r.PathValue("addr"), 0, 8)
	if err != nil || addr > 0x7F {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return 0, 0, false
	}
	return panel.ConnectionID(bus), uint8(addr), true
}

// deviceError maps panel errors to HTTP statuses.
func (s *Server) deviceError(w http.ResponseWriter, err error) {
	var nak *panel.NakError
	switch {
	case errors.Is(err, panel.ErrUnknownConnection), errors.Is(err, panel.ErrUnknownDevice):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, panel.ErrTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &nak):
		s.writeJSON(w, http.StatusBadGateway, map[string]any{"error": "pd nak", "nak_code": nak.Nak.Code})
	default:
		s.logger.Error("device request", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) handleAPIDevice(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	for _, bus := range s.panel.Status() {
		if bus.ConnectionID != id {
			continue
		}
		for _, dev := range bus.Devices {
			if dev.Address == addr {
				s.writeJSON(w, http.StatusOK, dev)
				return
			}
		}
	}
	s.writeError(w, http.StatusNotFound, "device not found")
}

func (s *Server) handleAPIIDReport(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	report, err := s.panel.IDReport(r.Context(), id, addr)
	if err != nil {
		s.deviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type outputRequest struct {
	Output uint8  `json:"output"`
	On     bool   `json:"on"`
	Timer  uint16 `json:"timer,omitempty"` // 100 ms units; 0 means permanent
}

func (s *Server) handleAPIOutput(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	var req outputRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	code := osdp.OutputOffPermanent
	switch {
	case req.On && req.Timer > 0:
		code = osdp.OutputOnTimed
	case req.On:
		code = osdp.OutputOnPermanent
	case req.Timer > 0:
		code = osdp.OutputOffTimed
	}

	if err := s.panel.OutputControl(r.Context(), id, addr, req.Output, code, req.Timer); err != nil {
		s.deviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type buzzerRequest struct {
	Reader  uint8 `json:"reader"`
	OnTime  uint8 `json:"on_time"`  // deciseconds
	OffTime uint8 `json:"off_time"` // deciseconds
	Count   uint8 `json:"count"`
}

func (s *Server) handleAPIBuzzer(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	var req buzzerRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.panel.BuzzerControl(r.Context(), id, addr, req.Reader, 2, req.OnTime, req.OffTime, req.Count); err != nil {
		s.deviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type textRequest struct {
	Reader uint8  `json:"reader"`
	Row    uint8  `json:"row"`
	Col    uint8  `json:"col"`
	Text   string `json:"text"`
}

func (s *Server) handleAPIText(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	var req textRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Text) > 255 {
		s.writeError(w, http.StatusBadRequest, "text too long")
		return
	}
	if err := s.panel.TextOutput(r.Context(), id, addr, req.Reader, req.Row, req.Col, req.Text); err != nil {
		s.deviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIReset(w http.ResponseWriter, r *http.Request) {
	id, addr, ok := s.pathDevice(w, r)
	if !ok {
		return
	}
	if err := s.panel.ResetDevice(id, addr); err != nil {
		s.deviceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
