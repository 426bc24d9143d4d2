package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/relayhub/internal/hub"
	"github.com/markus-barta/relayhub/internal/protocol"
	"github.com/markus-barta/relayhub/internal/store"
)

// maxControlBody bounds the control request body.
const maxControlBody = 64 * 1024

// handleWebSocket upgrades device and dashboard connections. Requests that
// name neither role are refused by dropping the socket without a response.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	role, deviceID, ok := hub.Classify(r.URL.Query())
	if !ok {
		s.log.Debug().Str("remote", r.RemoteAddr).Str("query", r.URL.RawQuery).Msg("rejecting unclassified upgrade")
		s.refuse(w)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("role", role.String()).Msg("WebSocket upgrade failed")
		return
	}

	s.hub.Serve(conn, role, deviceID, s.cfg.SendBuffer)
}

// handleUnrouted accepts WebSocket upgrades on any path and answers 404
// for everything else.
func (s *Server) handleUnrouted(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocket(w, r)
		return
	}
	http.NotFound(w, r)
}

// refuse closes the underlying connection without writing a response.
func (s *Server) refuse(w http.ResponseWriter) {
	if hj, ok := w.(http.Hijacker); ok {
		if conn, _, err := hj.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	w.WriteHeader(http.StatusBadRequest)
}

// handleControl forwards a pump command to one device.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")

	// Bodies that are not declared as JSON are ignored and forward as {}.
	var cmd protocol.ControlCommand
	if isJSON(r) {
		err := json.NewDecoder(io.LimitReader(r.Body, maxControlBody)).Decode(&cmd)
		if err != nil && !errors.Is(err, io.EOF) {
			s.log.Debug().Err(err).Str("device", deviceID).Msg("invalid control body")
			writeJSON(w, http.StatusBadRequest, protocol.StatusResponse{Status: protocol.StatusError})
			return
		}
	}

	outcome, err := s.hub.SendControl(deviceID, cmd)
	switch outcome {
	case hub.ControlOK:
		writeJSON(w, http.StatusOK, protocol.StatusResponse{Status: protocol.StatusOK})
	case hub.ControlOffline:
		writeJSON(w, http.StatusNotFound, protocol.StatusResponse{Status: protocol.StatusOffline})
	default:
		s.log.Error().Err(err).Str("device", deviceID).Msg("control command failed")
		writeJSON(w, http.StatusInternalServerError, protocol.StatusResponse{Status: protocol.StatusError})
	}
}

// isJSON reports whether the request declares an application/json body.
func isJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

// handleHealth answers keepalive probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.NewHealthResponse(s.now()))
}

// deviceView merges stored presence with live registry state.
type deviceView struct {
	store.Device
	Online       bool       `json:"online"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// handleDevices lists known devices.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	var stored []store.Device
	if s.store != nil {
		var err error
		stored, err = s.store.List()
		if err != nil {
			s.log.Error().Err(err).Msg("failed to list devices")
			writeJSON(w, http.StatusInternalServerError, protocol.StatusResponse{Status: protocol.StatusError})
			return
		}
	}

	live := make(map[string]bool)
	for _, id := range s.hub.Registry().DeviceIDs() {
		live[id] = true
	}

	devices := make([]deviceView, 0, len(stored)+len(live))
	for _, d := range stored {
		devices = append(devices, s.viewOf(d, live[d.ID]))
		delete(live, d.ID)
	}
	// Devices connected but not (yet) persisted
	for _, id := range s.hub.Registry().DeviceIDs() {
		if live[id] {
			devices = append(devices, s.viewOf(store.Device{ID: id, Status: store.StatusOnline}, true))
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (s *Server) viewOf(d store.Device, online bool) deviceView {
	v := deviceView{Device: d, Online: online}
	if online {
		if t, ok := s.hub.Liveness().LastSeen(d.ID); ok {
			v.LastActivity = &t
		}
	}
	return v
}
