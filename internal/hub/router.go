package hub

import (
	"errors"
	"fmt"

	"github.com/markus-barta/relayhub/internal/metrics"
	"github.com/markus-barta/relayhub/internal/protocol"
)

// BroadcastResult aggregates per-dashboard delivery outcomes.
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// ControlOutcome is the result of forwarding a control command.
type ControlOutcome int

const (
	ControlOK ControlOutcome = iota
	ControlOffline
	ControlFailed
)

func (o ControlOutcome) String() string {
	switch o {
	case ControlOK:
		return protocol.StatusOK
	case ControlOffline:
		return protocol.StatusOffline
	default:
		return protocol.StatusError
	}
}

// onDeviceMessage relays one device frame to every dashboard. Malformed
// frames are dropped and the connection stays open.
func (h *Hub) onDeviceMessage(deviceID string, raw []byte) {
	payload, err := protocol.DecodeTelemetry(raw)
	if err != nil {
		h.chatty.Warn().
			Str("device", deviceID).
			Str("payload", truncate(raw, 256)).
			Msg("invalid JSON from device")
		metrics.Dropped()
		return
	}

	h.liveness.Touch(deviceID)

	res := h.Broadcast(payload)
	metrics.Relayed(res.Failed)
}

// Broadcast queues data on every open dashboard. A dashboard that cannot
// accept the frame is counted and skipped; it never stops delivery to the
// others.
func (h *Hub) Broadcast(data []byte) BroadcastResult {
	var res BroadcastResult
	h.registry.ForEachDashboard(func(c Conn) {
		if err := c.Send(data); err != nil {
			res.Failed++
			h.chatty.Debug().Err(err).Str("conn", c.ID()).Msg("dashboard send failed")
			return
		}
		res.Delivered++
	})
	return res
}

func (h *Hub) broadcastPresence(deviceID string, connected bool) {
	data, err := protocol.EncodePresence(deviceID, connected)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to marshal presence")
		return
	}
	h.Broadcast(data)
}

// SendControl forwards cmd to the device registered as deviceID. The
// command is fire-and-forget: ControlOK means the transport accepted the
// frame, not that the device acted on it.
func (h *Hub) SendControl(deviceID string, cmd protocol.ControlCommand) (ControlOutcome, error) {
	outcome, err := h.sendControl(deviceID, cmd)
	metrics.Control(outcome.String())
	return outcome, err
}

func (h *Hub) sendControl(deviceID string, cmd protocol.ControlCommand) (ControlOutcome, error) {
	conn, ok := h.registry.LookupDevice(deviceID)
	if !ok || !conn.Open() {
		return ControlOffline, nil
	}

	data, err := protocol.EncodeControl(cmd)
	if err != nil {
		return ControlFailed, fmt.Errorf("failed to marshal control command: %w", err)
	}

	if err := conn.Send(data); err != nil {
		if errors.Is(err, ErrClosed) {
			return ControlOffline, nil
		}
		h.log.Warn().Err(err).Str("device", deviceID).Msg("failed to forward control command")
		return ControlFailed, err
	}

	h.log.Debug().Str("device", deviceID).RawJSON("command", data).Msg("control command sent")
	return ControlOK, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
