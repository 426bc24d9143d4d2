// Package device implements a simulated pump controller that speaks the
// relay's device protocol. It is used for local testing and demos.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/relayhub/internal/protocol"
	"github.com/rs/zerolog"
)

// Connection parameters
const (
	writeWait        = 10 * time.Second
	maxBackoff       = 60 * time.Second
	initialBackoff   = 1 * time.Second
	closeGracePeriod = 5 * time.Second
)

// Config configures a Simulator.
type Config struct {
	RelayURL string        // ws:// or wss:// base URL of the relay
	DeviceID string        // identifier announced in the upgrade query
	Interval time.Duration // telemetry period
}

// Telemetry is the reading the simulator publishes.
type Telemetry struct {
	Temp     float64         `json:"temp"`
	Humidity float64         `json:"humidity"`
	Pump     json.RawMessage `json:"pump,omitempty"`
}

// Simulator keeps one device connection alive, publishing telemetry and
// applying pump commands.
type Simulator struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pump    json.RawMessage
	backoff time.Duration

	// reading produces the next sample; replaced in tests.
	reading func() Telemetry
}

// New creates a simulator.
func New(cfg Config, log zerolog.Logger) *Simulator {
	s := &Simulator{
		cfg:     cfg,
		log:     log.With().Str("component", "device").Str("device", cfg.DeviceID).Logger(),
		backoff: initialBackoff,
	}
	s.reading = s.sample
	return s
}

// DialURL returns the upgrade URL for the configured device.
func (s *Simulator) DialURL() (string, error) {
	u, err := url.Parse(s.cfg.RelayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	if s.cfg.DeviceID == "" {
		return "", errors.New("device id is required")
	}
	q := u.Query()
	q.Set(protocol.ParamDeviceID, s.cfg.DeviceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Pump returns the last pump value received from the relay.
func (s *Simulator) Pump() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pump
}

// Run connects to the relay and maintains the connection.
// It blocks until the context is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	target, err := s.DialURL()
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := s.connect(ctx, target); err != nil {
			s.log.Error().Err(err).Dur("backoff", s.backoff).Msg("connection failed, retrying")
			s.waitBackoff(ctx)
			continue
		}

		// Connected - reset backoff
		s.backoff = initialBackoff

		s.serve(ctx)
		s.waitBackoff(ctx)
	}
}

func (s *Simulator) connect(ctx context.Context, target string) error {
	s.log.Debug().Str("url", target).Msg("connecting")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.log.Info().Msg("connected to relay")
	return nil
}

// serve publishes telemetry and reads commands until the connection drops.
func (s *Simulator) serve(ctx context.Context) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.publishLoop(connCtx)
	s.readLoop(connCtx)
}

func (s *Simulator) readLoop(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
		s.log.Info().Msg("disconnected from relay")
	}()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { s.closeGracefully(conn) })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Error().Err(err).Msg("read error")
			}
			return
		}

		var cmd protocol.ControlCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Warn().Err(err).Str("data", string(data)).Msg("failed to parse command")
			continue
		}
		if cmd.Pump == nil {
			continue
		}

		s.mu.Lock()
		s.pump = cmd.Pump
		s.mu.Unlock()
		s.log.Info().RawJSON("pump", cmd.Pump).Msg("pump command applied")
	}
}

func (s *Simulator) publishLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Publish(s.reading()); err != nil {
				s.log.Debug().Err(err).Msg("failed to publish telemetry")
				return
			}
		}
	}
}

// Publish sends one telemetry frame.
func (s *Simulator) Publish(t Telemetry) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) sample() Telemetry {
	return Telemetry{
		Temp:     20 + rand.Float64()*10,
		Humidity: 40 + rand.Float64()*30,
		Pump:     s.Pump(),
	}
}

func (s *Simulator) closeGracefully(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	_ = conn.Close()
}

// waitBackoff waits for the current backoff duration.
func (s *Simulator) waitBackoff(ctx context.Context) {
	timer := time.NewTimer(s.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	// Exponential backoff
	s.backoff *= 2
	if s.backoff > maxBackoff {
		s.backoff = maxBackoff
	}
}
