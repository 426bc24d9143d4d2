// Package hub implements the relay core: the connection registry, the
// device liveness tracker, telemetry fan-out to dashboards and control
// forwarding to devices.
package hub

import (
	"context"
	"fmt"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/markus-barta/relayhub/internal/metrics"
	"github.com/markus-barta/relayhub/internal/protocol"
	"github.com/rs/zerolog"
)

const (
	eventBuffer        = 256
	panicRecoveryDelay = 1 * time.Second

	defaultDeviceTimeout = 10 * time.Minute
	defaultSweepInterval = 1 * time.Minute
)

// Role distinguishes the two kinds of connections.
type Role int

const (
	RoleDevice Role = iota + 1
	RoleDashboard
)

func (r Role) String() string {
	switch r {
	case RoleDevice:
		return "device"
	case RoleDashboard:
		return "dashboard"
	default:
		return "unknown"
	}
}

// Classify inspects upgrade query parameters. A non-empty deviceId selects
// the device role; otherwise the presence of dashboard selects the
// dashboard role. ok is false when neither applies.
func Classify(q url.Values) (role Role, deviceID string, ok bool) {
	if id := q.Get(protocol.ParamDeviceID); id != "" {
		return RoleDevice, id, true
	}
	if q.Has(protocol.ParamDashboard) {
		return RoleDashboard, "", true
	}
	return 0, "", false
}

// PresenceStore records device presence transitions.
type PresenceStore interface {
	MarkOnline(deviceID string, at time.Time) error
	MarkOffline(deviceID string, lastSeen time.Time) error
}

// Options configures a Hub.
type Options struct {
	DeviceTimeout time.Duration
	SweepInterval time.Duration
	LogThrottle   time.Duration    // 0 logs every connection event
	Store         PresenceStore    // optional
	Clock         func() time.Time // optional, defaults to time.Now
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
	eventBarrier
)

type event struct {
	kind     eventKind
	role     Role
	deviceID string
	conn     Conn
	data     []byte
	done     chan struct{}
}

// Hub owns the registry and liveness state. Connection lifecycle events
// and sweeps are processed sequentially by Run, which keeps per-device
// ordering intact: presence, then telemetry, then absence.
type Hub struct {
	log    zerolog.Logger
	chatty zerolog.Logger // sampled, for per-connection chatter

	opts     Options
	registry *Registry
	liveness *Liveness
	store    PresenceStore

	events  chan event
	stopped chan struct{}
}

// New creates a Hub. Call Run to start processing events.
func New(log zerolog.Logger, opts Options) *Hub {
	if opts.DeviceTimeout <= 0 {
		opts.DeviceTimeout = defaultDeviceTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	l := log.With().Str("component", "hub").Logger()
	chatty := l
	if opts.LogThrottle > 0 {
		chatty = l.Sample(&zerolog.BurstSampler{Burst: 1, Period: opts.LogThrottle})
	}

	return &Hub{
		log:      l,
		chatty:   chatty,
		opts:     opts,
		registry: NewRegistry(),
		liveness: NewLiveness(opts.Clock),
		store:    opts.Store,
		events:   make(chan event, eventBuffer),
		stopped:  make(chan struct{}),
	}
}

// Registry returns the hub's connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Liveness returns the hub's liveness tracker.
func (h *Hub) Liveness() *Liveness {
	return h.liveness
}

// Connect announces a newly upgraded connection.
func (h *Hub) Connect(role Role, deviceID string, conn Conn) {
	h.post(event{kind: eventOpen, role: role, deviceID: deviceID, conn: conn})
}

// Deliver hands a raw device frame to the hub.
func (h *Hub) Deliver(deviceID string, conn Conn, data []byte) {
	h.post(event{kind: eventMessage, role: RoleDevice, deviceID: deviceID, conn: conn, data: data})
}

// Disconnect announces that a connection has closed or failed.
func (h *Hub) Disconnect(role Role, deviceID string, conn Conn) {
	h.post(event{kind: eventClose, role: role, deviceID: deviceID, conn: conn})
}

// Flush blocks until every event posted before the call is processed,
// or ctx ends.
func (h *Hub) Flush(ctx context.Context) error {
	done := make(chan struct{})
	h.post(event{kind: eventBarrier, done: done})
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return fmt.Errorf("hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) post(ev event) {
	select {
	case h.events <- ev:
	case <-h.stopped:
	}
}

// Run processes lifecycle events and liveness sweeps until ctx is done.
// A panic while handling an event is logged and the loop restarts.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	h.log.Info().
		Dur("timeout", h.opts.DeviceTimeout).
		Dur("sweep_interval", h.opts.SweepInterval).
		Msg("hub started")

	for {
		err := h.runLoop(ctx)
		if err == nil || err == context.Canceled || err == context.DeadlineExceeded {
			h.shutdown()
			h.log.Info().Msg("hub shutting down gracefully")
			return
		}
		h.log.Error().Err(err).Msg("hub loop crashed, restarting...")
		select {
		case <-ctx.Done():
		case <-time.After(panicRecoveryDelay):
		}
	}
}

func (h *Hub) runLoop(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hub panic: %v\n%s", r, debug.Stack())
		}
	}()

	// The sweep timer re-arms only after a pass finishes, so a slow sweep
	// never overlaps the next one.
	sweep := time.NewTimer(h.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-h.events:
			h.handle(ev)

		case <-sweep.C:
			h.sweep()
			sweep.Reset(h.opts.SweepInterval)
		}
	}
}

func (h *Hub) handle(ev event) {
	switch ev.kind {
	case eventOpen:
		h.handleOpen(ev)
	case eventMessage:
		h.handleMessage(ev)
	case eventClose:
		h.handleClose(ev)
	case eventBarrier:
		close(ev.done)
	}
}

func (h *Hub) handleOpen(ev event) {
	switch ev.role {
	case RoleDevice:
		if replaced := h.registry.RegisterDevice(ev.deviceID, ev.conn); replaced != nil {
			h.log.Warn().
				Str("device", ev.deviceID).
				Str("conn", replaced.ID()).
				Msg("replaced duplicate device connection")
			replaced.Close()
		}
		h.liveness.Touch(ev.deviceID)
		h.chatty.Info().Str("device", ev.deviceID).Str("conn", ev.conn.ID()).Msg("device connected")

		h.broadcastPresence(ev.deviceID, true)
		if h.store != nil {
			if err := h.store.MarkOnline(ev.deviceID, h.liveness.Now()); err != nil {
				h.log.Error().Err(err).Str("device", ev.deviceID).Msg("failed to mark device online")
			}
		}

	case RoleDashboard:
		h.registry.RegisterDashboard(ev.conn)
		h.chatty.Info().Str("conn", ev.conn.ID()).Msg("dashboard connected")
	}

	metrics.Connections(h.registry.DeviceCount(), h.registry.DashboardCount())
}

func (h *Hub) handleMessage(ev event) {
	// Frames from a connection that was replaced or evicted no longer
	// speak for the device.
	if cur, ok := h.registry.LookupDevice(ev.deviceID); !ok || cur != ev.conn {
		h.log.Debug().Str("device", ev.deviceID).Str("conn", ev.conn.ID()).Msg("dropping frame from stale connection")
		return
	}
	h.onDeviceMessage(ev.deviceID, ev.data)
}

func (h *Hub) handleClose(ev event) {
	switch ev.role {
	case RoleDevice:
		// Only the connection still registered for the id announces the
		// disconnect. After an eviction or a replacement the entry is gone
		// or belongs to someone else, so the close stays silent.
		if h.registry.UnregisterDeviceConn(ev.deviceID, ev.conn) {
			lastSeen, _ := h.liveness.LastSeen(ev.deviceID)
			h.liveness.Forget(ev.deviceID)
			h.chatty.Info().Str("device", ev.deviceID).Str("conn", ev.conn.ID()).Msg("device disconnected")
			h.deviceGone(ev.deviceID, lastSeen)
		}

	case RoleDashboard:
		h.registry.UnregisterDashboard(ev.conn)
		h.chatty.Info().Str("conn", ev.conn.ID()).Msg("dashboard disconnected")
	}

	ev.conn.Close()
	metrics.Connections(h.registry.DeviceCount(), h.registry.DashboardCount())
}

// sweep evicts every device silent for longer than the timeout.
// Returns the number of evicted devices.
func (h *Hub) sweep() int {
	now := h.liveness.Now()
	evicted := 0

	for _, id := range h.liveness.Expired(now, h.opts.DeviceTimeout) {
		if !h.liveness.StillExpired(id, now, h.opts.DeviceTimeout) {
			continue
		}
		lastSeen, _ := h.liveness.LastSeen(id)

		if conn, ok := h.registry.LookupDevice(id); ok {
			if conn.Open() {
				conn.Close()
			}
			h.registry.UnregisterDevice(id)
		}
		h.liveness.Forget(id)

		h.chatty.Info().
			Str("device", id).
			Time("last_seen", lastSeen).
			Msg("removing inactive device")

		h.deviceGone(id, lastSeen)
		metrics.Evicted()
		evicted++
	}

	if evicted > 0 {
		metrics.Connections(h.registry.DeviceCount(), h.registry.DashboardCount())
	}
	return evicted
}

// deviceGone notifies dashboards and the store that id is offline.
func (h *Hub) deviceGone(id string, lastSeen time.Time) {
	h.broadcastPresence(id, false)
	if h.store != nil {
		if err := h.store.MarkOffline(id, lastSeen); err != nil {
			h.log.Error().Err(err).Str("device", id).Msg("failed to mark device offline")
		}
	}
}

// shutdown closes every registered connection.
func (h *Hub) shutdown() {
	for _, id := range h.registry.DeviceIDs() {
		if conn, ok := h.registry.LookupDevice(id); ok {
			conn.Close()
		}
	}
	h.registry.ForEachDashboard(func(c Conn) { c.Close() })
}
