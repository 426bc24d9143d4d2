package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeConn records frames sent to it.
type fakeConn struct {
	id string

	mu      sync.Mutex
	frames  []string
	closed  bool
	closes  int
	sendErr error
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, string(data))
	return nil
}

func (f *fakeConn) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closes++
}

func (f *fakeConn) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeConn) CloseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeConn) failSends(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore records presence transitions.
type fakeStore struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeStore) MarkOnline(id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "online:"+id)
	return nil
}

func (s *fakeStore) MarkOffline(id string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "offline:"+id)
	return nil
}

func (s *fakeStore) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

const testTimeout = 10 * time.Minute

// newTestHub returns a hub driven by a fake clock. Events are handled
// synchronously through h.handle; Run is not started.
func newTestHub(t *testing.T) (*Hub, *fakeClock, *fakeStore) {
	t.Helper()
	clock := newFakeClock()
	store := &fakeStore{}
	h := New(zerolog.Nop(), Options{
		DeviceTimeout: testTimeout,
		SweepInterval: time.Minute,
		Store:         store,
		Clock:         clock.Now,
	})
	return h, clock, store
}

// runHub starts the event loop and stops it when the test ends.
func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func flush(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Flush(ctx))
}

func openDevice(h *Hub, id string, c Conn) {
	h.handle(event{kind: eventOpen, role: RoleDevice, deviceID: id, conn: c})
}

func openDashboard(h *Hub, c Conn) {
	h.handle(event{kind: eventOpen, role: RoleDashboard, conn: c})
}

func message(h *Hub, id string, c Conn, data string) {
	h.handle(event{kind: eventMessage, role: RoleDevice, deviceID: id, conn: c, data: []byte(data)})
}

func closeDevice(h *Hub, id string, c Conn) {
	h.handle(event{kind: eventClose, role: RoleDevice, deviceID: id, conn: c})
}

func closeDashboard(h *Hub, c Conn) {
	h.handle(event{kind: eventClose, role: RoleDashboard, conn: c})
}
