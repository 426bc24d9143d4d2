package hub

import (
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/markus-barta/relayhub/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	presenceA    = `{"deviceId":"A","connected":true}`
	presenceAOff = `{"deviceId":"A","connected":false}`
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantRole Role
		wantID   string
		wantOK   bool
	}{
		{name: "device", query: "deviceId=esp32-1", wantRole: RoleDevice, wantID: "esp32-1", wantOK: true},
		{name: "device wins over dashboard", query: "deviceId=x&dashboard=1", wantRole: RoleDevice, wantID: "x", wantOK: true},
		{name: "dashboard with value", query: "dashboard=true", wantRole: RoleDashboard, wantOK: true},
		{name: "dashboard bare flag", query: "dashboard", wantRole: RoleDashboard, wantOK: true},
		{name: "empty device id falls through", query: "deviceId=&dashboard=1", wantRole: RoleDashboard, wantOK: true},
		{name: "neither", query: "foo=bar", wantOK: false},
		{name: "empty device id alone", query: "deviceId=", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)

			role, id, ok := Classify(q)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantRole, role)
			assert.Equal(t, tt.wantID, id)
		})
	}
}

// TestHub_Scenario covers the canonical flow: connect, telemetry, disconnect.
func TestHub_Scenario(t *testing.T) {
	h, _, store := newTestHub(t)
	dash := newFakeConn("D")
	dev := newFakeConn("A")

	openDashboard(h, dash)
	openDevice(h, "A", dev)
	message(h, "A", dev, `{"temp":25}`)
	closeDevice(h, "A", dev)

	assert.Equal(t, []string{presenceA, `{"temp":25}`, presenceAOff}, dash.Frames())
	assert.Equal(t, []string{"online:A", "offline:A"}, store.Events())

	_, ok := h.Registry().LookupDevice("A")
	assert.False(t, ok)
	_, ok = h.Liveness().LastSeen("A")
	assert.False(t, ok)
}

func TestHub_DashboardsAreNotAnnounced(t *testing.T) {
	h, _, _ := newTestHub(t)
	first := newFakeConn("D1")
	second := newFakeConn("D2")

	openDashboard(h, first)
	openDashboard(h, second)
	closeDashboard(h, second)

	assert.Empty(t, first.Frames())
	assert.Equal(t, 1, h.Registry().DashboardCount())
	assert.False(t, second.Open())
}

func TestHub_OnlyConnectedDashboardsReceive(t *testing.T) {
	h, _, _ := newTestHub(t)
	early := newFakeConn("early")
	dev := newFakeConn("A")

	openDashboard(h, early)
	openDevice(h, "A", dev)
	message(h, "A", dev, `{"n":1}`)

	late := newFakeConn("late")
	openDashboard(h, late)
	message(h, "A", dev, `{"n":2}`)

	closeDashboard(h, early)
	message(h, "A", dev, `{"n":3}`)

	assert.Equal(t, []string{presenceA, `{"n":1}`, `{"n":2}`}, early.Frames())
	assert.Equal(t, []string{`{"n":2}`, `{"n":3}`}, late.Frames())
}

func TestHub_MalformedPayloadDropped(t *testing.T) {
	h, clock, _ := newTestHub(t)
	dash := newFakeConn("D")
	dev := newFakeConn("A")

	openDashboard(h, dash)
	openDevice(h, "A", dev)
	before, _ := h.Liveness().LastSeen("A")

	clock.Advance(time.Minute)
	message(h, "A", dev, `{"temp":`)

	assert.Equal(t, []string{presenceA}, dash.Frames(), "no broadcast for malformed JSON")
	assert.True(t, dev.Open(), "connection stays open")
	seen, _ := h.Liveness().LastSeen("A")
	assert.Equal(t, before, seen, "malformed frames do not count as activity")

	message(h, "A", dev, `{"temp":26}`)
	assert.Equal(t, []string{presenceA, `{"temp":26}`}, dash.Frames())
}

func TestHub_DashboardFailureIsolated(t *testing.T) {
	h, _, _ := newTestHub(t)
	broken := newFakeConn("broken")
	broken.failSends(ErrBufferFull)
	healthy := newFakeConn("healthy")
	dev := newFakeConn("A")

	openDashboard(h, broken)
	openDashboard(h, healthy)
	openDevice(h, "A", dev)

	res := h.Broadcast([]byte(`{"x":1}`))
	assert.Equal(t, BroadcastResult{Delivered: 1, Failed: 1}, res)

	message(h, "A", dev, `{"x":2}`)
	assert.Equal(t, []string{presenceA, `{"x":1}`, `{"x":2}`}, healthy.Frames())
	assert.True(t, dev.Open())
}

func TestHub_ReplaceClosesOldConnection(t *testing.T) {
	h, _, _ := newTestHub(t)
	dash := newFakeConn("D")
	old := newFakeConn("old")
	cur := newFakeConn("cur")

	openDashboard(h, dash)
	openDevice(h, "A", old)
	openDevice(h, "A", cur)

	assert.False(t, old.Open(), "superseded connection is closed")
	got, ok := h.Registry().LookupDevice("A")
	require.True(t, ok)
	assert.Same(t, cur, got)

	// Late traffic and the close callback of the old connection are ignored.
	message(h, "A", old, `{"stale":true}`)
	closeDevice(h, "A", old)

	got, ok = h.Registry().LookupDevice("A")
	require.True(t, ok)
	assert.Same(t, cur, got)
	assert.Equal(t, []string{presenceA, presenceA}, dash.Frames())
}

func TestHub_SweepEvictsSilentDevice(t *testing.T) {
	h, clock, store := newTestHub(t)
	dash := newFakeConn("D")
	dev := newFakeConn("A")

	openDashboard(h, dash)
	openDevice(h, "A", dev)

	clock.Advance(testTimeout)
	assert.Equal(t, 0, h.sweep(), "exactly at the timeout the device survives")

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, h.sweep())

	assert.False(t, dev.Open(), "transport is force-closed")
	_, ok := h.Registry().LookupDevice("A")
	assert.False(t, ok)

	// The transport close callback that follows must not announce again.
	closeDevice(h, "A", dev)
	assert.Equal(t, 0, h.sweep())

	assert.Equal(t, []string{presenceA, presenceAOff}, dash.Frames())
	assert.Equal(t, []string{"online:A", "offline:A"}, store.Events())
}

func TestHub_TrafficKeepsDeviceAlive(t *testing.T) {
	h, clock, _ := newTestHub(t)
	dev := newFakeConn("A")
	openDevice(h, "A", dev)

	for i := 0; i < 5; i++ {
		clock.Advance(testTimeout - time.Second)
		message(h, "A", dev, `{"ping":true}`)
		assert.Equal(t, 0, h.sweep())
	}
	assert.True(t, dev.Open())
}

func TestHub_SendControl(t *testing.T) {
	h, _, _ := newTestHub(t)
	dev := newFakeConn("A")
	openDevice(h, "A", dev)

	outcome, err := h.SendControl("A", protocol.ControlCommand{Pump: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.Equal(t, ControlOK, outcome)
	assert.Equal(t, []string{`{"pump":1}`}, dev.Frames())

	outcome, err = h.SendControl("B", protocol.ControlCommand{Pump: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.Equal(t, ControlOffline, outcome)

	dev.failSends(ErrBufferFull)
	outcome, err = h.SendControl("A", protocol.ControlCommand{Pump: json.RawMessage(`0`)})
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, ControlFailed, outcome)

	dev.Close()
	outcome, err = h.SendControl("A", protocol.ControlCommand{Pump: json.RawMessage(`0`)})
	require.NoError(t, err)
	assert.Equal(t, ControlOffline, outcome, "registered but closed counts as offline")
}

func TestHub_RunLoopOrdersEvents(t *testing.T) {
	h, _, _ := newTestHub(t)
	runHub(t, h)

	dash := newFakeConn("D")
	dev := newFakeConn("A")

	h.Connect(RoleDashboard, "", dash)
	h.Connect(RoleDevice, "A", dev)
	for i := 0; i < 50; i++ {
		h.Deliver("A", dev, []byte(`{"seq":`+itoa(i)+`}`))
	}
	h.Disconnect(RoleDevice, "A", dev)
	flush(t, h)

	frames := dash.Frames()
	require.Len(t, frames, 52)
	assert.Equal(t, presenceA, frames[0])
	for i := 0; i < 50; i++ {
		assert.Equal(t, `{"seq":`+itoa(i)+`}`, frames[i+1])
	}
	assert.Equal(t, presenceAOff, frames[51])
}

func TestHub_ShutdownClosesConnections(t *testing.T) {
	h, _, _ := newTestHub(t)
	dash := newFakeConn("D")
	dev := newFakeConn("A")

	openDashboard(h, dash)
	openDevice(h, "A", dev)
	h.shutdown()

	assert.False(t, dash.Open())
	assert.False(t, dev.Open())
}

func itoa(i int) string {
	b, _ := json.Marshal(i)
	return string(b)
}
