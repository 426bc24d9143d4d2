package hub

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serveClients upgrades every request into a dashboard Client and hands
// it to the test.
func serveClients(t *testing.T, h *Hub, sendBuffer int) (string, <-chan *Client) {
	t.Helper()
	clients := make(chan *Client, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		clients <- h.Serve(conn, RoleDashboard, "", sendBuffer)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/", clients
}

func dialClient(t *testing.T, url string, clients <-chan *Client) (*websocket.Conn, *Client) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	select {
	case c := <-clients:
		return ws, c
	case <-time.After(5 * time.Second):
		t.Fatal("server never upgraded the connection")
		return nil, nil
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	h, _, _ := newTestHub(t)
	runHub(t, h)
	url, clients := serveClients(t, h, 4)

	ws, c := dialClient(t, url, clients)
	defer func() { _ = ws.Close() }()

	require.True(t, c.Open())
	require.NoError(t, c.Send([]byte(`{"temp":1}`)))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"temp":1}`, string(data))

	c.Close()
	c.Close()
	assert.False(t, c.Open())
	assert.ErrorIs(t, c.Send([]byte("late")), ErrClosed)
}

func TestClient_ConcurrentSendAndClose(t *testing.T) {
	h, _, _ := newTestHub(t)
	runHub(t, h)
	url, clients := serveClients(t, h, 2)

	const senders = 8
	for i := 0; i < 200; i++ {
		ws, c := dialClient(t, url, clients)

		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make(chan error, senders*10)
		for s := 0; s < senders; s++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for n := 0; n < 10; n++ {
					errs <- c.Send([]byte("frame"))
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			c.Close()
		}()

		close(start)
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				assert.True(t, err == ErrClosed || err == ErrBufferFull, "unexpected send error: %v", err)
			}
		}
		assert.False(t, c.Open())
		assert.ErrorIs(t, c.Send([]byte("late")), ErrClosed)
		_ = ws.Close()
	}
}
