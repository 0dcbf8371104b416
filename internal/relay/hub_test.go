package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roverpilot/internal/model"
)

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := NewHub(model.RelayConfig{Path: "/auto-control"})
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/auto-control"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func readText(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := c.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func send(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func TestHubForwardsCommandsToOtherClients(t *testing.T) {
	h, srv := newTestHub(t)
	pilot := dial(t, srv)
	bridge := dial(t, srv)
	waitClients(t, h, 2)

	send(t, pilot, "F")
	assert.Equal(t, "F", readText(t, bridge))

	// the sender never hears its own command
	require.NoError(t, pilot.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := pilot.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, uint64(1), h.Forwarded())
}

func TestHubIgnoresInvalidAndAnswersPing(t *testing.T) {
	h, srv := newTestHub(t)
	pilot := dial(t, srv)
	bridge := dial(t, srv)
	waitClients(t, h, 2)

	send(t, pilot, "ping")
	assert.Equal(t, "pong", readText(t, pilot))

	send(t, pilot, "")
	send(t, pilot, "junk")
	send(t, pilot, "f")
	send(t, pilot, " X ")
	send(t, pilot, "L")

	assert.Equal(t, "X", readText(t, bridge), "pong, empty and invalid messages are not relayed")
	assert.Equal(t, "L", readText(t, bridge))
	assert.Equal(t, uint64(2), h.Forwarded())
}

func TestHubFansOutToEveryOtherClient(t *testing.T) {
	h, srv := newTestHub(t)
	pilot := dial(t, srv)
	a := dial(t, srv)
	b := dial(t, srv)
	waitClients(t, h, 3)

	send(t, pilot, "S")
	assert.Equal(t, "S", readText(t, a))
	assert.Equal(t, "S", readText(t, b))
}

func TestHubHeartbeatClosesSilentClients(t *testing.T) {
	h, srv := newTestHub(t)
	silent := dial(t, srv)
	waitClients(t, h, 1)

	h.Beat() // ping, never answered
	h.Beat() // no pong since the previous beat
	waitClients(t, h, 0)

	require.NoError(t, silent.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := silent.ReadMessage(); err != nil {
			break
		}
	}
}

func TestHubHeartbeatKeepsResponsiveClients(t *testing.T) {
	h, srv := newTestHub(t)
	live := dial(t, srv)
	go func() {
		// reading lets the default ping handler answer with a pong
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()
	waitClients(t, h, 1)

	for i := 0; i < 3; i++ {
		h.Beat()
		require.Eventually(t, func() bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			for c := range h.clients {
				if !c.alive.Load() {
					return false
				}
			}
			return true
		}, 2*time.Second, 5*time.Millisecond)
	}
	assert.Equal(t, 1, h.Clients())
}

func TestHubHealthz(t *testing.T) {
	h, srv := newTestHub(t)
	dial(t, srv)
	waitClients(t, h, 1)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Clients)
}

func TestHubReportsOccupancy(t *testing.T) {
	h := NewHub(model.RelayConfig{Path: "/auto-control"})
	var (
		mu   sync.Mutex
		seen []int
	)
	h.OnOccupancy = func(n int) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	}
	last := func() int {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return -1
		}
		return seen[len(seen)-1]
	}
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)

	a := dial(t, srv)
	require.Eventually(t, func() bool { return last() == 1 }, 2*time.Second, 5*time.Millisecond)
	dial(t, srv)
	require.Eventually(t, func() bool { return last() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return last() == 1 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 1}, seen)
}
