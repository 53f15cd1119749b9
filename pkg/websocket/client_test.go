package websocket

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid_trader/pkg/logging"
)

// fastTiming keeps test streams churning without real-world waits.
var fastTiming = Timing{
	ReconnectWait: 10 * time.Millisecond,
	PingInterval:  50 * time.Millisecond,
	PingTimeout:   50 * time.Millisecond,
	PongWait:      300 * time.Millisecond,
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestHandlerReceivesPayloads(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"24hrTicker"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	payloads := make(chan []byte, 1)
	client := NewClient(wsURL(server), func(p []byte) {
		select {
		case payloads <- p:
		default:
		}
	}, logging.NewLogger(logging.ErrorLevel))
	client.SetTiming(fastTiming)
	client.Start()
	defer client.Stop()

	select {
	case p := <-payloads:
		assert.Contains(t, string(p), "24hrTicker")
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the payload")
	}
}

func TestKeepalivePingsServer(t *testing.T) {
	var pings int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetPingHandler(func(string) error {
			atomic.AddInt32(&pings, 1)
			return conn.WriteControl(websocket.PongMessage, nil, time.Now().Add(time.Second))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), func([]byte) {}, logging.NewLogger(logging.ErrorLevel))
	client.SetTiming(fastTiming)
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&pings) >= 2
	}, 2*time.Second, 20*time.Millisecond, "keepalive should ping the server repeatedly")
}

func TestSilentConnectionRedials(t *testing.T) {
	var dials int32
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Swallow pings so the client's pong deadline expires.
		conn.SetPingHandler(func(string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	client := NewClient(wsURL(server), func([]byte) {}, logging.NewLogger(logging.ErrorLevel))
	client.SetTiming(fastTiming)
	client.Start()
	defer client.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&dials) >= 2
	}, 3*time.Second, 20*time.Millisecond, "a silent connection should be dropped and redialed")
}

func TestStopReturnsPromptlyWithoutLeaking(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	time.Sleep(100 * time.Millisecond)
	before := runtime.NumGoroutine()

	client := NewClient(wsURL(server), func([]byte) {}, logging.NewLogger(logging.ErrorLevel))
	client.SetTiming(fastTiming)
	client.Start()
	time.Sleep(150 * time.Millisecond)

	start := time.Now()
	client.Stop()
	assert.Less(t, time.Since(start), time.Second, "Stop should not wait out the full timeout")

	time.Sleep(100 * time.Millisecond)
	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after, before+1, "read and keepalive goroutines should be gone after Stop")
}
