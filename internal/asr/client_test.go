package asr

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

// fakeBackend runs a scripted transcription backend. Each connection reads the
// start message and then runs script with the connection.
func fakeBackend(t *testing.T, script func(conn *websocket.Conn, connNum int)) *httptest.Server {
	t.Helper()
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var start startMessage
		if err := conn.ReadJSON(&start); err != nil {
			return
		}
		if start.Type != "start" {
			t.Errorf("first message type = %q, want start", start.Type)
			return
		}
		script(conn, int(conns.Add(1)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		URL:              url,
		Language:         "vi-VN",
		SampleRate:       8000,
		ReconnectBackoff: 10 * time.Millisecond,
		MaxReconnects:    3,
		SilenceTimeout:   0, // off unless the test needs it
	}
}

func waitEvent(t *testing.T, events <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed unexpectedly")
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestClient_PartialThenFinal(t *testing.T) {
	srv := fakeBackend(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteJSON(resultMessage{IsFinal: false, Text: "tôi muốn", Confidence: 0.4})
		_ = conn.WriteJSON(resultMessage{IsFinal: false, Text: "tôi muốn kiểm tra", Confidence: 0.7})
		_ = conn.WriteJSON(resultMessage{IsFinal: true, Text: "tôi muốn kiểm tra đơn hàng", Confidence: 0.93})
		time.Sleep(100 * time.Millisecond)
	})

	c := NewClient("c1", testConfig(wsURL(srv)))
	require.NoError(t, c.Connect())
	defer c.Close()

	ev := waitEvent(t, c.Events(), time.Second)
	assert.Equal(t, Partial, ev.Kind)
	assert.Equal(t, "tôi muốn", ev.Text)

	ev = waitEvent(t, c.Events(), time.Second)
	assert.Equal(t, Partial, ev.Kind)

	ev = waitEvent(t, c.Events(), time.Second)
	assert.Equal(t, Final, ev.Kind)
	assert.Equal(t, "tôi muốn kiểm tra đơn hàng", ev.Text)
	assert.InDelta(t, 0.93, ev.Confidence, 1e-9)
	assert.False(t, ev.Endpoint.IsZero())
}

func TestClient_FinalWithoutPartials(t *testing.T) {
	srv := fakeBackend(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteJSON(resultMessage{IsFinal: true, Text: "xin chào", Confidence: 0.8})
		time.Sleep(100 * time.Millisecond)
	})

	c := NewClient("c2", testConfig(wsURL(srv)))
	require.NoError(t, c.Connect())
	defer c.Close()

	ev := waitEvent(t, c.Events(), time.Second)
	assert.Equal(t, Final, ev.Kind)
	assert.Equal(t, "xin chào", ev.Text)
}

func TestClient_SilenceFallbackFinalizesOnce(t *testing.T) {
	srv := fakeBackend(t, func(conn *websocket.Conn, _ int) {
		_ = conn.WriteJSON(resultMessage{IsFinal: false, Text: "một hai ba", Confidence: 0.75})
		// Stall, then send the late backend final: the fallback must have
		// already closed the segment and the late final must be suppressed.
		time.Sleep(200 * time.Millisecond)
		_ = conn.WriteJSON(resultMessage{IsFinal: true, Text: "một hai ba", Confidence: 0.75})
		// Hold the stream open so no reconnect fires during the watch below.
		time.Sleep(time.Second)
	})

	cfg := testConfig(wsURL(srv))
	cfg.SilenceTimeout = 50 * time.Millisecond
	c := NewClient("c3", cfg)
	require.NoError(t, c.Connect())
	defer c.Close()

	ev := waitEvent(t, c.Events(), time.Second)
	assert.Equal(t, Partial, ev.Kind)

	ev = waitEvent(t, c.Events(), time.Second)
	assert.Equal(t, Final, ev.Kind)
	assert.Equal(t, "một hai ba", ev.Text)

	select {
	case extra := <-c.Events():
		t.Fatalf("unexpected second event for the same segment: %+v", extra)
	case <-time.After(400 * time.Millisecond):
	}
}

func TestClient_ReconnectEmitsDegradedAndResumes(t *testing.T) {
	srv := fakeBackend(t, func(conn *websocket.Conn, connNum int) {
		if connNum == 1 {
			// Drop the first stream immediately after one partial.
			_ = conn.WriteJSON(resultMessage{IsFinal: false, Text: "alô", Confidence: 0.9})
			return
		}
		_ = conn.WriteJSON(resultMessage{IsFinal: true, Text: "alô xin chào", Confidence: 0.9})
		time.Sleep(100 * time.Millisecond)
	})

	c := NewClient("c4", testConfig(wsURL(srv)))
	require.NoError(t, c.Connect())
	defer c.Close()

	ev := waitEvent(t, c.Events(), time.Second)
	assert.Equal(t, Partial, ev.Kind)

	ev = waitEvent(t, c.Events(), 2*time.Second)
	assert.Equal(t, Degraded, ev.Kind)

	ev = waitEvent(t, c.Events(), 2*time.Second)
	assert.Equal(t, Final, ev.Kind)
	assert.Equal(t, "alô xin chào", ev.Text)
}

func TestClient_UnrecoverableBackendClosesEvents(t *testing.T) {
	srv := fakeBackend(t, func(conn *websocket.Conn, _ int) {})
	url := wsURL(srv)
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxReconnects = 1
	c := NewClient("c5", cfg)
	err := c.Connect()
	require.Error(t, err, "dialing a dead backend must fail")
}

func TestClient_SendPCMRequiresConnect(t *testing.T) {
	c := NewClient("c6", testConfig("ws://127.0.0.1:1"))
	assert.Error(t, c.SendPCM(make([]byte, 320)))
}

func TestClient_VoiceActivityTracking(t *testing.T) {
	srv := fakeBackend(t, func(conn *websocket.Conn, _ int) {
		time.Sleep(200 * time.Millisecond)
	})
	c := NewClient("c7", testConfig(wsURL(srv)))
	require.NoError(t, c.Connect())
	defer c.Close()

	assert.False(t, c.RecentlyDetectedVoice(time.Second))

	loud := make([]byte, 320)
	for i := 0; i < len(loud); i += 2 {
		loud[i] = 0x00
		loud[i+1] = 0x10 // 4096, well above the RMS threshold
	}
	require.NoError(t, c.SendPCM(loud))
	assert.True(t, c.RecentlyDetectedVoice(time.Second))
}
