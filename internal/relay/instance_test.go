package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nekobeat/internal/config"
)

// relayServer is an in-process stand-in for the remote browser service:
// it authenticates sockets with a system/init, arbitrates the control
// lock and records every input frame it receives.
type relayServer struct {
	upgrader websocket.Upgrader
	srv      *httptest.Server

	mu      sync.Mutex
	nextID  int
	conns   map[string]*websocket.Conn
	holder  string
	waiting []string
	frames  []map[string]any
}

func newRelayServer(t *testing.T) *relayServer {
	t.Helper()
	s := &relayServer{conns: make(map[string]*websocket.Conn)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *relayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *relayServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.nextID++
	id := fmt.Sprintf("sess-%d", s.nextID)
	s.conns[id] = conn
	conn.WriteJSON(map[string]any{"event": "system/init", "session_id": id})
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, id)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.mu.Lock()
		s.frames = append(s.frames, frame)
		switch frame["event"] {
		case "control/request":
			if s.holder == "" {
				s.grantLocked(id)
			} else if s.holder != id {
				s.waiting = append(s.waiting, id)
			}
		case "control/release":
			if s.holder == id {
				s.holder = ""
				if len(s.waiting) > 0 {
					next := s.waiting[0]
					s.waiting = s.waiting[1:]
					s.grantLocked(next)
				}
			}
		}
		s.mu.Unlock()
	}
}

// grantLocked must be called with s.mu held.
func (s *relayServer) grantLocked(id string) {
	s.holder = id
	for _, c := range s.conns {
		c.WriteJSON(map[string]any{"event": "control/locked", "id": id})
	}
}

func (s *relayServer) kick(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conns[sessionID]; ok {
		c.WriteJSON(map[string]any{"event": "system/disconnect", "message": "kicked"})
		c.Close()
	}
}

func (s *relayServer) recordedEvents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]string, 0, len(s.frames))
	for _, f := range s.frames {
		if ev, ok := f["event"].(string); ok {
			events = append(events, ev)
		}
	}
	return events
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		PoolSize:             1,
		Password:             "secret",
		ConnectTimeout:       2 * time.Second,
		ControlTimeout:       2 * time.Second,
		HeartbeatInterval:    time.Minute,
		PingInterval:         time.Minute,
		HealthCheckTimeout:   time.Second,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    30 * time.Second,
		ReconnectMaxAttempts: 5,
		AcquireWait:          time.Second,
		AcquirePollEvery:     10 * time.Millisecond,
		SessionTTL:           time.Hour,
	}
}

func connectInstance(t *testing.T, srv *relayServer, id string) *Instance {
	t.Helper()
	inst := NewInstance(id, srv.wsURL(), testRelayConfig())
	require.NoError(t, inst.Connect(context.Background()))
	t.Cleanup(inst.Shutdown)
	return inst
}

func TestConnectAuthenticates(t *testing.T) {
	srv := newRelayServer(t)
	inst := connectInstance(t, srv, "neko-1")

	assert.Equal(t, StateReady, inst.State())
	assert.True(t, inst.Authenticated())
	assert.NotEmpty(t, inst.SessionID())
	assert.Equal(t, 0, inst.ReconnectAttempts())
}

func TestConnectFailureSchedulesBackoff(t *testing.T) {
	cfg := testRelayConfig()
	cfg.ReconnectMaxAttempts = 3
	cfg.ConnectTimeout = 200 * time.Millisecond

	inst := NewInstance("neko-1", "ws://127.0.0.1:1/ws", cfg)
	t.Cleanup(inst.Shutdown)

	err := inst.Connect(context.Background())
	require.Error(t, err)

	// The retry chain burns through the whole budget and then stops.
	require.Eventually(t, func() bool {
		return inst.ReconnectAttempts() == 3 && !inst.timers.Active(timerReconnect)
	}, 3*time.Second, 20*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 3, inst.ReconnectAttempts(), "no attempt beyond the budget")
}

func TestReconnectDelay(t *testing.T) {
	cfg := config.RelayConfig{ReconnectBaseDelay: 2 * time.Second, ReconnectMaxDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 6 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ReconnectDelay(cfg, tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestControlLockMutualExclusion(t *testing.T) {
	srv := newRelayServer(t)
	a := connectInstance(t, srv, "neko-1")
	b := connectInstance(t, srv, "neko-2")

	require.NoError(t, a.RequestControl(context.Background()))
	assert.True(t, a.HasControl())
	assert.False(t, b.HasControl())

	bDone := make(chan error, 1)
	go func() { bDone <- b.RequestControl(context.Background()) }()

	// While the holder keeps the lock, the contender stays blocked.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, a.HasControl())
	assert.False(t, b.HasControl())

	require.NoError(t, a.ReleaseControl())

	select {
	case err := <-bDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("contender never received the control grant")
	}

	assert.True(t, b.HasControl())
	assert.False(t, a.HasControl())
}

func TestControlRequestTimesOutWhileHeld(t *testing.T) {
	srv := newRelayServer(t)
	a := connectInstance(t, srv, "neko-1")

	cfgShort := testRelayConfig()
	cfgShort.ControlTimeout = 100 * time.Millisecond
	b := NewInstance("neko-2", srv.wsURL(), cfgShort)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(b.Shutdown)

	require.NoError(t, a.RequestControl(context.Background()))

	err := b.RequestControl(context.Background())
	assert.ErrorIs(t, err, ErrControlTimeout)
	assert.False(t, b.HasControl())
	assert.True(t, a.HasControl())
}

func TestPlayVideoInputSequence(t *testing.T) {
	oldSettle := navigateSettle
	navigateSettle = 20 * time.Millisecond
	t.Cleanup(func() { navigateSettle = oldSettle })

	srv := newRelayServer(t)
	inst := connectInstance(t, srv, "neko-1")

	require.NoError(t, inst.PlayVideo(context.Background(), "https://www.youtube.com/watch?v=dQw4w9WgXcQ"))

	require.Eventually(t, func() bool {
		events := srv.recordedEvents()
		return len(events) >= 6 && events[len(events)-1] == "control/release"
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{
		"control/request",
		"control/key",  // focus the URL bar
		"control/text", // type the watch URL
		"control/key",  // enter
		"control/click",
		"control/release",
	}, srv.recordedEvents())
}

func TestHealthCheck(t *testing.T) {
	srv := newRelayServer(t)
	inst := connectInstance(t, srv, "neko-1")

	assert.True(t, inst.HealthCheck(context.Background()))

	inst.Shutdown()
	require.Eventually(t, func() bool {
		return inst.State() == StateDisconnected
	}, 2*time.Second, 20*time.Millisecond)

	assert.False(t, inst.HealthCheck(context.Background()))
}

func TestKickIsTerminal(t *testing.T) {
	srv := newRelayServer(t)
	inst := connectInstance(t, srv, "neko-1")
	session := inst.SessionID()

	srv.kick(session)

	require.Eventually(t, func() bool {
		return inst.State() == StateDisconnected
	}, 2*time.Second, 20*time.Millisecond)

	// A kicked instance must not try to come back on its own.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, inst.timers.Active(timerReconnect))
	assert.Equal(t, 0, inst.ReconnectAttempts())
	assert.False(t, inst.Authenticated())
}

func TestRestartRevivesKickedInstance(t *testing.T) {
	srv := newRelayServer(t)
	inst := connectInstance(t, srv, "neko-1")

	srv.kick(inst.SessionID())
	require.Eventually(t, func() bool {
		return inst.State() == StateDisconnected
	}, 2*time.Second, 20*time.Millisecond)

	// Kicked stays down on its own.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, inst.Authenticated())
	assert.False(t, inst.timers.Active(timerReconnect))

	// A health-loop restart lifts the kick and reconnects.
	inst.Restart()
	require.Eventually(t, func() bool {
		return inst.Authenticated() && inst.State() == StateReady
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRestartRefreshesAttemptBudget(t *testing.T) {
	cfg := testRelayConfig()
	cfg.ReconnectMaxAttempts = 1
	cfg.ConnectTimeout = 200 * time.Millisecond

	inst := NewInstance("neko-1", "ws://127.0.0.1:1/ws", cfg)
	t.Cleanup(inst.Shutdown)

	require.Error(t, inst.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return inst.ReconnectAttempts() == 1 && !inst.timers.Active(timerReconnect)
	}, 3*time.Second, 20*time.Millisecond)

	// Exhausted budget; a restart re-arms the backoff from scratch.
	inst.Restart()
	require.Eventually(t, func() bool {
		return inst.timers.Active(timerReconnect) || inst.ReconnectAttempts() >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestRestoreSessionRequiresCookies(t *testing.T) {
	inst := NewInstance("neko-1", "ws://unused", testRelayConfig())
	assert.Error(t, inst.RestoreSession(nil))
}

func TestRestoreSessionRoundTrip(t *testing.T) {
	srv := newRelayServer(t)
	inst := connectInstance(t, srv, "neko-1")

	cookies := []Cookie{{Name: "sid", Value: "abc", Domain: ".youtube.com", Path: "/"}}
	require.NoError(t, inst.RestoreSession(cookies))
	assert.Equal(t, cookies, inst.Cookies())

	require.Eventually(t, func() bool {
		for _, ev := range srv.recordedEvents() {
			if ev == "session/restore" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	var restored []Cookie
	for _, f := range srv.frames {
		if f["event"] != "session/restore" {
			continue
		}
		raw, err := json.Marshal(f["cookies"])
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, &restored))
	}
	assert.Equal(t, cookies, restored, "replayed cookie set matches the persisted one")
}
