// /internal/relay/instance.go
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"nekobeat/internal/config"
	"nekobeat/internal/logger"
	"nekobeat/internal/timers"
)

// WSState is the transport state of one relay connection.
type WSState int

const (
	StateDisconnected WSState = iota
	StateConnecting
	StateReady
)

func (s WSState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateReady:
		return "Ready"
	default:
		return "Disconnected"
	}
}

var (
	ErrConnectTimeout   = errors.New("relay connect timed out")
	ErrControlTimeout   = errors.New("control request timed out")
	ErrNotConnected     = errors.New("relay instance is not connected")
	ErrNotAuthenticated = errors.New("relay instance is not authenticated")
)

const (
	urlBarShortcut = "ctrl+l"
	enterKey       = "enter"

	// Where the video surface is clicked to start playback. Generous
	// timing and a fixed point tolerate remote-render latency.
	playClickX = 640
	playClickY = 360

	timerReconnect = "reconnect"
	writeDeadline  = 5 * time.Second
)

// navigateSettle is how long the remote browser gets to load a page after
// the URL is submitted, before any further input is sent.
var navigateSettle = 3 * time.Second

// Instance is one stateful client of a remote browser-automation service.
// It owns a single persistent WebSocket, authenticates over it, negotiates
// the exclusive input-control lock and reconnects itself on failure.
type Instance struct {
	id       string
	endpoint string
	cfg      config.RelayConfig
	log      zerolog.Logger
	timers   *timers.Registry

	mu                sync.Mutex
	conn              *websocket.Conn
	state             WSState
	authenticated     bool
	hasControl        bool
	currentVideo      string
	lastUsedAt        time.Time
	sessionID         string
	controlHost       string
	members           []string
	cookies           []Cookie
	reconnectAttempts int
	kicked            bool
	shuttingDown      bool
	authCh            chan struct{}
	lockGrants        []chan string

	writeMu sync.Mutex
	pongCh  chan struct{}
}

// NewInstance creates an instance for the given WebSocket endpoint. It
// does not connect; call Connect.
func NewInstance(id, endpoint string, cfg config.RelayConfig) *Instance {
	return &Instance{
		id:       id,
		endpoint: endpoint,
		cfg:      cfg,
		log:      logger.With("relay").With().Str("instance", id).Logger(),
		timers:   timers.NewRegistry(),
		pongCh:   make(chan struct{}, 1),
	}
}

// Connect dials the relay endpoint and blocks until the server's init
// message completes authentication, or the connect timeout elapses.
func (i *Instance) Connect(ctx context.Context) error {
	i.mu.Lock()
	if i.shuttingDown {
		i.mu.Unlock()
		return errors.New("relay instance is shut down")
	}
	if i.state != StateDisconnected {
		i.mu.Unlock()
		return nil
	}
	i.state = StateConnecting
	i.kicked = false
	authCh := make(chan struct{})
	i.authCh = authCh
	i.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, i.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, i.dialURL(), nil)
	if err != nil {
		i.mu.Lock()
		i.state = StateDisconnected
		i.mu.Unlock()
		i.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", i.endpoint, err)
	}

	conn.SetPongHandler(func(string) error {
		select {
		case i.pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	i.mu.Lock()
	i.conn = conn
	i.state = StateReady
	i.mu.Unlock()

	readDone := make(chan struct{})
	go i.readLoop(conn, readDone)

	select {
	case <-authCh:
	case <-time.After(i.cfg.ConnectTimeout):
		conn.Close()
		return ErrConnectTimeout
	case <-ctx.Done():
		conn.Close()
		return ctx.Err()
	}

	i.mu.Lock()
	i.reconnectAttempts = 0
	i.mu.Unlock()

	go i.heartbeatLoop(conn, readDone)
	go i.pingLoop(conn, readDone)

	i.log.Info().Str("state", StateReady.String()).Msg("Relay instance connected and authenticated")
	return nil
}

func (i *Instance) dialURL() string {
	return i.endpoint + "?password=" + url.QueryEscape(i.cfg.Password)
}

// readLoop decodes every inbound frame once and dispatches on its type.
func (i *Instance) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer i.handleClose(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			i.log.Warn().Err(err).Msg("Dropping undecodable relay frame")
			continue
		}

		switch m := msg.(type) {
		case SystemInit:
			i.handleInit(m)
		case ControlLocked:
			i.handleControlLocked(m)
		case ControlReleased:
			i.handleControlReleased(m)
		case ControlRequesting:
			i.log.Debug().Str("session", m.ID).Msg("Another session is requesting control")
		case SystemDisconnect:
			i.log.Warn().Str("reason", m.Message).Msg("Kicked by relay server")
			i.mu.Lock()
			i.kicked = true
			i.mu.Unlock()
			return
		case SystemError:
			i.log.Error().Str("message", m.Message).Msg("Relay server reported an error")
		}
	}
}

func (i *Instance) handleInit(m SystemInit) {
	i.mu.Lock()
	i.sessionID = m.SessionID
	i.controlHost = m.ControlHost
	i.members = m.Members
	if len(m.Cookies) > 0 {
		i.cookies = m.Cookies
	}
	alreadyAuthed := i.authenticated
	i.authenticated = true
	authCh := i.authCh
	i.mu.Unlock()

	if !alreadyAuthed && authCh != nil {
		close(authCh)
	}
}

func (i *Instance) handleControlLocked(m ControlLocked) {
	i.mu.Lock()
	i.hasControl = m.ID == i.sessionID
	waiters := slices.Clone(i.lockGrants)
	i.mu.Unlock()

	for _, w := range waiters {
		select {
		case w <- m.ID:
		default:
		}
	}
}

func (i *Instance) handleControlReleased(m ControlReleased) {
	i.mu.Lock()
	if m.ID == i.sessionID {
		i.hasControl = false
	}
	i.mu.Unlock()
}

// handleClose clears auth and control state and schedules a reconnect
// unless the instance was kicked or is shutting down.
func (i *Instance) handleClose(conn *websocket.Conn) {
	conn.Close()

	i.mu.Lock()
	if i.conn != conn {
		// A newer connection already replaced this one.
		i.mu.Unlock()
		return
	}
	i.conn = nil
	i.state = StateDisconnected
	i.authenticated = false
	i.hasControl = false
	i.currentVideo = ""
	kicked := i.kicked
	shutting := i.shuttingDown
	i.mu.Unlock()

	if kicked || shutting {
		return
	}
	i.log.Warn().Msg("Relay connection closed, scheduling reconnect")
	i.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer unless one is already pending
// or the attempt budget is exhausted. The increment and the arm sit in one
// critical section so racing callers cannot burn an attempt without a dial.
func (i *Instance) scheduleReconnect() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.shuttingDown || i.kicked || i.timers.Active(timerReconnect) {
		return
	}
	if i.reconnectAttempts >= i.cfg.ReconnectMaxAttempts {
		i.log.Error().Int("attempts", i.cfg.ReconnectMaxAttempts).Msg("Reconnect attempt budget exhausted")
		return
	}
	i.reconnectAttempts++
	attempt := i.reconnectAttempts

	delay := ReconnectDelay(i.cfg, attempt)
	i.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnect scheduled")

	i.timers.Arm(timerReconnect, delay, func() {
		if err := i.Connect(context.Background()); err != nil {
			i.log.Warn().Err(err).Msg("Reconnect attempt failed")
			i.scheduleReconnect()
		}
	})
}

// ReconnectDelay computes the backoff before the given attempt number:
// min(base × attempt, max).
func ReconnectDelay(cfg config.RelayConfig, attempt int) time.Duration {
	d := cfg.ReconnectBaseDelay * time.Duration(attempt)
	if d > cfg.ReconnectMaxDelay {
		d = cfg.ReconnectMaxDelay
	}
	return d
}

// heartbeatLoop keeps the application-level session alive.
func (i *Instance) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(i.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := i.writeJSON(heartbeatFrame{Event: EventClientHeartbeat}); err != nil {
				return
			}
		}
	}
}

// pingLoop probes transport liveness.
func (i *Instance) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(i.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			i.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
			i.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// RequestControl asks the server for the exclusive input lock and waits
// for the grant naming our own session id. The server arbitrates
// contention; we only ever observe the winner announcements.
func (i *Instance) RequestControl(ctx context.Context) error {
	i.mu.Lock()
	if !i.authenticated {
		i.mu.Unlock()
		return ErrNotAuthenticated
	}
	if i.hasControl {
		i.mu.Unlock()
		return nil
	}
	sessionID := i.sessionID
	grant := make(chan string, 4)
	i.lockGrants = append(i.lockGrants, grant)
	i.mu.Unlock()
	defer i.removeLockWaiter(grant)

	if err := i.writeJSON(controlRequestFrame{Event: EventControlRequest}); err != nil {
		return err
	}

	timeout := time.NewTimer(i.cfg.ControlTimeout)
	defer timeout.Stop()
	for {
		select {
		case id := <-grant:
			if id == sessionID {
				return nil
			}
			// Someone else won; keep waiting for our own grant.
		case <-timeout.C:
			return ErrControlTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (i *Instance) removeLockWaiter(grant chan string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.lockGrants = slices.DeleteFunc(i.lockGrants, func(c chan string) bool { return c == grant })
}

// ReleaseControl relinquishes the input lock. Advisory; called when a
// choreographed input sequence completes.
func (i *Instance) ReleaseControl() error {
	err := i.writeJSON(controlReleaseFrame{Event: EventControlRelease})
	i.mu.Lock()
	i.hasControl = false
	i.mu.Unlock()
	return err
}

// SendMouseClick clicks at (x, y) on the remote page.
func (i *Instance) SendMouseClick(ctx context.Context, x, y int) error {
	if err := i.RequestControl(ctx); err != nil {
		return err
	}
	return i.writeJSON(clickFrame{Event: EventControlClick, X: x, Y: y})
}

// SendKey presses a key or key combination on the remote page.
func (i *Instance) SendKey(ctx context.Context, key string) error {
	if err := i.RequestControl(ctx); err != nil {
		return err
	}
	return i.writeJSON(keyFrame{Event: EventControlKey, Key: key})
}

// SendText types a string on the remote page.
func (i *Instance) SendText(ctx context.Context, text string) error {
	if err := i.RequestControl(ctx); err != nil {
		return err
	}
	return i.writeJSON(textFrame{Event: EventControlText, Text: text})
}

// Navigate drives the remote browser to a URL through its URL bar.
func (i *Instance) Navigate(ctx context.Context, pageURL string) error {
	if err := i.RequestControl(ctx); err != nil {
		return err
	}
	if err := i.writeJSON(keyFrame{Event: EventControlKey, Key: urlBarShortcut}); err != nil {
		return err
	}
	if err := i.writeJSON(textFrame{Event: EventControlText, Text: pageURL}); err != nil {
		return err
	}
	if err := i.writeJSON(keyFrame{Event: EventControlKey, Key: enterKey}); err != nil {
		return err
	}
	return i.ReleaseControl()
}

// PlayVideo opens the video page and clicks the player surface to start
// playback. Pure synthetic input; the settle wait gives the remote
// renderer time to load the page before the click.
func (i *Instance) PlayVideo(ctx context.Context, videoURL string) error {
	if err := i.RequestControl(ctx); err != nil {
		return err
	}
	if err := i.writeJSON(keyFrame{Event: EventControlKey, Key: urlBarShortcut}); err != nil {
		return err
	}
	if err := i.writeJSON(textFrame{Event: EventControlText, Text: videoURL}); err != nil {
		return err
	}
	if err := i.writeJSON(keyFrame{Event: EventControlKey, Key: enterKey}); err != nil {
		return err
	}

	select {
	case <-time.After(navigateSettle):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := i.writeJSON(clickFrame{Event: EventControlClick, X: playClickX, Y: playClickY}); err != nil {
		return err
	}
	return i.ReleaseControl()
}

// HealthCheck reports liveness: false straight away when the socket is
// down or unauthenticated, otherwise a transport ping must answer within
// the health-check timeout.
func (i *Instance) HealthCheck(ctx context.Context) bool {
	i.mu.Lock()
	conn := i.conn
	auth := i.authenticated
	i.mu.Unlock()

	if conn == nil || !auth {
		return false
	}

	// Drain any stale pong.
	select {
	case <-i.pongCh:
	default:
	}

	i.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
	i.writeMu.Unlock()
	if err != nil {
		return false
	}

	select {
	case <-i.pongCh:
		return true
	case <-time.After(i.cfg.HealthCheckTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}

// Restart tears the connection down; the close handler's backoff logic
// brings it back up. A health-loop restart is a fresh start: it lifts the
// kick flag and refreshes the attempt budget, since automatic reconnects
// deliberately honour both.
func (i *Instance) Restart() {
	i.mu.Lock()
	i.kicked = false
	i.reconnectAttempts = 0
	conn := i.conn
	i.mu.Unlock()

	if conn != nil {
		conn.Close()
		return
	}
	i.scheduleReconnect()
}

// Shutdown permanently closes the instance.
func (i *Instance) Shutdown() {
	i.mu.Lock()
	i.shuttingDown = true
	conn := i.conn
	i.mu.Unlock()

	i.timers.ClearAll()
	if conn != nil {
		conn.Close()
	}
}

// RestoreSession replays persisted browser cookies into the remote
// session so a previously authenticated browser state survives restarts.
func (i *Instance) RestoreSession(cookies []Cookie) error {
	if len(cookies) == 0 {
		return errors.New("no cookies to restore")
	}
	if err := i.writeJSON(sessionRestoreFrame{Event: EventSessionRestore, Cookies: cookies}); err != nil {
		return err
	}
	i.mu.Lock()
	i.cookies = slices.Clone(cookies)
	i.mu.Unlock()
	return nil
}

// Cookies returns a copy of the current browser session cookies.
func (i *Instance) Cookies() []Cookie {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.cookies)
}

func (i *Instance) writeJSON(frame any) error {
	i.mu.Lock()
	conn := i.conn
	i.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteJSON(frame)
}

// ID returns the stable instance id.
func (i *Instance) ID() string { return i.id }

// State returns the transport state.
func (i *Instance) State() WSState {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Authenticated reports whether the server's init completed.
func (i *Instance) Authenticated() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.authenticated
}

// HasControl reports whether this session holds the input lock.
func (i *Instance) HasControl() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.hasControl
}

// CurrentVideo returns the video this instance is serving, or "".
func (i *Instance) CurrentVideo() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.currentVideo
}

// LastUsedAt returns when the instance was last handed out.
func (i *Instance) LastUsedAt() time.Time {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.lastUsedAt
}

// SessionID returns the server-assigned session id.
func (i *Instance) SessionID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.sessionID
}

// ReconnectAttempts returns the current attempt counter.
func (i *Instance) ReconnectAttempts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.reconnectAttempts
}

// lease marks the instance busy with a video. Only the pool calls this,
// under its own lock, which keeps assignment single-writer.
func (i *Instance) lease(videoID string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.authenticated || i.currentVideo != "" {
		return false
	}
	i.currentVideo = videoID
	i.lastUsedAt = time.Now()
	return true
}

// release clears the busy marker.
func (i *Instance) release() {
	i.mu.Lock()
	i.currentVideo = ""
	i.mu.Unlock()
}
