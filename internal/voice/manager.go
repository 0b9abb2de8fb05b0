// /internal/voice/manager.go
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"nekobeat/internal/logger"
	"nekobeat/internal/playback"
	"nekobeat/internal/track"
)

// ErrNotConnected means Play/Skip was invoked for a guild with no live
// session. A caller bug; never retried here.
var ErrNotConnected = errors.New("no live voice session for guild")

const timerIdleDisconnect = "idle-disconnect"

// Resolver produces a playable stream for a track. Implemented by the
// playback Coordinator.
type Resolver interface {
	AttemptPlayback(ctx context.Context, t track.Track) (*playback.Result, error)
}

// Config tunes the session manager.
type Config struct {
	IdleDisconnect time.Duration
	RecoveryWindow time.Duration
	ErrorGrace     time.Duration
}

// Manager owns every guild's voice session: at most one live connection
// and one player per guild at any time.
type Manager struct {
	connector Connector
	resolver  Resolver
	cfg       Config
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(connector Connector, resolver Resolver, cfg Config) *Manager {
	return &Manager{
		connector: connector,
		resolver:  resolver,
		cfg:       cfg,
		log:       logger.With("voice"),
		sessions:  make(map[string]*Session),
	}
}

// Join connects to a voice channel. An existing session for the guild is
// destroyed first so no stale handle survives.
func (m *Manager) Join(guildID, channelID string) error {
	m.Leave(guildID)

	conn, err := m.connector.Join(guildID, channelID)
	if err != nil {
		return fmt.Errorf("voice join failed for guild %s: %w", guildID, err)
	}

	s := newSession(guildID, channelID, conn, NewPlayer(guildID, m.cfg.ErrorGrace))

	m.mu.Lock()
	m.sessions[guildID] = s
	m.mu.Unlock()

	go m.watchConn(s)
	go m.watchPlayer(s)

	m.log.Info().Str("guild", guildID).Str("channel", channelID).Msg("Joined voice channel")
	return nil
}

// Leave tears the guild's session down. Safe to call when no session
// exists; leaves no residual timers either way.
func (m *Manager) Leave(guildID string) {
	m.mu.Lock()
	s := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()

	if s == nil {
		return
	}
	m.teardown(s)
	m.log.Info().Str("guild", guildID).Msg("Left voice channel")
}

// Play resolves and plays a track, or queues it when something is
// already playing.
func (m *Manager) Play(ctx context.Context, guildID string, t track.Track) error {
	s := m.session(guildID)
	if s == nil {
		return ErrNotConnected
	}

	switch s.player.State() {
	case PlayerPlaying, PlayerPaused, PlayerAutoPaused, PlayerBuffering:
		pos := s.enqueue(t)
		m.log.Info().Str("guild", guildID).Str("track", t.Title).Int("position", pos).Msg("Track queued")
		return nil
	}
	return m.start(ctx, s, t)
}

// Skip stops the current track and advances to the next queued one.
func (m *Manager) Skip(guildID string) error {
	s := m.session(guildID)
	if s == nil {
		return ErrNotConnected
	}
	s.player.Stop()
	m.playNext(s)
	return nil
}

// Pause suspends the guild's playback.
func (m *Manager) Pause(guildID string) error {
	s := m.session(guildID)
	if s == nil {
		return ErrNotConnected
	}
	return s.player.Pause()
}

// Resume continues the guild's playback.
func (m *Manager) Resume(guildID string) error {
	s := m.session(guildID)
	if s == nil {
		return ErrNotConnected
	}
	return s.player.Resume()
}

// IsPlaying reports whether the guild has active playback.
func (m *Manager) IsPlaying(guildID string) bool {
	s := m.session(guildID)
	if s == nil {
		return false
	}
	st := s.player.State()
	return st == PlayerPlaying || st == PlayerBuffering || st == PlayerAutoPaused
}

// NowPlaying returns the guild's current track, or nil.
func (m *Manager) NowPlaying(guildID string) *track.Track {
	s := m.session(guildID)
	if s == nil {
		return nil
	}
	return s.player.CurrentTrack()
}

// Queue returns a copy of the guild's pending tracks.
func (m *Manager) Queue(guildID string) []track.Track {
	s := m.session(guildID)
	if s == nil {
		return nil
	}
	return s.Queue()
}

// Shutdown destroys every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.teardown(s)
	}
}

func (m *Manager) session(guildID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[guildID]
}

func (m *Manager) start(ctx context.Context, s *Session, t track.Track) error {
	res, err := m.resolver.AttemptPlayback(ctx, t)
	if err != nil {
		return fmt.Errorf("could not play %q: %w", t.Title, err)
	}
	s.player.Play(s.conn, t, res)
	return nil
}

// playNext advances the queue, skipping over tracks that fail to resolve.
func (m *Manager) playNext(s *Session) {
	for {
		t, ok := s.dequeue()
		if !ok {
			return
		}
		if err := m.start(context.Background(), s, t); err != nil {
			m.log.Warn().Err(err).Str("guild", s.guildID).Str("track", t.Title).Msg("Skipping unplayable track")
			continue
		}
		return
	}
}

// watchConn reacts to connection transitions. A Disconnected transition
// opens a bounded recovery window; when nothing re-enters Signalling or
// Connecting in time the loss is permanent and the session is destroyed.
func (m *Manager) watchConn(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case st := <-s.conn.StateChanges():
			switch st {
			case ConnDisconnected:
				m.log.Warn().Str("guild", s.guildID).Msg("Voice connection dropped, attempting recovery")
				if m.awaitRecovery(s) {
					m.log.Info().Str("guild", s.guildID).Msg("Voice connection recovered")
					continue
				}
				m.log.Warn().Str("guild", s.guildID).Msg("Voice connection lost permanently")
				m.destroy(s)
				return
			case ConnDestroyed:
				m.destroy(s)
				return
			}
		}
	}
}

// awaitRecovery waits for the connection to re-enter a transient
// connecting state within the recovery window.
func (m *Manager) awaitRecovery(s *Session) bool {
	timer := time.NewTimer(m.cfg.RecoveryWindow)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return false
		case <-timer.C:
			return false
		case st := <-s.conn.StateChanges():
			switch st {
			case ConnSignalling, ConnConnecting, ConnReady:
				return true
			case ConnDestroyed:
				return false
			}
		}
	}
}

// watchPlayer drives the queue and the idle-disconnect timer from player
// events.
func (m *Manager) watchPlayer(s *Session) {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.player.Events():
			switch ev.Type {
			case EventStateChange:
				switch ev.State {
				case PlayerPlaying:
					s.timers.Clear(timerIdleDisconnect)
				case PlayerIdle:
					m.armIdleTimer(s)
				}
			case EventFinish:
				m.playNext(s)
			case EventError:
				m.log.Error().Err(ev.Err).Str("guild", s.guildID).Msg("Player reported stream error")
			}
		}
	}
}

func (m *Manager) armIdleTimer(s *Session) {
	if m.cfg.IdleDisconnect <= 0 {
		return
	}
	s.timers.Arm(timerIdleDisconnect, m.cfg.IdleDisconnect, func() {
		m.log.Info().Str("guild", s.guildID).Msg("Idle timeout reached, disconnecting")
		m.Leave(s.guildID)
	})
}

// destroy removes the session from the registry (when still present) and
// releases its resources.
func (m *Manager) destroy(s *Session) {
	m.mu.Lock()
	if m.sessions[s.guildID] == s {
		delete(m.sessions, s.guildID)
	}
	m.mu.Unlock()
	m.teardown(s)
}

func (m *Manager) teardown(s *Session) {
	s.close()
	s.player.Shutdown()
	s.conn.Destroy()
}
