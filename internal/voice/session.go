// /internal/voice/session.go
package voice

import (
	"slices"
	"sync"

	"nekobeat/internal/timers"
	"nekobeat/internal/track"
)

// Session is one guild's live voice state: the connection, the reusable
// player, the queue and the per-guild timer bookkeeping. All mutation
// goes through the owning Manager; other guilds never touch it.
type Session struct {
	guildID   string
	channelID string
	conn      Conn
	player    *Player
	timers    *timers.Registry

	mu    sync.Mutex
	queue []track.Track
	done  chan struct{}
}

func newSession(guildID, channelID string, conn Conn, player *Player) *Session {
	return &Session{
		guildID:   guildID,
		channelID: channelID,
		conn:      conn,
		player:    player,
		timers:    timers.NewRegistry(),
		done:      make(chan struct{}),
	}
}

func (s *Session) enqueue(t track.Track) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, t)
	return len(s.queue)
}

func (s *Session) dequeue() (track.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return track.Track{}, false
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	return t, true
}

// Queue returns a copy of the pending tracks.
func (s *Session) Queue() []track.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.queue)
}

// close releases the session's watchers and timers. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	s.timers.ClearAll()
}
