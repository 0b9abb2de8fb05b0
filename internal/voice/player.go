// /internal/voice/player.go
package voice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"layeh.com/gopus"

	"nekobeat/internal/logger"
	"nekobeat/internal/playback"
	"nekobeat/internal/timers"
	"nekobeat/internal/track"
)

const (
	channels   = 2
	sampleRate = 48000
	frameSize  = 960 // 20ms at 48kHz

	// A frame that cannot be handed to the voice transport within this
	// window auto-pauses the player until the transport drains.
	frameSendTimeout = 1 * time.Second

	timerErrorGrace = "error-grace"
)

// PlayerState is the audio player's state machine.
type PlayerState int

const (
	PlayerIdle PlayerState = iota
	PlayerBuffering
	PlayerPlaying
	PlayerPaused
	PlayerAutoPaused
)

func (s PlayerState) String() string {
	switch s {
	case PlayerBuffering:
		return "Buffering"
	case PlayerPlaying:
		return "Playing"
	case PlayerPaused:
		return "Paused"
	case PlayerAutoPaused:
		return "AutoPaused"
	default:
		return "Idle"
	}
}

// EventType discriminates player events.
type EventType int

const (
	// EventStateChange reports every player state transition.
	EventStateChange EventType = iota
	// EventFinish means the current track is done and the queue may
	// advance. Emitted on natural end and, after a grace delay, on error.
	EventFinish
	// EventError reports a mid-playback stream failure.
	EventError
)

// Event is one player signal. Scoped to the owning guild session.
type Event struct {
	Type  EventType
	State PlayerState
	Err   error
}

// Player turns resolved PCM streams into opus frames on a voice
// connection. One player per guild, reused across tracks.
type Player struct {
	guildID    string
	errorGrace time.Duration
	log        zerolog.Logger
	timers     *timers.Registry

	mu      sync.Mutex
	state   PlayerState
	current *track.Track
	stop    chan struct{}
	done    chan struct{}

	events chan Event
}

func NewPlayer(guildID string, errorGrace time.Duration) *Player {
	return &Player{
		guildID:    guildID,
		errorGrace: errorGrace,
		log:        logger.With("player").With().Str("guild", guildID).Logger(),
		timers:     timers.NewRegistry(),
		events:     make(chan Event, 16), // buffered to reduce drops
	}
}

// Events returns the player's signal channel. It is never closed; owners
// stop consuming when they tear the session down.
func (p *Player) Events() <-chan Event { return p.events }

func (p *Player) State() PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// CurrentTrack returns the playing track, or nil.
func (p *Player) CurrentTrack() *track.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Play starts streaming a resolved track. Any current playback is force
// stopped first; the player owns res from here and closes it when the
// stream ends.
func (p *Player) Play(conn Conn, t track.Track, res *playback.Result) {
	p.Stop()

	p.mu.Lock()
	p.current = &t
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	stop, done := p.stop, p.done
	p.setStateLocked(PlayerBuffering)
	p.mu.Unlock()

	p.log.Info().Str("track", t.Title).Str("method", string(res.Method)).Msg("Starting playback")
	go p.run(conn, res, stop, done)
}

// Stop force-stops the current playback without emitting Finish; callers
// that want the queue to advance do so themselves.
func (p *Player) Stop() {
	p.mu.Lock()
	stop, done := p.stop, p.done
	if stop == nil {
		p.mu.Unlock()
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	p.mu.Unlock()

	<-done

	p.mu.Lock()
	p.stop = nil
	p.done = nil
	p.current = nil
	p.setStateLocked(PlayerIdle)
	p.mu.Unlock()
}

// Pause suspends frame delivery.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PlayerPlaying && p.state != PlayerAutoPaused {
		return errors.New("no track is currently playing")
	}
	p.setStateLocked(PlayerPaused)
	return nil
}

// Resume continues a paused playback.
func (p *Player) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != PlayerPaused {
		return errors.New("playback is not paused")
	}
	p.setStateLocked(PlayerPlaying)
	return nil
}

// Shutdown stops playback and clears pending timers.
func (p *Player) Shutdown() {
	p.Stop()
	p.timers.ClearAll()
}

// run is the playback goroutine: PCM in, opus frames out.
func (p *Player) run(conn Conn, res *playback.Result, stop chan struct{}, done chan struct{}) {
	defer close(done)
	defer res.Close()

	encoder, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		p.fail(fmt.Errorf("encoder error: %w", err))
		return
	}

	if err := conn.Speaking(true); err != nil {
		p.log.Warn().Err(err).Msg("Failed to set speaking state")
	}
	defer conn.Speaking(false)

	p.transition(PlayerBuffering, PlayerPlaying)

	pcmBuf := make([]byte, frameSize*channels*2)
	intBuf := make([]int16, frameSize*channels)

	for {
		select {
		case <-stop:
			return
		default:
		}

		if p.waitWhilePaused(stop) {
			return
		}

		_, err := io.ReadFull(res.Stream, pcmBuf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				p.finish()
				return
			}
			p.fail(fmt.Errorf("stream read error: %w", err))
			return
		}

		for i := range intBuf {
			intBuf[i] = int16(binary.LittleEndian.Uint16(pcmBuf[i*2 : i*2+2]))
		}

		opus, err := encoder.Encode(intBuf, frameSize, len(pcmBuf))
		if err != nil {
			p.fail(fmt.Errorf("encode error: %w", err))
			return
		}

		if p.sendFrame(conn, opus, stop) {
			return
		}
	}
}

// sendFrame delivers one opus frame, auto-pausing on transport
// backpressure. Returns true when playback was stopped.
func (p *Player) sendFrame(conn Conn, frame []byte, stop chan struct{}) bool {
	select {
	case conn.OpusSend() <- frame:
		p.transition(PlayerAutoPaused, PlayerPlaying)
		return false
	case <-stop:
		return true
	case <-time.After(frameSendTimeout):
		p.transition(PlayerPlaying, PlayerAutoPaused)
	}

	// Blocking send while auto-paused.
	select {
	case conn.OpusSend() <- frame:
		p.transition(PlayerAutoPaused, PlayerPlaying)
		return false
	case <-stop:
		return true
	}
}

// waitWhilePaused parks the goroutine while the player is Paused.
// Returns true when playback was stopped meanwhile.
func (p *Player) waitWhilePaused(stop chan struct{}) bool {
	for p.State() == PlayerPaused {
		select {
		case <-stop:
			return true
		case <-time.After(50 * time.Millisecond):
		}
	}
	return false
}

// finish handles natural end of stream: Idle, then Finish so the queue
// advances.
func (p *Player) finish() {
	p.mu.Lock()
	p.current = nil
	p.stop = nil
	p.setStateLocked(PlayerIdle)
	p.mu.Unlock()

	p.emit(Event{Type: EventFinish})
}

// fail force-stops on a stream error: the track is dropped, the error is
// surfaced, and Finish follows after a grace delay so the caller advances
// instead of stalling.
func (p *Player) fail(err error) {
	p.log.Error().Err(err).Msg("Playback error, force-stopping")

	p.mu.Lock()
	p.current = nil
	p.stop = nil
	p.setStateLocked(PlayerIdle)
	p.mu.Unlock()

	p.emit(Event{Type: EventError, Err: err})
	p.timers.Arm(timerErrorGrace, p.errorGrace, func() {
		p.emit(Event{Type: EventFinish})
	})
}

// transition moves from → to atomically; a no-op when the player is in
// any other state.
func (p *Player) transition(from, to PlayerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == from {
		p.setStateLocked(to)
	}
}

func (p *Player) setStateLocked(s PlayerState) {
	if p.state == s {
		return
	}
	p.state = s
	p.emit(Event{Type: EventStateChange, State: s})
}

func (p *Player) emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		p.log.Warn().Int("type", int(ev.Type)).Msg("Player event dropped (channel full)")
	}
}
