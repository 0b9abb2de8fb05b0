package voice

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nekobeat/internal/playback"
	"nekobeat/internal/track"
)

type fakeConn struct {
	mu        sync.Mutex
	channelID string
	states    chan ConnState
	opus      chan []byte
	destroyed bool
}

func newFakeConn(opusBuffer int) *fakeConn {
	return &fakeConn{
		channelID: "chan-1",
		states:    make(chan ConnState, 8),
		opus:      make(chan []byte, opusBuffer),
	}
}

func (c *fakeConn) State() ConnState               { return ConnReady }
func (c *fakeConn) StateChanges() <-chan ConnState { return c.states }
func (c *fakeConn) OpusSend() chan<- []byte        { return c.opus }
func (c *fakeConn) Speaking(bool) error            { return nil }
func (c *fakeConn) ChannelID() string              { return c.channelID }

func (c *fakeConn) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.destroyed = true
	select {
	case c.states <- ConnDestroyed:
	default:
	}
}

func (c *fakeConn) Destroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

func (c *fakeConn) pushState(st ConnState) { c.states <- st }

// silenceResult builds a playable result carrying n raw PCM frames of
// silence.
func silenceResult(n int) *playback.Result {
	pcm := make([]byte, n*frameSize*channels*2)
	return &playback.Result{
		Method: playback.MethodDirect,
		Stream: io.NopCloser(bytes.NewReader(pcm)),
	}
}

type errAfterReader struct {
	r   io.Reader
	err error
}

func (e *errAfterReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func collectUntil(t *testing.T, p *Player, want EventType, timeout time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-p.Events():
			events = append(events, ev)
			if ev.Type == want {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d, saw %v", want, events)
		}
	}
}

func TestPlayerNaturalFinish(t *testing.T) {
	conn := newFakeConn(64)
	p := NewPlayer("guild-1", 50*time.Millisecond)

	p.Play(conn, track.Track{ID: "vid", Title: "T"}, silenceResult(4))

	events := collectUntil(t, p, EventFinish, 3*time.Second)

	var sawPlaying bool
	for _, ev := range events {
		if ev.Type == EventStateChange && ev.State == PlayerPlaying {
			sawPlaying = true
		}
		assert.NotEqual(t, EventError, ev.Type, "clean stream must not error")
	}
	assert.True(t, sawPlaying)
	assert.Equal(t, PlayerIdle, p.State())
	assert.Nil(t, p.CurrentTrack())
	assert.NotEmpty(t, conn.opus, "frames were delivered")
}

func TestPlayerStreamErrorEmitsErrorThenFinishAfterGrace(t *testing.T) {
	conn := newFakeConn(64)
	p := NewPlayer("guild-1", 80*time.Millisecond)

	cause := errors.New("capture stream reset")
	res := &playback.Result{
		Method: playback.MethodRelay,
		Stream: io.NopCloser(&errAfterReader{
			r:   bytes.NewReader(make([]byte, frameSize*channels*2)),
			err: cause,
		}),
	}

	p.Play(conn, track.Track{ID: "vid", Title: "T"}, res)

	events := collectUntil(t, p, EventFinish, 3*time.Second)

	var errAt, finishAt int = -1, -1
	for n, ev := range events {
		switch ev.Type {
		case EventError:
			errAt = n
			assert.ErrorIs(t, ev.Err, cause)
		case EventFinish:
			finishAt = n
		}
	}
	require.GreaterOrEqual(t, errAt, 0, "stream error must be surfaced")
	assert.Greater(t, finishAt, errAt, "finish follows the error after the grace delay")
	assert.Equal(t, PlayerIdle, p.State())
}

func TestPlayerAutoPausesOnBackpressure(t *testing.T) {
	conn := newFakeConn(0) // nobody consumes: first send hits backpressure
	p := NewPlayer("guild-1", 50*time.Millisecond)

	p.Play(conn, track.Track{ID: "vid", Title: "T"}, silenceResult(2))

	require.Eventually(t, func() bool {
		return p.State() == PlayerAutoPaused
	}, 3*time.Second, 20*time.Millisecond)

	// Draining the transport resumes delivery and the track runs out.
	go func() {
		for range conn.opus {
		}
	}()
	collectUntil(t, p, EventFinish, 3*time.Second)
	assert.Equal(t, PlayerIdle, p.State())
}

func TestPauseResumeValidation(t *testing.T) {
	p := NewPlayer("guild-1", 50*time.Millisecond)

	assert.Error(t, p.Pause(), "pausing an idle player fails")
	assert.Error(t, p.Resume(), "resuming a non-paused player fails")
}

func TestStopWithoutPlaybackIsNoop(t *testing.T) {
	p := NewPlayer("guild-1", 50*time.Millisecond)
	p.Stop()
	assert.Equal(t, PlayerIdle, p.State())
}

func TestStopInterruptsPlayback(t *testing.T) {
	conn := newFakeConn(0) // stall delivery so the track cannot finish
	p := NewPlayer("guild-1", 50*time.Millisecond)

	p.Play(conn, track.Track{ID: "vid", Title: "T"}, silenceResult(50))
	require.Eventually(t, func() bool {
		return p.State() != PlayerIdle
	}, time.Second, 10*time.Millisecond)

	p.Stop()
	assert.Equal(t, PlayerIdle, p.State())
	assert.Nil(t, p.CurrentTrack())
}
