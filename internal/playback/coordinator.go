// /internal/playback/coordinator.go
package playback

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nekobeat/internal/extract"
	"nekobeat/internal/logger"
	"nekobeat/internal/store"
	"nekobeat/internal/track"
)

// Method records which path produced a stream.
type Method string

const (
	MethodDirect Method = "direct"
	MethodRelay  Method = "neko"
)

// ErrNoPlaybackMethod means both direct extraction and the relay fallback
// failed for a track.
var ErrNoPlaybackMethod = errors.New("no playback method available")

// failureThreshold: counts strictly above this open the circuit and skip
// direct extraction until the record expires.
const failureThreshold = 2

// Extractor opens a direct PCM stream for a track.
type Extractor interface {
	Open(ctx context.Context, t track.Track) (io.ReadCloser, func(), error)
}

// Relay plays a video through a remote browser instance and captures its
// audio. Implemented by RelayPlayer.
type Relay interface {
	Play(ctx context.Context, videoID, watchURL string) (io.ReadCloser, func(), error)
}

// Result is a playable stream handed to the session manager. Ownership
// passes to the caller, who must Close it on error or completion.
type Result struct {
	Method Method
	Stream io.ReadCloser

	cleanupOnce sync.Once
	cleanup     func()
}

// Close releases the stream and whatever resources back it (subprocesses
// for direct extraction, the relay lease and capture session for relay).
func (r *Result) Close() error {
	err := r.Stream.Close()
	r.cleanupOnce.Do(func() {
		if r.cleanup != nil {
			r.cleanup()
		}
	})
	return err
}

// Coordinator picks the playback strategy per video: direct extraction
// first, browser relay when the video is sticky-forced or its failure
// circuit is open, and relay fallback when extraction hits a bot wall.
type Coordinator struct {
	extractor Extractor
	relay     Relay
	failures  *FailureTracker
	store     *store.Store
	log       zerolog.Logger
}

func NewCoordinator(extractor Extractor, relay Relay, failures *FailureTracker, st *store.Store) *Coordinator {
	return &Coordinator{
		extractor: extractor,
		relay:     relay,
		failures:  failures,
		store:     st,
		log:       logger.With("playback"),
	}
}

// AttemptPlayback resolves a playable stream for the track.
//
// Bot-detection failures are scoped to the video: they bump its failure
// count and fall through to the relay. Any other extraction error
// propagates unchanged so the caller sees the real cause.
func (c *Coordinator) AttemptPlayback(ctx context.Context, t track.Track) (*Result, error) {
	log := c.log.With().Str("attempt", uuid.NewString()).Str("video", t.ID).Logger()

	if c.failures.IsForcedRelay(t.ID) {
		log.Info().Msg("Video is sticky-forced to relay")
		return c.viaRelay(ctx, t, log)
	}
	if count := c.failures.Count(t.ID); count > failureThreshold {
		log.Info().Int("failures", count).Msg("Failure circuit open, skipping direct extraction")
		return c.viaRelay(ctx, t, log)
	}

	stream, cleanup, err := c.extractor.Open(ctx, t)
	if err == nil {
		c.failures.Clear(t.ID)
		c.store.RecordDirectVideo(t.ID)
		c.store.AppendVideoHistory(t.ID, t.Title)
		log.Info().Str("method", string(MethodDirect)).Msg("Stream resolved")
		return &Result{Method: MethodDirect, Stream: stream, cleanup: cleanup}, nil
	}

	err = extract.Classify(err)
	if !extract.IsBotDetection(err) {
		return nil, err
	}

	count := c.failures.Increment(t.ID)
	log.Warn().Int("failures", count).Msg("Bot detection classified, falling back to relay")
	return c.viaRelay(ctx, t, log)
}

func (c *Coordinator) viaRelay(ctx context.Context, t track.Track, log zerolog.Logger) (*Result, error) {
	stream, cleanup, err := c.relay.Play(ctx, t.ID, t.WatchURL())
	if err != nil {
		return nil, errors.Join(ErrNoPlaybackMethod, err)
	}

	c.store.RecordRelayVideo(t.ID)
	c.store.AppendVideoHistory(t.ID, t.Title)
	log.Info().Str("method", string(MethodRelay)).Msg("Stream resolved")
	return &Result{Method: MethodRelay, Stream: stream, cleanup: cleanup}, nil
}
