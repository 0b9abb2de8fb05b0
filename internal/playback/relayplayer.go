// /internal/playback/relayplayer.go
package playback

import (
	"context"
	"fmt"
	"io"

	"nekobeat/internal/relay"
)

// RelayPlayer composes the relay pool and its companion capture endpoint
// into the Relay strategy: lease an instance, drive the video through
// synthetic input, then tap the instance's live audio.
type RelayPlayer struct {
	pool    *relay.Pool
	capture *relay.CaptureClient
}

func NewRelayPlayer(pool *relay.Pool, capture *relay.CaptureClient) *RelayPlayer {
	return &RelayPlayer{pool: pool, capture: capture}
}

// Play returns the captured audio stream and a cleanup that stops the
// capture and returns the instance to the pool.
func (r *RelayPlayer) Play(ctx context.Context, videoID, watchURL string) (io.ReadCloser, func(), error) {
	inst := r.pool.GetHealthyInstance(ctx, videoID)
	if inst == nil {
		return nil, nil, relay.ErrNoHealthyRelay
	}

	if err := inst.PlayVideo(ctx, watchURL); err != nil {
		r.pool.Release(inst)
		return nil, nil, fmt.Errorf("relay playback on %s: %w", inst.ID(), err)
	}

	stream, err := r.capture.Open(ctx, inst.ID())
	if err != nil {
		r.pool.Release(inst)
		return nil, nil, fmt.Errorf("audio capture on %s: %w", inst.ID(), err)
	}

	cleanup := func() {
		r.capture.Stop(context.Background(), inst.ID())
		r.pool.Release(inst)
	}
	return stream, cleanup, nil
}
