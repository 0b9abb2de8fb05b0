// /internal/extract/extract.go
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"

	"github.com/kkdai/youtube/v2"

	"nekobeat/internal/logger"
	"nekobeat/internal/track"
)

const (
	channels   = 2
	sampleRate = 48000
)

// Extractor opens a 48kHz s16le stereo PCM stream for a track by direct
// media extraction. The primary extractor resolves a stream URL through
// the YouTube innertube API; when it fails, a yt-dlp pipe is tried before
// giving up.
type Extractor struct {
	yt *youtube.Client
}

func New() *Extractor {
	return &Extractor{yt: &youtube.Client{}}
}

// Open returns the PCM stream and a cleanup func that must be called when
// playback ends. Both extractor errors are joined so the caller can
// classify the failure.
func (e *Extractor) Open(ctx context.Context, t track.Track) (io.ReadCloser, func(), error) {
	log := logger.With("extract")

	stream, cleanup, primaryErr := e.openPrimary(ctx, t)
	if primaryErr == nil {
		return stream, cleanup, nil
	}
	log.Warn().Err(primaryErr).Str("video", t.ID).Msg("Primary extractor failed, trying yt-dlp")

	stream, cleanup, secondaryErr := e.openSecondary(ctx, t)
	if secondaryErr == nil {
		return stream, cleanup, nil
	}

	return nil, nil, fmt.Errorf("all extractors failed for %s: %w", t.ID, errors.Join(primaryErr, secondaryErr))
}

// openPrimary resolves an audio format URL and feeds it to ffmpeg.
func (e *Extractor) openPrimary(ctx context.Context, t track.Track) (io.ReadCloser, func(), error) {
	video, err := e.yt.GetVideoContext(ctx, t.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("youtube client error: %w", err)
	}

	formats := video.Formats.WithAudioChannels()
	if len(formats) == 0 {
		return nil, nil, errors.New("no audio formats found for video")
	}

	link, err := e.yt.GetStreamURLContext(ctx, video, &formats[0])
	if err != nil {
		return nil, nil, fmt.Errorf("get stream URL error: %w", err)
	}

	ffmpeg := exec.CommandContext(ctx, "ffmpeg",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", link,
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-loglevel", "warning",
		"pipe:1",
	)

	reader, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe error: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, nil, fmt.Errorf("ffmpeg start error: %w", err)
	}

	cleanup := func() {
		ffmpeg.Process.Kill()
	}
	return reader, cleanup, nil
}

// openSecondary pipes yt-dlp's bestaudio output through ffmpeg.
func (e *Extractor) openSecondary(ctx context.Context, t track.Track) (io.ReadCloser, func(), error) {
	ytdlp := exec.CommandContext(ctx, "yt-dlp", "-o", "-", "-f", "bestaudio", t.WatchURL())
	ffmpeg := exec.CommandContext(ctx, "ffmpeg",
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", fmt.Sprintf("%d", channels),
		"-loglevel", "warning",
		"pipe:1",
	)

	ffmpegIn, err := ytdlp.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("yt-dlp stdout pipe error: %w", err)
	}
	ffmpeg.Stdin = ffmpegIn

	reader, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("ffmpeg stdout pipe error: %w", err)
	}

	if err := ytdlp.Start(); err != nil {
		return nil, nil, fmt.Errorf("yt-dlp start error: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		ytdlp.Process.Kill()
		return nil, nil, fmt.Errorf("ffmpeg start error: %w", err)
	}

	cleanup := func() {
		ffmpeg.Process.Kill()
		ytdlp.Process.Kill()
	}
	return reader, cleanup, nil
}
