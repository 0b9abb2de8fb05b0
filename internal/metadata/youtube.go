// /internal/metadata/youtube.go
package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/kkdai/youtube/v2"

	"nekobeat/internal/track"
)

var (
	watchURLPattern = regexp.MustCompile(`"url":"/watch\?v=([a-zA-Z0-9_-]{11})`)
	videoIDPattern  = regexp.MustCompile(`(?:v=|youtu\.be/|/shorts/)([a-zA-Z0-9_-]{11})`)

	ErrNoVideoMatch  = errors.New("no video found for the given query")
	ErrEmptyPlaylist = errors.New("no video URLs found in the playlist")
)

// Service resolves queries, watch URLs and playlists into Tracks. Results
// are treated as opaque track sources by the playback core.
type Service struct {
	baseURL string
	http    *http.Client
	yt      *youtube.Client
}

func NewService() *Service {
	return &Service{
		baseURL: "https://www.youtube.com",
		http:    &http.Client{Timeout: 10 * time.Second},
		yt:      &youtube.Client{},
	}
}

// Resolve turns a user query (plain text, watch URL or playlist URL) into
// an ordered list of tracks.
func (s *Service) Resolve(ctx context.Context, input, requestedBy string) ([]track.Track, error) {
	if ids := videoIDPattern.FindStringSubmatch(input); len(ids) > 1 {
		t, err := s.lookup(ctx, ids[1], requestedBy)
		if err != nil {
			return nil, err
		}
		return []track.Track{t}, nil
	}

	id, err := s.searchFirstVideoID(ctx, input)
	if err != nil {
		return nil, err
	}
	t, err := s.lookup(ctx, id, requestedBy)
	if err != nil {
		return nil, err
	}
	return []track.Track{t}, nil
}

// ResolvePlaylist expands a playlist page into its watch URLs and looks
// each one up.
func (s *Service) ResolvePlaylist(ctx context.Context, playlistURL, requestedBy string) ([]track.Track, error) {
	ids, err := s.extractPlaylistVideoIDs(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	var tracks []track.Track
	for _, id := range ids {
		t, err := s.lookup(ctx, id, requestedBy)
		if err != nil {
			continue // skip unavailable entries, keep the rest
		}
		tracks = append(tracks, t)
	}
	if len(tracks) == 0 {
		return nil, ErrEmptyPlaylist
	}
	return tracks, nil
}

func (s *Service) lookup(ctx context.Context, videoID, requestedBy string) (track.Track, error) {
	video, err := s.yt.GetVideoContext(ctx, videoID)
	if err != nil {
		return track.Track{}, fmt.Errorf("video lookup failed for %s: %w", videoID, err)
	}

	t := track.Track{
		ID:          video.ID,
		Title:       video.Title,
		SourceURL:   "https://www.youtube.com/watch?v=" + video.ID,
		Duration:    video.Duration,
		RequestedBy: requestedBy,
	}
	if len(video.Thumbnails) > 0 {
		t.ThumbnailURL = video.Thumbnails[0].URL
	}
	return t, nil
}

// searchFirstVideoID scrapes the results page for the first watch link.
func (s *Service) searchFirstVideoID(ctx context.Context, query string) (string, error) {
	searchURL := fmt.Sprintf("%s/results?search_query=%s", s.baseURL, url.QueryEscape(query))

	body, err := s.fetch(ctx, searchURL)
	if err != nil {
		return "", err
	}

	matches := watchURLPattern.FindStringSubmatch(string(body))
	if len(matches) > 1 {
		return matches[1], nil
	}
	return "", ErrNoVideoMatch
}

func (s *Service) extractPlaylistVideoIDs(ctx context.Context, playlistURL string) ([]string, error) {
	body, err := s.fetch(ctx, playlistURL)
	if err != nil {
		return nil, err
	}

	matches := watchURLPattern.FindAllStringSubmatch(string(body), -1)
	seen := make(map[string]struct{}, len(matches))
	var ids []string
	for _, m := range matches {
		if len(m) > 1 {
			if _, exists := seen[m[1]]; !exists {
				seen[m[1]] = struct{}{}
				ids = append(ids, m[1])
			}
		}
	}
	if len(ids) == 0 {
		return nil, ErrEmptyPlaylist
	}
	return ids, nil
}

func (s *Service) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("YouTube fetch failed with status code %v", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
