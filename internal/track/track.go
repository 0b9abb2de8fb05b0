// /internal/track/track.go
package track

import "time"

// Track is one playable item. Immutable once enqueued.
type Track struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	SourceURL    string        `json:"source_url"`
	Duration     time.Duration `json:"duration"`
	ThumbnailURL string        `json:"thumbnail_url"`
	RequestedBy  string        `json:"requested_by"`
}

// WatchURL returns the canonical watch page for the track, which is what
// the browser relay navigates to.
func (t Track) WatchURL() string {
	if t.SourceURL != "" {
		return t.SourceURL
	}
	return "https://www.youtube.com/watch?v=" + t.ID
}
