// /internal/playback/failures.go
package playback

import (
	"fmt"
	"sync"
	"time"

	"nekobeat/internal/store"
)

const (
	failureTTL       = 1 * time.Hour
	failureKeyPrefix = "failures:"
	forcedRelaySet   = "videos:forced"
)

type failureRecord struct {
	Count     int       `json:"count"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FailureTracker counts bot-detection hits per video. Counts live in an
// in-process cache with a one-hour TTL and are mirrored into the durable
// store so a process restart does not forget recent bans.
type FailureTracker struct {
	mu      sync.Mutex
	records map[string]failureRecord
	store   *store.Store
}

func NewFailureTracker(st *store.Store) *FailureTracker {
	return &FailureTracker{
		records: make(map[string]failureRecord),
		store:   st,
	}
}

// Increment bumps the failure count for a video and returns the new
// value. The TTL slides on every increment.
func (f *FailureTracker) Increment(videoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	rec := f.load(videoID)
	rec.Count++
	rec.ExpiresAt = time.Now().Add(failureTTL)
	f.records[videoID] = rec

	f.store.Set(failureKeyPrefix+videoID, rec, failureTTL)
	return rec.Count
}

// Count returns the current failure count, falling back to the durable
// mirror when the in-process cache has no live entry.
func (f *FailureTracker) Count(videoID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(videoID).Count
}

// Clear removes a video's failure record; called after a fully
// successful direct play so transient blocks recover.
func (f *FailureTracker) Clear(videoID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, videoID)
	f.store.Del(failureKeyPrefix + videoID)
}

// load returns the live record for a video, consulting the durable store
// on cache miss and dropping expired entries.
func (f *FailureTracker) load(videoID string) failureRecord {
	if rec, ok := f.records[videoID]; ok {
		if time.Now().Before(rec.ExpiresAt) {
			return rec
		}
		delete(f.records, videoID)
		return failureRecord{}
	}

	var rec failureRecord
	found, err := f.store.Get(failureKeyPrefix+videoID, &rec)
	if err != nil || !found {
		return failureRecord{}
	}
	if time.Now().After(rec.ExpiresAt) {
		f.store.Del(failureKeyPrefix + videoID)
		return failureRecord{}
	}
	f.records[videoID] = rec
	return rec
}

// ForceRelay sticky-flags a video so direct extraction is skipped for it
// regardless of failure count.
func (f *FailureTracker) ForceRelay(videoID string) error {
	if err := f.store.SAdd(forcedRelaySet, videoID); err != nil {
		return fmt.Errorf("persist forced-relay flag: %w", err)
	}
	return nil
}

// IsForcedRelay reports whether the video carries the sticky relay flag.
func (f *FailureTracker) IsForcedRelay(videoID string) bool {
	members, err := f.store.SMembers(forcedRelaySet)
	if err != nil {
		return false
	}
	for _, m := range members {
		if m == videoID {
			return true
		}
	}
	return false
}
