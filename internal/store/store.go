// /internal/store/store.go
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/keshon/datastore"

	"nekobeat/internal/logger"
)

const (
	keyVideosDirect = "videos:direct"
	keyVideosNeko   = "videos:neko"
	keyVideoHistory = "video:history"
)

// Store is the durable key-value collaborator. It wraps the JSON-file
// datastore with optional per-key expiry, hash fields and string sets so
// failure counts, relay cookies and statistics survive process restarts.
type Store struct {
	ds *datastore.DataStore
}

// entry is the on-disk shape of every key. A nil ExpiresAt never expires.
type entry struct {
	Value     any        `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New opens the datastore file. The context bounds the store's background
// autosave lifecycle.
func New(ctx context.Context, filePath string) (*Store, error) {
	ds, err := datastore.New(ctx, filePath)
	if err != nil {
		return nil, err
	}
	return &Store{ds: ds}, nil
}

func (s *Store) Close() error {
	return s.ds.Close()
}

// Set stores value under key. A zero ttl means the key never expires.
func (s *Store) Set(key string, value any, ttl time.Duration) error {
	e := entry{Value: value}
	if ttl > 0 {
		exp := time.Now().Add(ttl)
		e.ExpiresAt = &exp
	}
	return s.ds.Set(key, e)
}

// Get reads key into out (a pointer). Returns false when the key is absent
// or expired; expired keys are removed on read.
func (s *Store) Get(key string, out any) (bool, error) {
	var e entry
	found, err := s.ds.Get(key, &e)
	if err != nil {
		return false, fmt.Errorf("corrupt entry for key %q: %w", key, err)
	}
	if !found {
		return false, nil
	}

	if e.ExpiresAt != nil && time.Now().After(*e.ExpiresAt) {
		s.ds.Delete(key)
		return false, nil
	}

	if out != nil {
		jsonData, err := json.Marshal(e.Value)
		if err != nil {
			return false, fmt.Errorf("error marshalling value for key %q: %w", key, err)
		}
		if err := json.Unmarshal(jsonData, out); err != nil {
			return false, fmt.Errorf("error unmarshalling value for key %q: %w", key, err)
		}
	}
	return true, nil
}

// Del removes a key.
func (s *Store) Del(key string) {
	s.ds.Delete(key)
}

// HSet sets one field of the hash stored at key.
func (s *Store) HSet(key, field, value string) error {
	h, err := s.hash(key)
	if err != nil {
		return err
	}
	h[field] = value
	return s.Set(key, h, 0)
}

// HGet reads one field of the hash stored at key.
func (s *Store) HGet(key, field string) (string, bool, error) {
	h, err := s.hash(key)
	if err != nil {
		return "", false, err
	}
	v, ok := h[field]
	return v, ok, nil
}

// SAdd adds a member to the set stored at key.
func (s *Store) SAdd(key, member string) error {
	members, err := s.SMembers(key)
	if err != nil {
		return err
	}
	if slices.Contains(members, member) {
		return nil
	}
	return s.Set(key, append(members, member), 0)
}

// SMembers returns every member of the set stored at key.
func (s *Store) SMembers(key string) ([]string, error) {
	var members []string
	if _, err := s.Get(key, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// RecordDirectVideo marks a video as served by direct extraction.
func (s *Store) RecordDirectVideo(videoID string) error {
	return s.SAdd(keyVideosDirect, videoID)
}

// RecordRelayVideo marks a video as served through the browser relay.
func (s *Store) RecordRelayVideo(videoID string) error {
	return s.SAdd(keyVideosNeko, videoID)
}

// AppendVideoHistory records a played video's title for later inspection.
func (s *Store) AppendVideoHistory(videoID, title string) error {
	return s.HSet(keyVideoHistory, videoID, title)
}

// RunExpirySweeper deletes expired keys every minute until ctx is done.
// Call from main or app lifecycle.
func RunExpirySweeper(ctx context.Context, s *Store) {
	log := logger.With("store")
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepExpired(); err != nil {
				log.Error().Err(err).Msg("Error sweeping expired keys")
			}
		}
	}
}

// sweepExpired touches every key; Get performs the expiry check and the
// deletion, so the walk is enough to evict the stale ones.
func (s *Store) sweepExpired() error {
	for _, key := range s.ds.Keys() {
		if _, err := s.Get(key, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) hash(key string) (map[string]string, error) {
	h := map[string]string{}
	if _, err := s.Get(key, &h); err != nil {
		return nil, err
	}
	if h == nil {
		h = map[string]string{}
	}
	return h, nil
}
