// Package teamstore keeps the legacy user id -> team id table used when a
// user has no registered account. The file is a flat plaintext JSON object.
package teamstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"esclbot/internal/storage/atomicfile"

	"golang.org/x/sync/singleflight"
)

var ErrMalformed = errors.New("teamstore: malformed team file")

type Store struct {
	path          string
	defaultTeamID int64

	sf   singleflight.Group
	lock *atomicfile.Lock

	mu      sync.RWMutex
	loaded  bool
	entries map[string]int64
}

// New returns a store backed by path. defaultTeamID (0 for none) is
// returned for users without an entry.
func New(path string, defaultTeamID int64) *Store {
	return &Store{
		path:          path,
		defaultTeamID: defaultTeamID,
		lock:          atomicfile.NewLock(),
		entries:       map[string]int64{},
	}
}

func (s *Store) Load(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err, _ := s.sf.Do("load", func() (any, error) {
		s.mu.RLock()
		done := s.loaded
		s.mu.RUnlock()
		if done {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entries, err := readFile(s.path)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.entries = entries
		s.loaded = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// Resolve returns the user's team id. fromStore is false when the default
// was used; teamID is 0 when neither exists.
func (s *Store) Resolve(ctx context.Context, userID string) (teamID int64, fromStore bool, err error) {
	if err := s.Load(ctx); err != nil {
		return 0, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.entries[userID]; ok {
		return v, true, nil
	}
	return s.defaultTeamID, false, nil
}

// Get returns the user's team id or the default; ok is false when neither
// is set.
func (s *Store) Get(ctx context.Context, userID string) (int64, bool, error) {
	v, _, err := s.Resolve(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	return v, v > 0, nil
}

func (s *Store) Set(ctx context.Context, userID string, teamID int64) error {
	if teamID <= 0 {
		return fmt.Errorf("teamstore: team id must be a positive integer")
	}
	if err := s.Load(ctx); err != nil {
		return err
	}
	return s.lock.Do(ctx, func() error {
		next := s.snapshot()
		next[userID] = teamID
		return s.commitLocked(next)
	})
}

func (s *Store) Remove(ctx context.Context, userID string) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	return s.lock.Do(ctx, func() error {
		next := s.snapshot()
		if _, ok := next[userID]; !ok {
			return nil
		}
		delete(next, userID)
		return s.commitLocked(next)
	})
}

// Entry is one row of the table.
type Entry struct {
	UserID string
	TeamID int64
}

// All returns every entry ordered by user id.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for k, v := range s.entries {
		out = append(out, Entry{UserID: k, TeamID: v})
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := make(map[string]int64, len(s.entries)+1)
	for k, v := range s.entries {
		next[k] = v
	}
	return next
}

func (s *Store) commitLocked(next map[string]int64) error {
	if err := atomicfile.WriteJSON(s.path, next, 0o600); err != nil {
		return fmt.Errorf("teamstore: write %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.entries = next
	s.mu.Unlock()
	return nil
}

func readFile(path string) (map[string]int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]int64{}, nil
		}
		return nil, fmt.Errorf("teamstore: read %s: %w", path, err)
	}
	var raw map[string]json.Number
	if err := json.Unmarshal(b, &raw); err != nil || raw == nil {
		return nil, fmt.Errorf("%w: %s must be an object of numbers", ErrMalformed, path)
	}
	out := make(map[string]int64, len(raw))
	for k, n := range raw {
		f, err := n.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, fmt.Errorf("%w: value of %s is not a number", ErrMalformed, k)
		}
		out[k] = int64(math.Trunc(f))
	}
	return out, nil
}
