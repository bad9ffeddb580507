// Package jobstore persists pending entry jobs as one JSON document keyed by
// job id, so a restarted process can resume them.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"esclbot/internal/storage/atomicfile"

	"golang.org/x/sync/singleflight"
)

// ErrMalformed marks a job file or record that failed validation.
// A single bad record fails the whole load.
var ErrMalformed = errors.New("jobstore: malformed job file")

// Store is safe for concurrent use. Mutations are serialized through a FIFO
// lock and persisted before they become visible to readers.
type Store struct {
	path string

	sf   singleflight.Group
	lock *atomicfile.Lock

	mu      sync.RWMutex
	loaded  bool
	records map[string]Record
}

func New(path string) *Store {
	return &Store{
		path:    path,
		lock:    atomicfile.NewLock(),
		records: map[string]Record{},
	}
}

func (s *Store) Path() string { return s.path }

// Load reads the file once. A missing file is an empty store. A malformed
// file is returned as an error wrapping ErrMalformed and the store stays
// unloaded, so every later call reports the same error instead of
// overwriting the file.
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

		records, err := readFile(s.path)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.records = records
		s.loaded = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// List returns every record ordered by RunAt, then CreatedAt, then JobID.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRecords(s.records), nil
}

func (s *Store) Get(ctx context.Context, jobID string) (Record, bool, error) {
	if err := s.Load(ctx); err != nil {
		return Record{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[jobID]
	return r.clone(), ok, nil
}

// Save upserts rec.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if err := s.Load(ctx); err != nil {
		return err
	}
	rec = rec.clone()
	return s.lock.Do(ctx, func() error {
		s.mu.RLock()
		next := make(map[string]Record, len(s.records)+1)
		for k, v := range s.records {
			next[k] = v
		}
		s.mu.RUnlock()
		next[rec.JobID] = rec
		return s.commitLocked(next)
	})
}

// Remove deletes jobID. Removing an unknown id is a no-op.
func (s *Store) Remove(ctx context.Context, jobID string) error {
	if err := s.Load(ctx); err != nil {
		return err
	}
	return s.lock.Do(ctx, func() error {
		s.mu.RLock()
		if _, ok := s.records[jobID]; !ok {
			s.mu.RUnlock()
			return nil
		}
		next := make(map[string]Record, len(s.records))
		for k, v := range s.records {
			if k != jobID {
				next[k] = v
			}
		}
		s.mu.RUnlock()
		return s.commitLocked(next)
	})
}

// commitLocked writes next to disk and then swaps it in. Caller holds s.lock.
func (s *Store) commitLocked(next map[string]Record) error {
	doc := make(map[string]wireRecord, len(next))
	for id, r := range next {
		doc[id] = r.toWire()
	}
	if err := atomicfile.WriteJSON(s.path, doc, 0o600); err != nil {
		return fmt.Errorf("jobstore: write %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.records = next
	s.mu.Unlock()
	return nil
}

func readFile(path string) (map[string]Record, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]Record{}, nil
		}
		return nil, fmt.Errorf("jobstore: read %s: %w", path, err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s is not a JSON object: %v", ErrMalformed, path, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s is not a JSON object", ErrMalformed, path)
	}

	out := make(map[string]Record, len(raw))
	for key, msg := range raw {
		rec, err := decodeRecord(key, msg)
		if err != nil {
			return nil, err
		}
		out[rec.JobID] = rec
	}
	return out, nil
}

func sortedRecords(m map[string]Record) []Record {
	out := make([]Record, 0, len(m))
	for _, r := range m {
		out = append(out, r.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.JobID < b.JobID
	})
	return out
}
