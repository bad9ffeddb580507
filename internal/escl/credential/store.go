package credential

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"esclbot/internal/storage/atomicfile"

	"golang.org/x/sync/singleflight"
)

type Option func(*Store)

// WithClock overrides the time source used to stamp meta.updatedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithRandom overrides the nonce source.
func WithRandom(r io.Reader) Option {
	return func(s *Store) {
		if r != nil {
			s.rand = r
		}
	}
}

// Store is the encrypted credential document. Reads return deep copies;
// writes are serialized in arrival order.
type Store struct {
	path string
	now  func() time.Time
	rand io.Reader

	sf   singleflight.Group
	lock *atomicfile.Lock

	mu     sync.RWMutex
	key    []byte
	loaded bool
	state  *State
}

func New(path string, key []byte, opts ...Option) (*Store, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	s := &Store{
		path:  path,
		now:   time.Now,
		rand:  rand.Reader,
		lock:  atomicfile.NewLock(),
		key:   append([]byte(nil), key...),
		state: NewState(),
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Load decrypts the file once. A missing file yields an empty State. A wrong
// key or tampered file returns ErrIntegrity and leaves the store unloaded.
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
		key := s.key
		s.mu.RUnlock()
		if done {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		st, err := readState(s.path, key)
		switch {
		case errors.Is(err, ErrNotFound):
			st = NewState()
		case err != nil:
			return nil, err
		}

		s.mu.Lock()
		s.state = st
		s.loaded = true
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// State returns a deep copy of the current document.
func (s *Store) State(ctx context.Context) (*State, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone(), nil
}

// Update applies mutate to a copy of the state, stamps meta.updatedAt,
// validates, persists and only then commits. If mutate fails or produces an
// invalid document nothing changes on disk or in memory.
func (s *Store) Update(ctx context.Context, mutate func(*State) error) (*State, error) {
	if err := s.Load(ctx); err != nil {
		return nil, err
	}

	var out *State
	err := s.lock.Do(ctx, func() error {
		s.mu.RLock()
		draft := s.state.Clone()
		key := s.key
		s.mu.RUnlock()

		if err := mutate(draft); err != nil {
			return err
		}
		draft.Meta.UpdatedAt = s.now().UTC()
		if err := draft.Validate(); err != nil {
			return err
		}
		if err := s.write(draft, key); err != nil {
			return err
		}

		s.mu.Lock()
		s.state = draft
		s.mu.Unlock()
		out = draft.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rotate re-encrypts the file under newKey. The file must decrypt under
// oldKey. Until the new file is renamed into place the old one stays intact
// and readable by oldKey.
func (s *Store) Rotate(ctx context.Context, oldKey, newKey []byte) error {
	if err := checkKey(oldKey); err != nil {
		return fmt.Errorf("old key: %w", err)
	}
	if err := checkKey(newKey); err != nil {
		return fmt.Errorf("new key: %w", err)
	}

	return s.lock.Do(ctx, func() error {
		st, err := readState(s.path, oldKey)
		if err != nil {
			return err
		}
		if err := s.write(st, newKey); err != nil {
			return err
		}

		s.mu.Lock()
		s.key = append([]byte(nil), newKey...)
		s.state = st
		s.loaded = true
		s.mu.Unlock()
		return nil
	})
}

// RotateFile rotates the key of the credential file at path without a
// running bot.
func RotateFile(ctx context.Context, path string, oldKey, newKey []byte) error {
	s, err := New(path, oldKey)
	if err != nil {
		return fmt.Errorf("old key: %w", err)
	}
	return s.Rotate(ctx, oldKey, newKey)
}

func (s *Store) write(st *State, key []byte) error {
	b, err := seal(st, key, s.rand)
	if err != nil {
		return err
	}
	if err := atomicfile.Write(s.path, b, 0o600); err != nil {
		return fmt.Errorf("credential: write %s: %w", s.path, err)
	}
	return nil
}

func readState(path string, key []byte) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("credential: read %s: %w", path, err)
	}
	return open(raw, key)
}
