package users

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// MemoryRepository keeps users in insertion order. With a state file every
// mutation is written through, including the id counter, so ids survive
// restarts without being reused.
type MemoryRepository struct {
	stateFile string

	mu     sync.RWMutex
	nextID int64
	users  []User
	index  map[int64]int
}

type memoryState struct {
	NextID int64  `json:"next_id"`
	Users  []User `json:"users"`
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		nextID: 1,
		index:  make(map[int64]int),
	}
}

func NewMemoryRepositoryWithFile(stateFile string) (*MemoryRepository, error) {
	r := NewMemoryRepository()
	r.stateFile = strings.TrimSpace(stateFile)
	if r.stateFile == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := r.loadState(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *MemoryRepository) Insert(_ context.Context, u User) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u.ID = r.nextID
	r.nextID++
	r.users = append(r.users, u)
	r.index[u.ID] = len(r.users) - 1
	if err := r.persistLocked(); err != nil {
		r.nextID--
		r.users = r.users[:len(r.users)-1]
		delete(r.index, u.ID)
		return User{}, err
	}
	return u, nil
}

func (r *MemoryRepository) All(_ context.Context) ([]User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append(make([]User, 0, len(r.users)), r.users...), nil
}

func (r *MemoryRepository) Get(_ context.Context, id int64) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return r.users[i], nil
}

func (r *MemoryRepository) Replace(_ context.Context, u User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[u.ID]
	if !ok {
		return ErrNotFound
	}
	prev := r.users
	r.users = append([]User(nil), r.users...)
	r.users[i] = u
	if err := r.persistLocked(); err != nil {
		r.users = prev
		return err
	}
	return nil
}

func (r *MemoryRepository) Remove(_ context.Context, id int64) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.index[id]
	if !ok {
		return User{}, ErrNotFound
	}
	prev := r.users
	removed := r.users[i]
	next := make([]User, 0, len(r.users)-1)
	next = append(next, r.users[:i]...)
	r.users = append(next, r.users[i+1:]...)
	r.reindexLocked()
	if err := r.persistLocked(); err != nil {
		r.users = prev
		r.reindexLocked()
		return User{}, err
	}
	return removed, nil
}

func (r *MemoryRepository) Truncate(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = nil
	r.nextID = 1
	r.reindexLocked()
	return r.persistLocked()
}

func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) reindexLocked() {
	r.index = make(map[int64]int, len(r.users))
	for i, u := range r.users {
		r.index[u.ID] = i
	}
}

func (r *MemoryRepository) loadState() error {
	b, err := os.ReadFile(r.stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read user state: %w", err)
	}
	if len(b) == 0 {
		return nil
	}
	var decoded memoryState
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fmt.Errorf("decode user state: %w", err)
	}
	for _, u := range decoded.Users {
		if u.ID <= 0 {
			continue
		}
		r.users = append(r.users, u)
		if u.ID >= decoded.NextID {
			decoded.NextID = u.ID + 1
		}
	}
	if decoded.NextID > r.nextID {
		r.nextID = decoded.NextID
	}
	r.reindexLocked()
	return nil
}

func (r *MemoryRepository) persistLocked() error {
	if r.stateFile == "" {
		return nil
	}
	b, err := json.MarshalIndent(memoryState{NextID: r.nextID, Users: r.users}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode user state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.stateFile), 0o755); err != nil {
		return fmt.Errorf("mkdir user state dir: %w", err)
	}
	if err := os.WriteFile(r.stateFile, b, 0o644); err != nil {
		return fmt.Errorf("write user state: %w", err)
	}
	return nil
}
