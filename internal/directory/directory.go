// Package directory maps room codes to the transport address of the host
// that owns them.
package directory

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrTaken    = errors.New("directory: room code already registered")
	ErrNotFound = errors.New("directory: room not found")
)

type Directory interface {
	Register(ctx context.Context, code, addr string) error
	Resolve(ctx context.Context, code string) (string, error)
	Unregister(ctx context.Context, code string) error
}

// Memory is an in-process Directory.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]string
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]string)}
}

func (m *Memory) Register(_ context.Context, code, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rooms[code]; exists {
		return ErrTaken
	}
	m.rooms[code] = addr
	return nil
}

func (m *Memory) Resolve(_ context.Context, code string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addr, ok := m.rooms[code]
	if !ok {
		return "", ErrNotFound
	}
	return addr, nil
}

func (m *Memory) Unregister(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[code]; !ok {
		return ErrNotFound
	}
	delete(m.rooms, code)
	return nil
}

// Len reports the number of registered rooms.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
