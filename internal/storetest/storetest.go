// internal/storetest/storetest.go

// Package storetest — in-memory реализация redisstore.Store для тестов.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/YaganovValera/market-data-relay/pkg/redisstore"
)

type entry struct {
	value     []byte
	expiresAt time.Time // zero → без TTL
}

// MemStore — потокобезопасное хранилище в памяти с поддержкой TTL,
// pub/sub и glob-шаблонов ScanKeys.
type MemStore struct {
	mu     sync.Mutex
	data   map[string]entry
	subs   map[string][]chan []byte
	closed bool
}

var _ redisstore.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		data: make(map[string]entry),
		subs: make(map[string][]chan []byte),
	}
}

func (s *MemStore) get(key string) ([]byte, bool) {
	e, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(s.data, key)
		return nil, false
	}
	return e.value, true
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.get(key)
	if !ok {
		return nil, redisstore.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
	return nil
}

func (s *MemStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.get(key); ok {
		return false, nil
	}
	s.put(key, value, ttl)
	return true, nil
}

func (s *MemStore) put(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.data[key] = e
}

func (s *MemStore) MGet(_ context.Context, keys []string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		if v, ok := s.get(k); ok {
			out[k] = append([]byte(nil), v...)
		}
	}
	return out, nil
}

func (s *MemStore) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if _, ok := s.get(k); !ok {
			continue
		}
		if matchGlob(pattern, k) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// matchGlob повторяет redis-семантику шаблонов: `*` покрывает любые
// символы, включая `/` (path.Match здесь не годится).
func matchGlob(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if matchGlob(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if s == "" {
				return false
			}
		default:
			if s == "" || s[0] != pattern[0] {
				return false
			}
		}
		pattern, s = pattern[1:], s[1:]
	}
	return s == ""
}

func (s *MemStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 64)
	s.subs[channel] = append(s.subs[channel], ch)

	var once sync.Once
	cancel := func() error {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.subs[channel]
			for i, c := range list {
				if c == ch {
					s.subs[channel] = append(list[:i], list[i+1:]...)
					break
				}
			}
			close(ch)
		})
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = cancel()
	}()
	return ch, cancel, nil
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
