package ratelimit

import (
	"context"
	"sync"
	"time"
)

// pruneThreshold を超えるキーを保持している場合、期限切れのカウンタを掃除する。
const pruneThreshold = 10000

// MemoryStore はプロセス内のマップでカウンタを保持するStore。
type MemoryStore struct {
	mu        sync.Mutex
	windows   map[string]*Window
	lastPrune time.Time
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window)}
}

// Increment はキーのカウンタを1つ進める。
func (s *MemoryStore) Increment(_ context.Context, key string, now time.Time, window time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.windows) > pruneThreshold && now.Sub(s.lastPrune) >= window {
		s.prune(now, window)
	}

	w, ok := s.windows[key]
	if !ok || now.Sub(w.Start) >= window {
		w = &Window{Start: now}
		s.windows[key] = w
	}
	w.Count++
	return *w, nil
}

// Len は保持しているキーの数を返す。
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// prune は期限切れのカウンタを削除する。呼び出し側でロックを保持すること。
func (s *MemoryStore) prune(now time.Time, window time.Duration) {
	for key, w := range s.windows {
		if now.Sub(w.Start) >= window {
			delete(s.windows, key)
		}
	}
	s.lastPrune = now
}
