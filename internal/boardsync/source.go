package boardsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// BoardContents is the authoritative content of a board, items in rank order.
type BoardContents struct {
	Items []Item `json:"items"`
}

// Source is the system of record a board is rebuilt from.
type Source interface {
	LoadBoard(ctx context.Context, cfg BoardConfig) (BoardContents, error)
}

// ItemResolver looks up the current state of one item in the system of
// record.
type ItemResolver interface {
	ResolveItem(ctx context.Context, key string) (Item, error)
}

type sourceCloser interface {
	Close() error
}

// CloseSource releases src if it holds resources.
func CloseSource(src Source) error {
	if closer, ok := src.(sourceCloser); ok {
		return closer.Close()
	}
	return nil
}

// MemorySource keeps items in rank order in memory.
type MemorySource struct {
	mu    sync.RWMutex
	items map[string]Item
	rank  []string
}

func NewMemorySource(items ...Item) *MemorySource {
	s := &MemorySource{items: map[string]Item{}}
	for _, item := range items {
		s.Put(item)
	}
	return s
}

// Put inserts or replaces item. New items are ranked last.
func (s *MemorySource) Put(item Item) {
	item = item.clone()
	item.Key = strings.TrimSpace(item.Key)
	if item.Key == "" {
		return
	}
	item.Project = ProjectCode(item.Key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.Key]; !ok {
		s.rank = append(s.rank, item.Key)
	}
	s.items[item.Key] = item
}

func (s *MemorySource) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	for i, k := range s.rank {
		if k == key {
			s.rank = append(s.rank[:i:i], s.rank[i+1:]...)
			break
		}
	}
}

// SetRank replaces the global rank order. Keys missing from order keep their
// relative order after the listed ones.
func (s *MemorySource) SetRank(order []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]struct{}{}
	rank := make([]string, 0, len(s.rank))
	for _, key := range order {
		if _, ok := s.items[key]; !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rank = append(rank, key)
	}
	for _, key := range s.rank {
		if _, ok := seen[key]; !ok {
			rank = append(rank, key)
		}
	}
	s.rank = rank
}

func (s *MemorySource) LoadBoard(ctx context.Context, cfg BoardConfig) (BoardContents, error) {
	if err := ctx.Err(); err != nil {
		return BoardContents{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := BoardContents{Items: make([]Item, 0, len(s.rank))}
	for _, key := range s.rank {
		item := s.items[key]
		if cfg.HasProject(item.Project) {
			out.Items = append(out.Items, item.clone())
		}
	}
	return out, nil
}

func (s *MemorySource) ResolveItem(ctx context.Context, key string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[strings.TrimSpace(key)]
	if !ok {
		return Item{}, fmt.Errorf("%w: item %s", ErrNotFound, key)
	}
	return item.clone(), nil
}
