package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// JSONFileSource reads board contents from a JSON document holding every
// tracked item in rank order. The file is re-read on each load.
type JSONFileSource struct {
	Path string
}

func NewJSONFileSource(path string) *JSONFileSource {
	return &JSONFileSource{Path: strings.TrimSpace(path)}
}

func (s *JSONFileSource) LoadBoard(ctx context.Context, cfg BoardConfig) (BoardContents, error) {
	all, err := s.load(ctx)
	if err != nil {
		return BoardContents{}, err
	}
	out := BoardContents{Items: make([]Item, 0, len(all.Items))}
	for _, item := range all.Items {
		if cfg.HasProject(ProjectCode(item.Key)) {
			out.Items = append(out.Items, item)
		}
	}
	return out, nil
}

func (s *JSONFileSource) ResolveItem(ctx context.Context, key string) (Item, error) {
	all, err := s.load(ctx)
	if err != nil {
		return Item{}, err
	}
	key = strings.TrimSpace(key)
	for _, item := range all.Items {
		if item.Key == key {
			item.Project = ProjectCode(item.Key)
			return item, nil
		}
	}
	return Item{}, fmt.Errorf("%w: item %s", ErrNotFound, key)
}

// Save replaces the document atomically.
func (s *JSONFileSource) Save(contents BoardContents) error {
	if s == nil || s.Path == "" {
		return ErrInvalidInput
	}
	data, err := json.MarshalIndent(contents, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}

func (s *JSONFileSource) load(ctx context.Context) (BoardContents, error) {
	if err := ctx.Err(); err != nil {
		return BoardContents{}, err
	}
	if s == nil || s.Path == "" {
		return BoardContents{}, ErrInvalidInput
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BoardContents{}, nil
		}
		return BoardContents{}, err
	}
	var contents BoardContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return BoardContents{}, fmt.Errorf("decode %s: %w", s.Path, err)
	}
	return contents, nil
}
