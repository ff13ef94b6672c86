package boardsync

import (
	"fmt"
	"strings"
)

// RerankIntent is a batch reorder: the keys to move, in their desired
// relative order, and the neighbours that mark the target position.
type RerankIntent struct {
	project   string
	keys      []string
	afterKey  string
	beforeKey string
}

func NewRerankIntent(keys []string, afterKey, beforeKey string) (RerankIntent, error) {
	afterKey = strings.TrimSpace(afterKey)
	beforeKey = strings.TrimSpace(beforeKey)
	ordered := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	if len(ordered) == 0 {
		return RerankIntent{}, fmt.Errorf("%w: rerank intent without keys", ErrInvalidInput)
	}
	if _, ok := seen[afterKey]; ok && afterKey != "" {
		return RerankIntent{}, fmt.Errorf("%w: anchor %s is also being moved", ErrInvalidInput, afterKey)
	}
	if _, ok := seen[beforeKey]; ok && beforeKey != "" {
		return RerankIntent{}, fmt.Errorf("%w: anchor %s is also being moved", ErrInvalidInput, beforeKey)
	}
	if afterKey != "" && afterKey == beforeKey {
		return RerankIntent{}, fmt.Errorf("%w: after and before anchors are both %s", ErrConflictingAnchors, afterKey)
	}

	project := ""
	candidates := append(append([]string(nil), ordered...), afterKey, beforeKey)
	for _, key := range candidates {
		if key == "" {
			continue
		}
		code := ProjectCode(key)
		if code == "" {
			return RerankIntent{}, fmt.Errorf("%w: %q", ErrUnknownProject, key)
		}
		if project == "" {
			project = code
			continue
		}
		if code != project {
			return RerankIntent{}, fmt.Errorf("%w: %s and %s", ErrMixedProjects, project, code)
		}
	}
	return RerankIntent{project: project, keys: ordered, afterKey: afterKey, beforeKey: beforeKey}, nil
}

func (r RerankIntent) Project() string {
	return r.project
}

func (r RerankIntent) Keys() []string {
	return append([]string(nil), r.keys...)
}

func (r RerankIntent) AfterKey() string {
	return r.afterKey
}

func (r RerankIntent) BeforeKey() string {
	return r.beforeKey
}

func (r RerankIntent) Len() int {
	return len(r.keys)
}

func (r RerankIntent) Contains(key string) bool {
	for _, k := range r.keys {
		if k == key {
			return true
		}
	}
	return false
}

// Restrict keeps only the keys in relevant, preserving order. The receiver is
// returned unchanged when nothing is dropped.
func (r RerankIntent) Restrict(relevant map[string]struct{}) RerankIntent {
	if len(relevant) == len(r.keys) {
		all := true
		for _, k := range r.keys {
			if _, ok := relevant[k]; !ok {
				all = false
				break
			}
		}
		if all {
			return r
		}
	}
	keys := make([]string, 0, len(relevant))
	for _, k := range r.keys {
		if _, ok := relevant[k]; ok {
			keys = append(keys, k)
		}
	}
	return RerankIntent{project: r.project, keys: keys, afterKey: r.afterKey, beforeKey: r.beforeKey}
}

func (r RerankIntent) String() string {
	return fmt.Sprintf("RerankIntent{project=%s keys=%v after=%q before=%q}", r.project, r.keys, r.afterKey, r.beforeKey)
}
