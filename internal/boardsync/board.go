package boardsync

import (
	"sort"
	"strings"
	"time"
)

// Item is a tracked issue as it appears on a board. An empty Assignee means
// unassigned.
type Item struct {
	Key          string            `json:"key"`
	Project      string            `json:"project"`
	Type         string            `json:"type,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Assignee     string            `json:"assignee,omitempty"`
	Components   []string          `json:"components,omitempty"`
	Status       string            `json:"status"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

func (it Item) clone() Item {
	it.Components = cloneStrings(it.Components)
	it.CustomFields = copyStringMap(it.CustomFields)
	return it
}

func (it Item) equal(o Item) bool {
	if it.Key != o.Key || it.Project != o.Project || it.Type != o.Type || it.Priority != o.Priority ||
		it.Summary != o.Summary || it.Assignee != o.Assignee || it.Status != o.Status {
		return false
	}
	if !equalStrings(it.Components, o.Components) || len(it.CustomFields) != len(o.CustomFields) {
		return false
	}
	for k, v := range it.CustomFields {
		if ov, ok := o.CustomFields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// FieldPatch is the minimal field-level change of one item. Nil members were
// not changed. A cleared assignee is sent as Unassigned and a cleared custom
// field as a null value.
type FieldPatch struct {
	Type         *string            `json:"type,omitempty"`
	Priority     *string            `json:"priority,omitempty"`
	Summary      *string            `json:"summary,omitempty"`
	Assignee     *string            `json:"assignee,omitempty"`
	Components   *[]string          `json:"components,omitempty"`
	Status       *string            `json:"status,omitempty"`
	CustomFields map[string]*string `json:"customFields,omitempty"`
}

func (p *FieldPatch) empty() bool {
	return p == nil || (p.Type == nil && p.Priority == nil && p.Summary == nil && p.Assignee == nil &&
		p.Components == nil && p.Status == nil && len(p.CustomFields) == 0)
}

// ApplyTo folds the patch onto item.
func (p *FieldPatch) ApplyTo(item *Item) {
	if p == nil {
		return
	}
	if p.Type != nil {
		item.Type = *p.Type
	}
	if p.Priority != nil {
		item.Priority = *p.Priority
	}
	if p.Summary != nil {
		item.Summary = *p.Summary
	}
	if p.Assignee != nil {
		item.Assignee = *p.Assignee
		if item.Assignee == Unassigned {
			item.Assignee = ""
		}
	}
	if p.Components != nil {
		item.Components = cloneStrings(*p.Components)
	}
	if p.Status != nil {
		item.Status = *p.Status
	}
	for id, v := range p.CustomFields {
		if v == nil {
			delete(item.CustomFields, id)
			continue
		}
		if item.CustomFields == nil {
			item.CustomFields = map[string]string{}
		}
		item.CustomFields[id] = *v
	}
	if len(item.CustomFields) == 0 {
		item.CustomFields = nil
	}
}

func fullPatch(it Item) *FieldPatch {
	assignee := it.Assignee
	if assignee == "" {
		assignee = Unassigned
	}
	components := cloneStrings(it.Components)
	if components == nil {
		components = []string{}
	}
	p := &FieldPatch{
		Type:       strPtr(it.Type),
		Priority:   strPtr(it.Priority),
		Summary:    strPtr(it.Summary),
		Assignee:   &assignee,
		Components: &components,
		Status:     strPtr(it.Status),
	}
	if len(it.CustomFields) > 0 {
		p.CustomFields = make(map[string]*string, len(it.CustomFields))
		for id, v := range it.CustomFields {
			p.CustomFields[id] = strPtr(v)
		}
	}
	return p
}

// Change is one item-level entry of a delta.
type Change struct {
	Key            string      `json:"key"`
	Kind           Kind        `json:"kind"`
	Fields         *FieldPatch `json:"changedFields,omitempty"`
	Column         string      `json:"column,omitempty"`
	PreviousColumn string      `json:"previousColumn,omitempty"`
	Reranked       bool        `json:"reranked,omitempty"`

	// item is the full post-change item, kept for backlog views that need to
	// turn an UPDATE into a CREATE.
	item *Item
}

// DeltaEntry is one committed change-set in a board's delta log.
type DeltaEntry struct {
	Version          uint64
	At               time.Time
	Changes          []Change
	Columns          map[string][]string
	BlacklistChanged bool
	Blacklist        []string
	NewAssignees     []string
	NewComponents    []string
}

// DeltaResult is what a client applies to move from Since to Version. When
// Stale is set the client must fetch the full board instead.
type DeltaResult struct {
	BoardID          string              `json:"boardId"`
	Since            uint64              `json:"since"`
	Version          uint64              `json:"version"`
	Stale            bool                `json:"stale,omitempty"`
	Changes          []Change            `json:"changes"`
	Columns          map[string][]string `json:"columns,omitempty"`
	BlacklistChanged bool                `json:"blacklistChanged,omitempty"`
	Blacklist        []string            `json:"blacklist,omitempty"`
	NewAssignees     []string            `json:"newAssignees,omitempty"`
	NewComponents    []string            `json:"newComponents,omitempty"`
}

func (d DeltaResult) Empty() bool {
	return !d.Stale && len(d.Changes) == 0 && len(d.Columns) == 0 && !d.BlacklistChanged &&
		len(d.NewAssignees) == 0 && len(d.NewComponents) == 0
}

// BoardSnapshot is the full rendered state of a board at Version.
type BoardSnapshot struct {
	BoardID    string              `json:"boardId"`
	Name       string              `json:"name"`
	Version    uint64              `json:"version"`
	States     []string            `json:"states"`
	Backlog    bool                `json:"backlog"`
	Columns    map[string][]string `json:"columns"`
	Items      map[string]Item     `json:"items"`
	Blacklist  []string            `json:"blacklist,omitempty"`
	Assignees  []string            `json:"assignees"`
	Components []string            `json:"components"`
}

// Apply folds delta onto the snapshot. Stale deltas and deltas that do not
// start at the snapshot's version are rejected.
func (b *BoardSnapshot) Apply(delta DeltaResult) bool {
	if delta.Stale || delta.BoardID != b.BoardID || delta.Since != b.Version {
		return false
	}
	if b.Items == nil {
		b.Items = map[string]Item{}
	}
	if b.Columns == nil {
		b.Columns = map[string][]string{}
	}
	for _, ch := range delta.Changes {
		switch ch.Kind {
		case KindCreate:
			item := Item{Key: ch.Key, Project: ProjectCode(ch.Key)}
			ch.Fields.ApplyTo(&item)
			b.Items[ch.Key] = item
		case KindUpdate:
			item, ok := b.Items[ch.Key]
			if !ok {
				continue
			}
			item = item.clone()
			ch.Fields.ApplyTo(&item)
			b.Items[ch.Key] = item
		case KindDelete:
			delete(b.Items, ch.Key)
		}
	}
	for col, keys := range delta.Columns {
		if len(keys) == 0 {
			delete(b.Columns, col)
			continue
		}
		b.Columns[col] = append([]string(nil), keys...)
	}
	if delta.BlacklistChanged {
		b.Blacklist = cloneStrings(delta.Blacklist)
	}
	b.Assignees = mergeSorted(b.Assignees, delta.NewAssignees)
	b.Components = mergeSorted(b.Components, delta.NewComponents)
	b.Version = delta.Version
	return true
}

func strPtr(v string) *string {
	return &v
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}

func copyStringMap(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func normalizeStringSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, raw := range in {
		v := strings.TrimSpace(raw)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func mergeSorted(base, add []string) []string {
	if len(add) == 0 {
		return base
	}
	return normalizeStringSlice(append(append([]string(nil), base...), add...))
}

func sortedKeys[V any](m map[string]V) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
