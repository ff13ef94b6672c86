package boardsync

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInvalidInput       = errors.New("invalid input")
	ErrMixedProjects      = errors.New("keys span more than one project")
	ErrUnknownProject     = errors.New("project code cannot be resolved")
	ErrConflictingAnchors = errors.New("conflicting rank anchors")
	ErrNoUnitOfWork       = errors.New("no unit of work in context")
	ErrNotImplemented     = errors.New("not implemented")
	ErrSourceUnavailable  = errors.New("source unavailable")
	ErrUnbuilt            = errors.New("board not built")
)

// Unassigned is the wire value for an assignee that was explicitly cleared.
const Unassigned = "unassigned"

type Kind string

const (
	KindCreate Kind = "CREATE"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
)

type FieldState uint8

const (
	FieldUnset FieldState = iota
	FieldCleared
	FieldSet
)

// Field distinguishes "not part of this notification" from "explicitly cleared".
type Field[T any] struct {
	state FieldState
	value T
}

func Set[T any](value T) Field[T] {
	return Field[T]{state: FieldSet, value: value}
}

func Cleared[T any]() Field[T] {
	return Field[T]{state: FieldCleared}
}

func (f Field[T]) State() FieldState {
	return f.state
}

func (f Field[T]) IsUnset() bool {
	return f.state == FieldUnset
}

func (f Field[T]) IsCleared() bool {
	return f.state == FieldCleared
}

// Get returns the value and whether one is present. Cleared and unset fields
// both report false; use State to tell them apart.
func (f Field[T]) Get() (T, bool) {
	return f.value, f.state == FieldSet
}

// Detail carries the changed fields of a CREATE or UPDATE. For CREATE every
// field is populated.
type Detail struct {
	Type           Field[string]
	Priority       Field[string]
	Summary        Field[string]
	Assignee       Field[string]
	Components     Field[[]string]
	PreviousStatus string
	Status         Field[string]
	Reranked       bool
	CustomFields   map[string]Field[string]
}

func (d *Detail) hasFieldChanges() bool {
	if d == nil {
		return false
	}
	if !d.Type.IsUnset() || !d.Priority.IsUnset() || !d.Summary.IsUnset() || !d.Assignee.IsUnset() {
		return true
	}
	if !d.Components.IsUnset() || !d.Status.IsUnset() {
		return true
	}
	return len(d.CustomFields) > 0
}

type Mutation struct {
	Kind    Kind
	Key     string
	Project string
	Detail  *Detail
}

func NewCreate(key string, detail Detail) Mutation {
	return Mutation{Kind: KindCreate, Key: key, Project: ProjectCode(key), Detail: &detail}
}

func NewUpdate(key string, detail Detail) Mutation {
	return Mutation{Kind: KindUpdate, Key: key, Project: ProjectCode(key), Detail: &detail}
}

func NewDelete(key string) Mutation {
	return Mutation{Kind: KindDelete, Key: key, Project: ProjectCode(key)}
}

// IsRerankOnly reports an UPDATE whose only content is the rerank flag.
func (m Mutation) IsRerankOnly() bool {
	if m.Kind != KindUpdate || m.Detail == nil || !m.Detail.Reranked {
		return false
	}
	return !m.Detail.hasFieldChanges()
}

func (m Mutation) Reranked() bool {
	return m.Detail != nil && m.Detail.Reranked
}

// Validate rejects descriptors built from bad external input. Structural
// invariant violations panic instead.
func (m Mutation) Validate() error {
	m.mustBeWellFormed()
	if strings.TrimSpace(m.Key) == "" {
		return fmt.Errorf("%w: empty item key", ErrInvalidInput)
	}
	project := ProjectCode(m.Key)
	if project == "" {
		return fmt.Errorf("%w: %q", ErrUnknownProject, m.Key)
	}
	if m.Project != "" && m.Project != project {
		return fmt.Errorf("%w: key %s does not belong to project %s", ErrInvalidInput, m.Key, m.Project)
	}
	if m.Kind == KindCreate {
		if _, ok := m.Detail.Status.Get(); !ok {
			return fmt.Errorf("%w: create of %s without status", ErrInvalidInput, m.Key)
		}
	}
	if m.Kind == KindUpdate && !m.Detail.Status.IsUnset() && m.Detail.PreviousStatus == "" {
		return fmt.Errorf("%w: status change of %s without previous status", ErrInvalidInput, m.Key)
	}
	return nil
}

func (m Mutation) mustBeWellFormed() {
	switch m.Kind {
	case KindDelete:
		if m.Detail != nil {
			panic(fmt.Sprintf("boardsync: DELETE descriptor for %s carries a detail", m.Key))
		}
	case KindCreate, KindUpdate:
		if m.Detail == nil {
			panic(fmt.Sprintf("boardsync: %s descriptor for %s has no detail", m.Kind, m.Key))
		}
	default:
		panic(fmt.Sprintf("boardsync: unknown descriptor kind %q", m.Kind))
	}
}

func (m Mutation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mutation{kind=%s key=%s project=%s", m.Kind, m.Key, m.Project)
	if d := m.Detail; d != nil {
		fields := make([]string, 0, 8)
		if !d.Type.IsUnset() {
			fields = append(fields, "type")
		}
		if !d.Priority.IsUnset() {
			fields = append(fields, "priority")
		}
		if !d.Summary.IsUnset() {
			fields = append(fields, "summary")
		}
		if !d.Assignee.IsUnset() {
			fields = append(fields, "assignee")
		}
		if !d.Components.IsUnset() {
			fields = append(fields, "components")
		}
		if !d.Status.IsUnset() {
			fields = append(fields, "status")
		}
		for id := range d.CustomFields {
			fields = append(fields, "custom:"+id)
		}
		sort.Strings(fields)
		fmt.Fprintf(&b, " fields=%v reranked=%t", fields, d.Reranked)
	}
	b.WriteString("}")
	return b.String()
}

// ProjectCode returns the key prefix up to the first separator, or "" when
// the key has none.
func ProjectCode(key string) string {
	key = strings.TrimSpace(key)
	idx := strings.IndexByte(key, '-')
	if idx <= 0 {
		return ""
	}
	return key[:idx]
}
