package boardsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	NotificationIssueCreated = "issue_created"
	NotificationIssueUpdated = "issue_updated"
	NotificationIssueDeleted = "issue_deleted"
	NotificationIssueMoved   = "issue_moved"
	NotificationRankStarted  = "rank_started"
	NotificationRankDone     = "rank_done"
)

// updateNotifications all carry a changelog of the fields that changed. Which
// one arrives depends on the project's workflow.
var updateNotifications = map[string]struct{}{
	NotificationIssueUpdated: {},
	"issue_assigned":         {},
	"issue_resolved":         {},
	"issue_closed":           {},
	"issue_reopened":         {},
	"issue_generic":          {},
	"work_started":           {},
	"work_stopped":           {},
}

const (
	changelogIssueType = "issuetype"
	changelogPriority  = "priority"
	changelogSummary   = "summary"
	changelogAssignee  = "assignee"
	changelogStatus    = "status"
	changelogRank      = "Rank"
	changelogComponent = "Component"
	changelogProject   = "project"
	changelogKey       = "Key"
	changelogCustom    = "custom"
)

// IssuePayload is the issue as sent by the system of record. Custom field
// values are keyed by the system's field name.
type IssuePayload struct {
	Key          string            `json:"key"`
	Type         string            `json:"type,omitempty"`
	Priority     string            `json:"priority,omitempty"`
	Summary      string            `json:"summary,omitempty"`
	Assignee     string            `json:"assignee,omitempty"`
	Components   []string          `json:"components,omitempty"`
	Status       string            `json:"status,omitempty"`
	CustomFields map[string]string `json:"customFields,omitempty"`
}

type ChangeItem struct {
	Field     string `json:"field"`
	FieldType string `json:"fieldtype,omitempty"`
	OldValue  string `json:"oldValue,omitempty"`
	OldString string `json:"oldString,omitempty"`
	NewValue  string `json:"newValue,omitempty"`
	NewString string `json:"newString,omitempty"`
}

type RankPayload struct {
	IssueKeys []string `json:"issueKeys"`
	AfterKey  string   `json:"rankAfterKey,omitempty"`
	BeforeKey string   `json:"rankBeforeKey,omitempty"`
}

// Notification is one inbound event from the system of record.
type Notification struct {
	ID         string        `json:"id,omitempty"`
	UnitOfWork string        `json:"unitOfWork,omitempty"`
	Type       string        `json:"type"`
	Issue      *IssuePayload `json:"issue,omitempty"`
	Changelog  []ChangeItem  `json:"changelog,omitempty"`
	Rank       *RankPayload  `json:"rank,omitempty"`
}

type ActionType string

const (
	ActionMutation     ActionType = "mutation"
	ActionRerankIntent ActionType = "rerank_intent"
	ActionRerankDone   ActionType = "rerank_done"
	ActionIgnored      ActionType = "ignored"
)

type Action struct {
	Type     ActionType
	Mutation Mutation
	Intent   RerankIntent
}

type RegistryProvider interface {
	Registry() *Registry
}

// Translator turns notifications into correlator input. It reads the
// current state of an issue through an ItemResolver when one is configured
// and from the notification's issue payload otherwise.
type Translator struct {
	boards   RegistryProvider
	resolver ItemResolver
}

func NewTranslator(boards RegistryProvider, resolver ItemResolver) *Translator {
	return &Translator{boards: boards, resolver: resolver}
}

// Translate never applies anything; a resolution failure returns before any
// action is produced.
func (t *Translator) Translate(ctx context.Context, n Notification) ([]Action, error) {
	registry := t.boards.Registry()
	switch n.Type {
	case NotificationIssueCreated:
		return t.created(ctx, registry, n)
	case NotificationIssueDeleted:
		key, err := notificationKey(n)
		if err != nil {
			return nil, err
		}
		if !registry.BoardsConfiguredFor(ProjectCode(key)) {
			return ignored(), nil
		}
		return []Action{{Type: ActionMutation, Mutation: NewDelete(key)}}, nil
	case NotificationIssueMoved:
		return t.moved(ctx, registry, n)
	case NotificationRankStarted:
		if n.Rank == nil {
			return nil, fmt.Errorf("%w: %s without rank payload", ErrInvalidInput, n.Type)
		}
		intent, err := NewRerankIntent(n.Rank.IssueKeys, n.Rank.AfterKey, n.Rank.BeforeKey)
		if err != nil {
			return nil, err
		}
		return []Action{{Type: ActionRerankIntent, Intent: intent}}, nil
	case NotificationRankDone:
		return []Action{{Type: ActionRerankDone}}, nil
	}
	if _, ok := updateNotifications[n.Type]; ok {
		return t.updated(ctx, registry, n)
	}
	return ignored(), nil
}

func (t *Translator) created(ctx context.Context, registry *Registry, n Notification) ([]Action, error) {
	key, err := notificationKey(n)
	if err != nil {
		return nil, err
	}
	project := ProjectCode(key)
	if !registry.BoardsConfiguredFor(project) {
		return ignored(), nil
	}
	item, err := t.resolve(ctx, registry, n, key)
	if err != nil {
		return nil, err
	}
	return []Action{{Type: ActionMutation, Mutation: NewCreate(key, createDetail(registry, project, item))}}, nil
}

func (t *Translator) updated(ctx context.Context, registry *Registry, n Notification) ([]Action, error) {
	key, err := notificationKey(n)
	if err != nil {
		return nil, err
	}
	project := ProjectCode(key)
	if !registry.BoardsConfiguredFor(project) {
		// Still passed on so a pending rerank batch can count the item as
		// seen and not relevant.
		detail := Detail{}
		for _, change := range n.Changelog {
			if change.Field == changelogRank {
				detail.Reranked = true
			}
		}
		return []Action{{Type: ActionMutation, Mutation: NewUpdate(key, detail)}}, nil
	}
	item, err := t.resolve(ctx, registry, n, key)
	if err != nil {
		return nil, err
	}

	detail := Detail{}
	oldStatus := ""
	for _, change := range n.Changelog {
		switch change.Field {
		case changelogIssueType:
			detail.Type = Set(item.Type)
		case changelogPriority:
			detail.Priority = Set(item.Priority)
		case changelogSummary:
			detail.Summary = Set(item.Summary)
		case changelogAssignee:
			if item.Assignee == "" {
				detail.Assignee = Cleared[string]()
			} else {
				detail.Assignee = Set(item.Assignee)
			}
		case changelogStatus:
			detail.Status = Set(item.Status)
			oldStatus = change.OldString
		case changelogRank:
			detail.Reranked = true
		case changelogComponent:
			if len(item.Components) == 0 {
				detail.Components = Cleared[[]string]()
			} else {
				detail.Components = Set(cloneStrings(item.Components))
			}
		default:
			if change.FieldType != changelogCustom {
				continue
			}
			for _, cfg := range registry.CustomFieldsFor(project, change.Field) {
				if detail.CustomFields == nil {
					detail.CustomFields = map[string]Field[string]{}
				}
				detail.CustomFields[cfg.ID] = customUpdateValue(change)
			}
		}
	}
	if oldStatus == "" {
		oldStatus = item.Status
	}
	detail.PreviousStatus = oldStatus
	return []Action{{Type: ActionMutation, Mutation: NewUpdate(key, detail)}}, nil
}

// moved deletes the old key from the boards of its old project and creates
// the new key on the boards of its new project.
func (t *Translator) moved(ctx context.Context, registry *Registry, n Notification) ([]Action, error) {
	key, err := notificationKey(n)
	if err != nil {
		return nil, err
	}
	oldKey, oldProject, newStatus := "", "", ""
	for _, change := range n.Changelog {
		switch change.Field {
		case changelogProject:
			oldProject = strings.TrimSpace(change.OldString)
		case changelogKey:
			oldKey = strings.TrimSpace(change.OldString)
		case changelogStatus:
			newStatus = strings.TrimSpace(change.NewString)
		}
	}
	if oldProject == "" {
		oldProject = ProjectCode(oldKey)
	}
	var actions []Action
	if oldKey != "" && registry.BoardsConfiguredFor(oldProject) {
		actions = append(actions, Action{Type: ActionMutation, Mutation: NewDelete(oldKey)})
	}
	project := ProjectCode(key)
	if registry.BoardsConfiguredFor(project) {
		item, err := t.resolve(ctx, registry, n, key)
		if err != nil {
			return nil, err
		}
		if newStatus != "" {
			item.Status = newStatus
		}
		actions = append(actions, Action{Type: ActionMutation, Mutation: NewCreate(key, createDetail(registry, project, item))})
	}
	if len(actions) == 0 {
		return ignored(), nil
	}
	return actions, nil
}

func (t *Translator) resolve(ctx context.Context, registry *Registry, n Notification, key string) (Item, error) {
	if t.resolver != nil {
		item, err := t.resolver.ResolveItem(ctx, key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return Item{}, err
			}
			return Item{}, fmt.Errorf("%w: resolve %s: %w", ErrSourceUnavailable, key, err)
		}
		return item, nil
	}
	if n.Issue == nil {
		return Item{}, fmt.Errorf("%w: %s without issue payload", ErrInvalidInput, n.Type)
	}
	return itemFromPayload(registry, *n.Issue), nil
}

func itemFromPayload(registry *Registry, p IssuePayload) Item {
	key := strings.TrimSpace(p.Key)
	item := Item{
		Key:        key,
		Project:    ProjectCode(key),
		Type:       strings.TrimSpace(p.Type),
		Priority:   strings.TrimSpace(p.Priority),
		Summary:    strings.TrimSpace(p.Summary),
		Assignee:   strings.TrimSpace(p.Assignee),
		Components: normalizeStringSlice(p.Components),
		Status:     strings.TrimSpace(p.Status),
	}
	if item.Assignee == Unassigned {
		item.Assignee = ""
	}
	for _, cfg := range registry.CustomFieldsForCreate(item.Project) {
		if v, ok := p.CustomFields[cfg.JiraField]; ok && strings.TrimSpace(v) != "" {
			if item.CustomFields == nil {
				item.CustomFields = map[string]string{}
			}
			item.CustomFields[cfg.ID] = strings.TrimSpace(v)
		}
	}
	return item
}

func createDetail(registry *Registry, project string, item Item) Detail {
	detail := Detail{
		Type:     Set(item.Type),
		Priority: Set(item.Priority),
		Summary:  Set(item.Summary),
		Status:   Set(item.Status),
	}
	if item.Assignee == "" {
		detail.Assignee = Cleared[string]()
	} else {
		detail.Assignee = Set(item.Assignee)
	}
	if len(item.Components) == 0 {
		detail.Components = Cleared[[]string]()
	} else {
		detail.Components = Set(cloneStrings(item.Components))
	}
	for _, cfg := range registry.CustomFieldsForCreate(project) {
		if detail.CustomFields == nil {
			detail.CustomFields = map[string]Field[string]{}
		}
		if v, ok := item.CustomFields[cfg.ID]; ok && v != "" {
			detail.CustomFields[cfg.ID] = Set(v)
		} else {
			detail.CustomFields[cfg.ID] = Cleared[string]()
		}
	}
	return detail
}

// customUpdateValue prefers the raw value and falls back to the display
// string. Neither present means the field was cleared.
func customUpdateValue(change ChangeItem) Field[string] {
	v := strings.TrimSpace(change.NewValue)
	if v == "" {
		v = strings.TrimSpace(change.NewString)
	}
	if v == "" {
		return Cleared[string]()
	}
	return Set(v)
}

func notificationKey(n Notification) (string, error) {
	if n.Issue == nil || strings.TrimSpace(n.Issue.Key) == "" {
		return "", fmt.Errorf("%w: %s without issue key", ErrInvalidInput, n.Type)
	}
	key := strings.TrimSpace(n.Issue.Key)
	if ProjectCode(key) == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownProject, key)
	}
	return key, nil
}

func ignored() []Action {
	return []Action{{Type: ActionIgnored}}
}
