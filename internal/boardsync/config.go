package boardsync

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type CustomFieldConfig struct {
	ID        string `yaml:"id" json:"id"`
	Name      string `yaml:"name" json:"name"`
	JiraField string `yaml:"field" json:"field"`
}

type BoardConfig struct {
	ID           string              `yaml:"id" json:"id"`
	Name         string              `yaml:"name" json:"name"`
	Projects     []string            `yaml:"projects" json:"projects"`
	States       []string            `yaml:"states" json:"states"`
	Backlog      []string            `yaml:"backlog,omitempty" json:"backlog,omitempty"`
	CustomFields []CustomFieldConfig `yaml:"customFields,omitempty" json:"customFields,omitempty"`
}

func (c BoardConfig) HasState(state string) bool {
	for _, s := range c.States {
		if s == state {
			return true
		}
	}
	return false
}

func (c BoardConfig) IsBacklog(state string) bool {
	for _, s := range c.Backlog {
		if s == state {
			return true
		}
	}
	return false
}

func (c BoardConfig) HasProject(project string) bool {
	for _, p := range c.Projects {
		if p == project {
			return true
		}
	}
	return false
}

func (c BoardConfig) HasCustomField(id string) bool {
	for _, cf := range c.CustomFields {
		if cf.ID == id {
			return true
		}
	}
	return false
}

func (c BoardConfig) equal(o BoardConfig) bool {
	return c.ID == o.ID && c.Name == o.Name &&
		equalStrings(c.Projects, o.Projects) &&
		equalStrings(c.States, o.States) &&
		equalStrings(c.Backlog, o.Backlog) &&
		equalCustomFields(c.CustomFields, o.CustomFields)
}

type boardsFile struct {
	Boards []BoardConfig `yaml:"boards"`
}

// Registry is an immutable view of which boards exist and which projects and
// custom fields feed them. Replace it wholesale to reconfigure.
type Registry struct {
	boards    map[string]BoardConfig
	order     []string
	byProject map[string][]string
}

func NewRegistry(configs []BoardConfig) (*Registry, error) {
	r := &Registry{
		boards:    make(map[string]BoardConfig, len(configs)),
		order:     make([]string, 0, len(configs)),
		byProject: map[string][]string{},
	}
	for _, cfg := range configs {
		cfg = normalizeBoardConfig(cfg)
		if err := validateBoardConfig(cfg); err != nil {
			return nil, err
		}
		if _, dup := r.boards[cfg.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate board id %q", ErrInvalidInput, cfg.ID)
		}
		r.boards[cfg.ID] = cfg
		r.order = append(r.order, cfg.ID)
		for _, project := range cfg.Projects {
			r.byProject[project] = append(r.byProject[project], cfg.ID)
		}
	}
	return r, nil
}

func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	var doc boardsFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse boards: %v", ErrInvalidInput, err)
	}
	return NewRegistry(doc.Boards)
}

func (r *Registry) Board(id string) (BoardConfig, bool) {
	if r == nil {
		return BoardConfig{}, false
	}
	cfg, ok := r.boards[id]
	return cfg, ok
}

func (r *Registry) Boards() []BoardConfig {
	if r == nil {
		return nil
	}
	out := make([]BoardConfig, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.boards[id])
	}
	return out
}

func (r *Registry) BoardsForProject(project string) []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.byProject[project]...)
}

func (r *Registry) BoardsConfiguredFor(project string) bool {
	return r != nil && len(r.byProject[project]) > 0
}

// CustomFieldsFor returns the custom field configs, across every board using
// project, that are backed by jiraField.
func (r *Registry) CustomFieldsFor(project, jiraField string) []CustomFieldConfig {
	return r.customFields(project, func(cf CustomFieldConfig) bool {
		return cf.JiraField == jiraField
	})
}

func (r *Registry) CustomFieldsForCreate(project string) []CustomFieldConfig {
	return r.customFields(project, func(CustomFieldConfig) bool { return true })
}

func (r *Registry) customFields(project string, keep func(CustomFieldConfig) bool) []CustomFieldConfig {
	if r == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var out []CustomFieldConfig
	for _, boardID := range r.byProject[project] {
		for _, cf := range r.boards[boardID].CustomFields {
			if !keep(cf) {
				continue
			}
			if _, dup := seen[cf.ID]; dup {
				continue
			}
			seen[cf.ID] = struct{}{}
			out = append(out, cf)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// diff reports boards that disappeared or changed between r and next.
func (r *Registry) diff(next *Registry) (removed, changed []string) {
	for _, id := range r.order {
		nextCfg, ok := next.boards[id]
		if !ok {
			removed = append(removed, id)
			continue
		}
		if !r.boards[id].equal(nextCfg) {
			changed = append(changed, id)
		}
	}
	return removed, changed
}

func normalizeBoardConfig(cfg BoardConfig) BoardConfig {
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	cfg.Projects = trimAll(cfg.Projects)
	cfg.States = trimAll(cfg.States)
	cfg.Backlog = trimAll(cfg.Backlog)
	for i := range cfg.CustomFields {
		cfg.CustomFields[i].ID = strings.TrimSpace(cfg.CustomFields[i].ID)
		cfg.CustomFields[i].Name = strings.TrimSpace(cfg.CustomFields[i].Name)
		cfg.CustomFields[i].JiraField = strings.TrimSpace(cfg.CustomFields[i].JiraField)
	}
	return cfg
}

func validateBoardConfig(cfg BoardConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("%w: board without id", ErrInvalidInput)
	}
	if len(cfg.Projects) == 0 {
		return fmt.Errorf("%w: board %s has no projects", ErrInvalidInput, cfg.ID)
	}
	if len(cfg.States) == 0 {
		return fmt.Errorf("%w: board %s has no states", ErrInvalidInput, cfg.ID)
	}
	states := map[string]struct{}{}
	for _, s := range cfg.States {
		if s == "" {
			return fmt.Errorf("%w: board %s has an empty state name", ErrInvalidInput, cfg.ID)
		}
		if _, dup := states[s]; dup {
			return fmt.Errorf("%w: board %s repeats state %q", ErrInvalidInput, cfg.ID, s)
		}
		states[s] = struct{}{}
	}
	for _, s := range cfg.Backlog {
		if _, ok := states[s]; !ok {
			return fmt.Errorf("%w: board %s backlog state %q is not a board state", ErrInvalidInput, cfg.ID, s)
		}
	}
	for _, p := range cfg.Projects {
		if p == "" || strings.Contains(p, "-") {
			return fmt.Errorf("%w: board %s has invalid project code %q", ErrInvalidInput, cfg.ID, p)
		}
	}
	fieldIDs := map[string]struct{}{}
	for _, cf := range cfg.CustomFields {
		if cf.ID == "" || cf.JiraField == "" {
			return fmt.Errorf("%w: board %s custom field needs id and field", ErrInvalidInput, cfg.ID)
		}
		if _, dup := fieldIDs[cf.ID]; dup {
			return fmt.Errorf("%w: board %s repeats custom field %q", ErrInvalidInput, cfg.ID, cf.ID)
		}
		fieldIDs[cf.ID] = struct{}{}
	}
	return nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalCustomFields(a, b []CustomFieldConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
