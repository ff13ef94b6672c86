package boardsync

import (
	"errors"
	"reflect"
	"testing"
)

const testBoardsYAML = `
boards:
  - id: main
    name: Main board
    projects: [X, " Y "]
    states: [Backlog, To Do, Done]
    backlog: [Backlog]
    customFields:
      - id: sp
        name: Story points
        field: customfield_10002
  - id: ops
    projects: [Y]
    states: [Open, Closed]
    customFields:
      - id: sp
        field: customfield_10002
      - id: team
        field: customfield_10100
`

func TestParseRegistry(t *testing.T) {
	registry, err := ParseRegistry([]byte(testBoardsYAML))
	if err != nil {
		t.Fatalf("parse registry: %v", err)
	}
	main, ok := registry.Board("main")
	if !ok || main.Name != "Main board" || !reflect.DeepEqual(main.Projects, []string{"X", "Y"}) {
		t.Fatalf("unexpected main board %+v", main)
	}
	if ops, _ := registry.Board("ops"); ops.Name != "ops" {
		t.Fatalf("name should default to the id, got %q", ops.Name)
	}
	if got := registry.BoardsForProject("Y"); !reflect.DeepEqual(got, []string{"main", "ops"}) {
		t.Fatalf("unexpected boards for Y: %v", got)
	}
	if registry.BoardsConfiguredFor("Q") {
		t.Fatalf("Q has no boards")
	}
	if got := registry.CustomFieldsFor("Y", "customfield_10002"); len(got) != 1 || got[0].ID != "sp" {
		t.Fatalf("shared custom field should be reported once: %+v", got)
	}
	var ids []string
	for _, cf := range registry.CustomFieldsForCreate("Y") {
		ids = append(ids, cf.ID)
	}
	if !reflect.DeepEqual(ids, []string{"sp", "team"}) {
		t.Fatalf("unexpected create fields %v", ids)
	}
	if !main.IsBacklog("Backlog") || main.IsBacklog("Done") || !main.HasCustomField("sp") {
		t.Fatalf("board helpers disagree with config: %+v", main)
	}
}

func TestNewRegistryRejectsInvalidBoards(t *testing.T) {
	base := func() BoardConfig {
		return BoardConfig{ID: "b", Projects: []string{"X"}, States: []string{"Open", "Done"}}
	}
	cases := []struct {
		name   string
		mutate func(*BoardConfig)
	}{
		{"missing id", func(c *BoardConfig) { c.ID = " " }},
		{"no projects", func(c *BoardConfig) { c.Projects = nil }},
		{"no states", func(c *BoardConfig) { c.States = []string{" "} }},
		{"repeated state", func(c *BoardConfig) { c.States = []string{"Open", "Open"} }},
		{"backlog outside states", func(c *BoardConfig) { c.Backlog = []string{"Later"} }},
		{"project with dash", func(c *BoardConfig) { c.Projects = []string{"X-1"} }},
		{"custom field without jira field", func(c *BoardConfig) { c.CustomFields = []CustomFieldConfig{{ID: "sp"}} }},
		{"repeated custom field", func(c *BoardConfig) {
			c.CustomFields = []CustomFieldConfig{{ID: "sp", JiraField: "a"}, {ID: "sp", JiraField: "b"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if _, err := NewRegistry([]BoardConfig{cfg}); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	if _, err := NewRegistry([]BoardConfig{base(), base()}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("duplicate board ids should be rejected, got %v", err)
	}
	if _, err := ParseRegistry([]byte("boards: [")); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("malformed yaml should be rejected, got %v", err)
	}
}

func TestRegistryDiff(t *testing.T) {
	a := BoardConfig{ID: "a", Projects: []string{"X"}, States: []string{"Open"}}
	b := BoardConfig{ID: "b", Projects: []string{"X"}, States: []string{"Open"}}
	c := BoardConfig{ID: "c", Projects: []string{"Y"}, States: []string{"Open"}}
	prev := mustRegistry(t, a, b)
	changedB := b
	changedB.States = []string{"Open", "Closed"}
	next := mustRegistry(t, changedB, c)

	removed, changed := prev.diff(next)
	if !reflect.DeepEqual(removed, []string{"a"}) || !reflect.DeepEqual(changed, []string{"b"}) {
		t.Fatalf("unexpected diff removed=%v changed=%v", removed, changed)
	}
	if removed, changed := next.diff(next); len(removed) != 0 || len(changed) != 0 {
		t.Fatalf("identical registries should not differ")
	}
}
