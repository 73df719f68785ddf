package definition

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/loom/model"
)

const approvalYAML = `id: order-approval
tenant_id: acme
name: Order approval
version: 2
published: true
dsl:
  nodes:
    - id: start
      type: start
    - id: review
      type: humanTask
      properties:
        assignee: alice
    - id: end
      type: end
  edges:
    - from: start
      to: review
    - from: review
      to: end
`

const draftJSON = `{
  "id": "draft-flow",
  "tenant_id": "acme",
  "name": "Draft",
  "dsl": {"nodes": [{"id": "s", "type": "start"}, {"id": "e", "type": "end"}], "edges": [{"from": "s", "to": "e"}]}
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "approval.yaml", approvalYAML)

	def, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if def.ID != "order-approval" {
		t.Errorf("ID = %q, want order-approval", def.ID)
	}
	if def.TenantID != "acme" {
		t.Errorf("TenantID = %q, want acme", def.TenantID)
	}
	if def.Version != 2 {
		t.Errorf("Version = %d, want 2", def.Version)
	}
	if !def.IsPublished || def.PublishedAt == nil {
		t.Error("definition should be published with PublishedAt set")
	}
	if len(def.DSL) == 0 {
		t.Error("DSL should not be empty")
	}
}

func TestLoader_LoadFile_json_draft(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "draft.json", draftJSON)

	def, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if def.IsPublished {
		t.Error("draft should not be published")
	}
	if def.Version != 1 {
		t.Errorf("Version = %d, want default 1", def.Version)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	if _, err := NewLoader().LoadFile("does/not/exist.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_dsl(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.yaml", `id: bad
tenant_id: acme
dsl:
  nodes:
    - id: a
      type: teleport
`)
	if _, err := NewLoader().LoadFile(path); err == nil {
		t.Fatal("LoadFile() with unknown node type should return error")
	}
}

func TestLoader_LoadFile_requires_ids(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "anon.yaml", "name: nobody\n")
	if _, err := NewLoader().LoadFile(path); err == nil {
		t.Fatal("LoadFile() without id should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "approval.yaml", approvalYAML)
	writeFile(t, dir, "nested/draft.json", draftJSON)
	writeFile(t, dir, "README.md", "ignored")

	defs, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("LoadAll() = %d definitions, want 2", len(defs))
	}
}

type recordingSaver struct {
	saved    []string
	conflict map[string]bool
}

func (s *recordingSaver) SaveDefinition(_ context.Context, def model.WorkflowDefinition) error {
	if s.conflict[def.ID] {
		return model.NewConflictError("published definition is immutable")
	}
	s.saved = append(s.saved, def.ID)
	return nil
}

func TestSeed_skips_conflicts(t *testing.T) {
	saver := &recordingSaver{conflict: map[string]bool{"b": true}}
	n, err := Seed(context.Background(), saver, []model.WorkflowDefinition{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if err != nil {
		t.Fatalf("Seed error: %v", err)
	}
	if n != 2 {
		t.Errorf("Seed saved %d, want 2", n)
	}
	if len(saver.saved) != 2 || saver.saved[0] != "a" || saver.saved[1] != "c" {
		t.Errorf("saved = %v", saver.saved)
	}
}
