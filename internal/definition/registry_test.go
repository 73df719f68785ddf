package definition

import (
	"context"
	"sync"
	"testing"

	"github.com/pitabwire/loom/model"
)

type countingSource struct {
	mu    sync.Mutex
	defs  map[string]model.WorkflowDefinition
	calls int
}

func (s *countingSource) GetDefinition(_ context.Context, tenantID, id string) (model.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	def, ok := s.defs[tenantID+"/"+id]
	if !ok {
		return model.WorkflowDefinition{}, model.NewNotFoundError("definition not found")
	}
	return def, nil
}

const linearDSL = `{"nodes":[{"id":"s","type":"start"},{"id":"e","type":"end"}],"edges":[{"from":"s","to":"e"}]}`

func newSource() *countingSource {
	return &countingSource{defs: map[string]model.WorkflowDefinition{
		"acme/flow":  {ID: "flow", TenantID: "acme", DSL: []byte(linearDSL), IsPublished: true},
		"acme/draft": {ID: "draft", TenantID: "acme", DSL: []byte(linearDSL)},
		"acme/bad":   {ID: "bad", TenantID: "acme", DSL: []byte(`{"nodes":[{"id":"x","type":"?"}]}`), IsPublished: true},
	}}
}

func TestRegistry_Published_caches(t *testing.T) {
	src := newSource()
	r := NewRegistry(src, 0)

	for i := 0; i < 3; i++ {
		c, err := r.Published(context.Background(), "acme", "flow")
		if err != nil {
			t.Fatalf("Published error: %v", err)
		}
		if c.Graph == nil {
			t.Fatal("Graph is nil")
		}
	}
	if src.calls != 1 {
		t.Errorf("source calls = %d, want 1", src.calls)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	r.Invalidate("acme", "flow")
	if _, err := r.Published(context.Background(), "acme", "flow"); err != nil {
		t.Fatalf("Published after Invalidate: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source calls after Invalidate = %d, want 2", src.calls)
	}
}

func TestRegistry_Published_errors(t *testing.T) {
	r := NewRegistry(newSource(), 0)

	tests := []struct {
		tenant, id, code string
	}{
		{"acme", "missing", model.ErrDefinitionNotFound},
		{"other", "flow", model.ErrDefinitionNotFound},
		{"acme", "draft", model.ErrDefinitionNotPublished},
		{"acme", "bad", model.ErrConfiguration},
	}
	for _, tt := range tests {
		_, err := r.Published(context.Background(), tt.tenant, tt.id)
		if !model.IsCode(err, tt.code) {
			t.Errorf("Published(%s, %s) error = %v, want code %s", tt.tenant, tt.id, err, tt.code)
		}
	}
	if r.Len() != 0 {
		t.Errorf("failed lookups were cached: Len() = %d", r.Len())
	}
}
