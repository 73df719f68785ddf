package definition

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pitabwire/loom/internal/dsl"
	"github.com/pitabwire/loom/model"
)

// Source looks up stored definitions.
type Source interface {
	GetDefinition(ctx context.Context, tenantID, id string) (model.WorkflowDefinition, error)
}

// Compiled is a published definition together with its parsed graph.
type Compiled struct {
	Definition model.WorkflowDefinition
	Graph      *dsl.Graph
}

// Registry serves published definitions, parsing each DSL document once.
// Published definitions are immutable, so cached entries never go stale.
type Registry struct {
	source Source
	cache  *gocache.Cache
}

// NewRegistry creates a Registry. A zero ttl keeps entries until evicted with
// Invalidate.
func NewRegistry(source Source, ttl time.Duration) *Registry {
	expiration := gocache.NoExpiration
	cleanup := 10 * time.Minute
	if ttl > 0 {
		expiration = ttl
		cleanup = ttl
	}
	return &Registry{
		source: source,
		cache:  gocache.New(expiration, cleanup),
	}
}

// Published returns the compiled published definition. Unknown definitions
// yield DEFINITION_NOT_FOUND, drafts DEFINITION_NOT_PUBLISHED and unparseable
// graphs CONFIGURATION_ERROR.
func (r *Registry) Published(ctx context.Context, tenantID, id string) (*Compiled, error) {
	key := cacheKey(tenantID, id)
	if v, ok := r.cache.Get(key); ok {
		return v.(*Compiled), nil
	}

	def, err := r.source.GetDefinition(ctx, tenantID, id)
	if model.IsCode(err, model.ErrNotFound) {
		return nil, model.NewDefinitionNotFoundError(id)
	}
	if err != nil {
		return nil, err
	}
	if !def.IsPublished {
		return nil, model.NewDefinitionNotPublishedError(id)
	}

	graph, err := dsl.Parse(def.DSL)
	if err != nil {
		return nil, err
	}

	c := &Compiled{Definition: def, Graph: graph}
	r.cache.SetDefault(key, c)
	return c, nil
}

// Invalidate drops a cached definition.
func (r *Registry) Invalidate(tenantID, id string) {
	r.cache.Delete(cacheKey(tenantID, id))
}

// Len returns the number of cached definitions.
func (r *Registry) Len() int {
	return r.cache.ItemCount()
}

func cacheKey(tenantID, id string) string {
	return tenantID + "/" + id
}
