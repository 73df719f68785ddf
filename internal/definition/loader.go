// Package definition loads workflow definition files and serves parsed,
// published definitions through a cache.
package definition

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/loom/internal/dsl"
	"github.com/pitabwire/loom/model"
)

// fileDefinition is the on-disk shape of a definition file. JSON files are
// read through the same YAML decoder.
type fileDefinition struct {
	ID        string `yaml:"id"`
	TenantID  string `yaml:"tenant_id"`
	Name      string `yaml:"name"`
	Version   int    `yaml:"version"`
	Published bool   `yaml:"published"`
	DSL       any    `yaml:"dsl"`
}

// Loader scans directories for definition files.
type Loader struct {
	now func() time.Time
}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{now: time.Now}
}

// LoadAll recursively scans directories for *.yaml, *.yml and *.json files
// and parses each into a WorkflowDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.WorkflowDefinition, error) {
	var defs []model.WorkflowDefinition

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" && ext != ".json" {
				return nil
			}

			def, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			defs = append(defs, def)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return defs, nil
}

// LoadFile loads a single definition file. The embedded DSL is re-encoded as
// JSON and parsed so malformed graphs are rejected at load time.
func (l *Loader) LoadFile(path string) (model.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var fd fileDefinition
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	if fd.ID == "" {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: id is required", path)
	}
	if fd.TenantID == "" {
		return model.WorkflowDefinition{}, fmt.Errorf("parsing %s: tenant_id is required", path)
	}

	raw, err := json.Marshal(fd.DSL)
	if err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("encoding dsl in %s: %w", path, err)
	}
	if _, err := dsl.Parse(raw); err != nil {
		return model.WorkflowDefinition{}, fmt.Errorf("invalid dsl in %s: %w", path, err)
	}

	now := l.now().UTC()
	def := model.WorkflowDefinition{
		ID:          fd.ID,
		TenantID:    fd.TenantID,
		Name:        fd.Name,
		Version:     fd.Version,
		DSL:         raw,
		IsPublished: fd.Published,
		CreatedAt:   now,
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if def.IsPublished {
		def.PublishedAt = &now
	}
	return def, nil
}

// Saver persists definitions.
type Saver interface {
	SaveDefinition(ctx context.Context, def model.WorkflowDefinition) error
}

// Seed saves every definition. Definitions that already exist in published
// form are skipped. It returns the number saved.
func Seed(ctx context.Context, saver Saver, defs []model.WorkflowDefinition) (int, error) {
	saved := 0
	for _, def := range defs {
		err := saver.SaveDefinition(ctx, def)
		if model.IsCode(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return saved, fmt.Errorf("seeding definition %q: %w", def.ID, err)
		}
		saved++
	}
	return saved, nil
}
