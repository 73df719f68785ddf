package action

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/pitabwire/loom/internal/condition"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Template substitutes {{instance.id}}, {{instance.status}} and
// {{context.<dot.path>}} tokens. Unresolved tokens are left verbatim.
type Template struct {
	InstanceID     string
	InstanceStatus string
	Context        map[string]any
}

// TemplateFor builds a Template from an action request.
func TemplateFor(req Request) Template {
	return Template{
		InstanceID:     req.InstanceID,
		InstanceStatus: req.InstanceStatus,
		Context:        req.Context,
	}
}

// Render replaces every resolvable token in s.
func (t Template) Render(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := tokenPattern.FindStringSubmatch(match)[1]
		if v, ok := t.resolve(name); ok {
			return v
		}
		return match
	})
}

// RenderJSON walks a decoded JSON value and renders every string leaf.
func (t Template) RenderJSON(v any) any {
	switch x := v.(type) {
	case string:
		return t.Render(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = t.RenderJSON(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = t.RenderJSON(val)
		}
		return out
	default:
		return v
	}
}

func (t Template) resolve(name string) (string, bool) {
	switch {
	case name == "instance.id":
		return t.InstanceID, t.InstanceID != ""
	case name == "instance.status":
		return t.InstanceStatus, t.InstanceStatus != ""
	case strings.HasPrefix(name, "context."):
		v, ok := condition.LookupPath(t.Context, strings.TrimPrefix(name, "context."))
		if !ok || v == nil {
			return "", false
		}
		if s, isString := v.(string); isString {
			return s, true
		}
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
	return "", false
}
