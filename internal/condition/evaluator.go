// Package condition evaluates gateway conditions against an instance context.
//
// Three expression forms are accepted:
//   - a JSON boolean literal
//   - a JSON object or array, evaluated as JSON-logic
//   - a JSON string, evaluated as a JavaScript expression with the context
//     bound to `$` and `context`
package condition

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/dop251/goja"
)

// DefaultScriptBudget bounds the run time of a JavaScript condition.
const DefaultScriptBudget = 100 * time.Millisecond

// Evaluator evaluates a condition expression against context data.
type Evaluator interface {
	Evaluate(expr json.RawMessage, data map[string]any) (bool, error)
}

// Engine is the default Evaluator. It holds no per-call state and is safe for
// concurrent use.
type Engine struct {
	scriptBudget time.Duration
}

// NewEngine creates an Engine. A zero budget selects DefaultScriptBudget.
func NewEngine(scriptBudget time.Duration) *Engine {
	if scriptBudget <= 0 {
		scriptBudget = DefaultScriptBudget
	}
	return &Engine{scriptBudget: scriptBudget}
}

// Evaluate returns the truthiness of expr evaluated against data. An empty or
// null expression evaluates to false.
func (e *Engine) Evaluate(expr json.RawMessage, data map[string]any) (bool, error) {
	trimmed := bytes.TrimSpace(expr)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false, nil
	}

	switch trimmed[0] {
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(trimmed, &b); err != nil {
			return false, fmt.Errorf("condition: %w", err)
		}
		return b, nil
	case '{', '[':
		return e.evaluateLogic(trimmed, data)
	case '"':
		var script string
		if err := json.Unmarshal(trimmed, &script); err != nil {
			return false, fmt.Errorf("condition: %w", err)
		}
		return e.evaluateScript(script, data)
	default:
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return false, fmt.Errorf("condition: %w", err)
		}
		return Truthy(v), nil
	}
}

func (e *Engine) evaluateLogic(rule []byte, data map[string]any) (bool, error) {
	if data == nil {
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("condition: encode data: %w", err)
	}

	var out bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(rule), bytes.NewReader(dataJSON), &out); err != nil {
		return false, fmt.Errorf("condition: json-logic: %w", err)
	}

	var result any
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		return false, fmt.Errorf("condition: decode result: %w", err)
	}
	return Truthy(result), nil
}

func (e *Engine) evaluateScript(script string, data map[string]any) (bool, error) {
	// goja wraps Go maps by reference; scripts get a detached copy.
	data, err := detach(data)
	if err != nil {
		return false, fmt.Errorf("condition: bind context: %w", err)
	}
	vm := goja.New()
	if err := vm.Set("$", data); err != nil {
		return false, fmt.Errorf("condition: bind context: %w", err)
	}
	if err := vm.Set("context", data); err != nil {
		return false, fmt.Errorf("condition: bind context: %w", err)
	}

	timer := time.AfterFunc(e.scriptBudget, func() {
		vm.Interrupt("condition exceeded its time budget")
	})
	defer timer.Stop()

	v, err := vm.RunString(script)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return false, fmt.Errorf("condition: script interrupted after %s", e.scriptBudget)
		}
		return false, fmt.Errorf("condition: script: %w", err)
	}
	return v.ToBoolean(), nil
}

func detach(data map[string]any) (map[string]any, error) {
	out := map[string]any{}
	if len(data) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Truthy applies JSON-logic truthiness: false, null, 0, "" and empty arrays
// are false.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
