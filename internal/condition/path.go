package condition

import (
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// LookupPath resolves a dot-separated path ("customer.address.city",
// "items.0.sku") inside data. Numeric segments index arrays.
func LookupPath(data map[string]any, dotPath string) (any, bool) {
	dotPath = strings.TrimSpace(dotPath)
	if dotPath == "" || data == nil {
		return nil, false
	}

	var b strings.Builder
	b.WriteString("$")
	for _, seg := range strings.Split(dotPath, ".") {
		if seg == "" {
			return nil, false
		}
		if _, err := strconv.Atoi(seg); err == nil {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("." + seg)
	}

	v, err := jsonpath.JsonPathLookup(data, b.String())
	if err != nil {
		return nil, false
	}
	return v, true
}
