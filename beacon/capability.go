package beacon

import (
	"encoding/json"
	"strings"
)

// capability blobs come from operator input and survive schema drift, so the
// indexer accepts whatever shape is stored: null, a plain string, an array of
// strings, or an object carrying product/category style lists whose elements
// may themselves be objects with a "name" field.
var capabilityListKeys = []string{
	"products",
	"product",
	"categories",
	"category",
	"services",
	"tags",
	"keywords",
}

// IndexCapabilities flattens a declared capability blob into a single
// lower-cased, whitespace-joined token string. Unrecognized shapes contribute
// nothing; the function never fails.
func IndexCapabilities(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not JSON at all; treat the bytes as free text.
		return normalizeTokens(string(raw))
	}

	var tokens []string
	collectTokens(v, &tokens, 0)
	return normalizeTokens(strings.Join(tokens, " "))
}

const maxCollectDepth = 6

func collectTokens(v any, out *[]string, depth int) {
	if depth > maxCollectDepth {
		return
	}
	switch t := v.(type) {
	case string:
		*out = append(*out, t)
	case []any:
		for _, item := range t {
			collectTokens(item, out, depth+1)
		}
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			*out = append(*out, name)
		}
		if desc, ok := t["description"].(string); ok {
			*out = append(*out, desc)
		}
		for _, key := range capabilityListKeys {
			if nested, ok := t[key]; ok {
				collectTokens(nested, out, depth+1)
			}
		}
	}
}

func normalizeTokens(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
