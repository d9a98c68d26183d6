package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mohammad-safakhou/sitrep/internal/helpers"
)

// decodePayload extracts the JSON value of the given shape from model text
// and decodes it into a loosely typed value. The agents validate every field
// they read from it; nothing untyped leaves this package.
func decodePayload(text string, shape helpers.JSONShape) (any, error) {
	raw, err := helpers.ExtractJSON(text, shape)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// objectList returns the object entries of v (or of v[key] when v is an
// object), skipping anything that is not an object.
func objectList(v any, key string) []map[string]any {
	if obj, ok := v.(map[string]any); ok && key != "" {
		v = obj[key]
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case json.Number:
		n, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = n
	case float64:
		f = x
	case int:
		f = float64(x)
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = n
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func asString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case json.Number:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func stringOr(v any, def string) string {
	if s := asString(v); s != "" {
		return s
	}
	return def
}

// asStrings keeps the non-empty scalar entries of a list.
func asStrings(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s := asString(e); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// clampScore rounds v into [0,100]. Non-numeric input scores 50.
func clampScore(v any) int {
	f, ok := asFloat(v)
	if !ok {
		return 50
	}
	return int(math.Max(0, math.Min(100, math.Round(f))))
}
