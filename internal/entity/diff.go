package entity

import "sort"

// DiffFields returns the union of keys present on either side whose
// canonicalized values differ, sorted for deterministic output.
func DiffFields(server, client map[string]any) []string {
	seen := make(map[string]struct{}, len(server)+len(client))
	var out []string

	add := func(k string) {
		if _, dup := seen[k]; dup {
			return
		}
		seen[k] = struct{}{}
		sv, sok := server[k]
		cv, cok := client[k]
		if sok != cok || !CanonicalEqual(sv, cv) {
			out = append(out, k)
		}
	}

	for k := range server {
		add(k)
	}
	for k := range client {
		add(k)
	}

	sort.Strings(out)
	return out
}

// CanonicalEqual compares two JSON-decoded values structurally.
// Arrays compare by element, objects by key; numeric comparisons are exact
// after normalizing int/int64 to float64 (the JSON decoder's native type).
func CanonicalEqual(a, b any) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case float64, int, int64:
		bf, ok := toFloat(b)
		if !ok {
			return false
		}
		af, _ := toFloat(a)
		return af == bf
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !CanonicalEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bvv, present := bv[k]
			if !present || !CanonicalEqual(v, bvv) {
				return false
			}
		}
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// ClonePayload deep-copies a JSON-decoded payload so callers can mutate
// their copy without aliasing stored state.
func ClonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return ClonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
