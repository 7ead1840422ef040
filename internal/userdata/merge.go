package userdata

// DeepMerge merges overlay on top of base and returns a new tree. Maps merge
// recursively; any other value in overlay (including lists) replaces the base
// value wholesale. Neither input is mutated.
func DeepMerge(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = copyValue(v)
	}
	for k, v := range overlay {
		bv, exists := out[k]
		bm, baseIsMap := bv.(map[string]any)
		om, overlayIsMap := v.(map[string]any)
		if exists && baseIsMap && overlayIsMap {
			out[k] = DeepMerge(bm, om)
			continue
		}
		out[k] = copyValue(v)
	}
	return out
}

// copyValue deep-copies maps and slices so merged trees never alias their
// inputs.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	default:
		return v
	}
}
