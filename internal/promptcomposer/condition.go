package promptcomposer

import "strings"

// evalCondition evaluates a minimal boolean expression against ctx: a
// dotted variable path, optionally negated with a leading "!", optionally
// compared for equality with "==", joined by "&&" / "||" (the expression
// is split on "||" first, so "&&" binds tighter; there are no parentheses
// — matches the depth of condition
// logic the spec's examples actually need: gating a mixin or component on
// whether a flag or value is present). No third-party expression
// evaluator appears anywhere in the retrieval pack, so this is a small
// hand-rolled evaluator rather than a borrowed one.
func evalCondition(expr string, ctx map[string]any) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true
	}
	if strings.Contains(expr, "||") {
		for _, part := range strings.Split(expr, "||") {
			if evalCondition(part, ctx) {
				return true
			}
		}
		return false
	}
	if strings.Contains(expr, "&&") {
		for _, part := range strings.Split(expr, "&&") {
			if !evalCondition(part, ctx) {
				return false
			}
		}
		return true
	}
	negate := false
	if strings.HasPrefix(expr, "!") {
		negate = true
		expr = strings.TrimPrefix(expr, "!")
	}
	var result bool
	if idx := strings.Index(expr, "=="); idx >= 0 {
		left := strings.TrimSpace(expr[:idx])
		right := strings.Trim(strings.TrimSpace(expr[idx+2:]), `"'`)
		val, _ := lookupPath(ctx, left)
		result = stringify(val) == right
	} else {
		val, found := lookupPath(ctx, strings.TrimSpace(expr))
		result = found && truthy(val)
	}
	if negate {
		return !result
	}
	return result
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}
