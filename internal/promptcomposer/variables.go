package promptcomposer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// placeholderPattern matches one {{...}} placeholder; the inner
// expression is re-parsed by resolvePlaceholder since it can itself
// contain a default, a dotted path, or a function call.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ResolveError is raised by strict-mode substitution when a referenced
// variable is missing and has no default.
type ResolveError struct {
	Key       string
	Available []string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("promptcomposer: unresolved variable %q (available: %s)", e.Key, strings.Join(e.Available, ", "))
}

// substitute renders template against scope (composition + component
// variables, already deep-merged) and callerContext (the caller-supplied
// context, reachable via {{_ksi_context.x}}, via {{$}}, and unqualified
// for any key scope does not define). It fails fast on the first
// unresolvable variable.
func substitute(template string, scope map[string]any, callerContext map[string]any) (string, error) {
	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := placeholderPattern.FindStringSubmatch(match)[1]
		val, err := resolveExpr(expr, scope, callerContext)
		if err != nil {
			firstErr = err
			return match
		}
		return stringify(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolveExpr evaluates one {{...}} placeholder's inner expression:
// {{$}}, {{func(arg)}}, {{var|default}}, {{obj.path.0}}, or
// {{_ksi_context.x}} (handled by the ordinary dotted-path lookup, since
// "_ksi_context" is just the root key under which callerContext is
// exposed to lookups).
func resolveExpr(expr string, scope map[string]any, callerContext map[string]any) (any, error) {
	expr = strings.TrimSpace(expr)

	if expr == "$" {
		return mergedRoot(scope, callerContext), nil
	}

	if name, arg, ok := parseFuncCall(expr); ok {
		argVal, _ := resolveExpr(arg, scope, callerContext)
		return callBuiltin(name, arg, argVal)
	}

	path := expr
	var def string
	hasDefault := false
	if idx := strings.Index(expr, "|"); idx >= 0 {
		path = strings.TrimSpace(expr[:idx])
		def = strings.TrimSpace(expr[idx+1:])
		hasDefault = true
	}

	root := mergedRoot(scope, callerContext)
	val, found := lookupPath(root, path)
	if found {
		return val, nil
	}
	if hasDefault {
		return def, nil
	}
	return nil, &ResolveError{Key: path, Available: availableKeys(root)}
}

// mergedRoot exposes scope's variables at the top level plus callerContext
// nested under "_ksi_context", so {{var}} resolves against composed
// variables while {{_ksi_context.x}} reaches into what the caller passed
// at composition time.
func mergedRoot(scope, callerContext map[string]any) map[string]any {
	root := make(map[string]any, len(scope)+1)
	for k, v := range scope {
		root[k] = v
	}
	root["_ksi_context"] = callerContext
	// Caller context also resolves unqualified, with scope winning on
	// collisions: composition/component vars take priority over the
	// caller's own context when both define the same name.
	for k, v := range callerContext {
		if _, exists := root[k]; !exists {
			root[k] = v
		}
	}
	return root
}

func availableKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

// lookupPath resolves a dotted path like "obj.path.0" against root,
// indexing into maps by key and into slices by integer segment.
func lookupPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = root
	for _, seg := range segments {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// parseFuncCall recognises "name(arg)"; arg may itself be a dotted path or
// a quoted string literal.
func parseFuncCall(expr string) (name, arg string, ok bool) {
	open := strings.Index(expr, "(")
	if open == -1 || !strings.HasSuffix(expr, ")") {
		return "", "", false
	}
	name = strings.TrimSpace(expr[:open])
	if name == "" {
		return "", "", false
	}
	for _, r := range name {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')) {
			return "", "", false
		}
	}
	arg = strings.TrimSpace(expr[open+1 : len(expr)-1])
	arg = strings.Trim(arg, `"'`)
	return name, arg, true
}

// callBuiltin implements the built-in function set: timestamp_utc, time,
// len, str, int, float, json, upper, lower. argRaw is the unresolved
// literal, used as the value when argVal is nil; argVal is the resolved
// value of a variable-reference argument. timestamp_utc and time ignore
// both.
func callBuiltin(name, argRaw string, argVal any) (any, error) {
	switch name {
	case "timestamp_utc":
		return time.Now().UTC().Format(time.RFC3339), nil
	case "time":
		return time.Now().UTC().Format("15:04:05"), nil
	case "len":
		return builtinLen(valueOrLiteral(argVal, argRaw)), nil
	case "str":
		return stringify(valueOrLiteral(argVal, argRaw)), nil
	case "int":
		return builtinInt(valueOrLiteral(argVal, argRaw)), nil
	case "float":
		return builtinFloat(valueOrLiteral(argVal, argRaw)), nil
	case "json":
		return builtinJSON(valueOrLiteral(argVal, argRaw)), nil
	case "upper":
		return strings.ToUpper(stringify(valueOrLiteral(argVal, argRaw))), nil
	case "lower":
		return strings.ToLower(stringify(valueOrLiteral(argVal, argRaw))), nil
	default:
		return nil, fmt.Errorf("promptcomposer: unknown function %q", name)
	}
}

// valueOrLiteral falls back to the raw literal text when the argument
// didn't resolve as a variable path (e.g. a quoted string literal).
func valueOrLiteral(resolved any, raw string) any {
	if resolved != nil {
		return resolved
	}
	return raw
}

func builtinLen(v any) int {
	switch t := v.(type) {
	case string:
		return len(t)
	case []any:
		return len(t)
	case map[string]any:
		return len(t)
	default:
		return 0
	}
}

func builtinInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

func builtinFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func builtinJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// stringify renders a resolved value for splicing into template output:
// plain strings pass through, complex values serialise as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", t)
	}
}
