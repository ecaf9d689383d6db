package completion

import (
	"encoding/json"
	"strings"
)

// ExtractedEvent is one JSON object pulled out of assistant text that
// carries a top-level "event" string field.
type ExtractedEvent struct {
	Event string
	Data  map[string]any
}

// ExtractionError names one candidate block that looked like JSON but
// failed to parse, with a best-effort diagnostic suggestion.
type ExtractionError struct {
	Snippet    string
	Suggestion string
}

// ExtractEvents scans text for embedded JSON objects using fenced code
// blocks first, then balanced-brace scanning over the remaining text, and
// returns every object with a top-level "event" string field, plus any
// candidate blocks that looked like JSON but failed to parse.
func ExtractEvents(text string) ([]ExtractedEvent, []ExtractionError) {
	var events []ExtractedEvent
	var errs []ExtractionError

	candidates, rest := fencedCodeBlocks(text)
	candidates = append(candidates, balancedBraceBlocks(rest)...)

	for _, candidate := range candidates {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			errs = append(errs, ExtractionError{Snippet: candidate, Suggestion: diagnose(candidate)})
			continue
		}
		eventName, ok := obj["event"].(string)
		if !ok {
			continue
		}
		data, _ := obj["data"].(map[string]any)
		events = append(events, ExtractedEvent{Event: eventName, Data: data})
	}
	return events, errs
}

// fencedCodeBlocks extracts the contents of ```json ... ``` (or bare ```)
// fences that look like a JSON object, and returns the remaining text with
// those fences removed so balancedBraceBlocks doesn't double-scan them.
func fencedCodeBlocks(text string) (blocks []string, rest string) {
	var b strings.Builder
	i := 0
	for i < len(text) {
		idx := strings.Index(text[i:], "```")
		if idx == -1 {
			b.WriteString(text[i:])
			break
		}
		b.WriteString(text[i : i+idx])
		fenceStart := i + idx + 3
		end := strings.Index(text[fenceStart:], "```")
		if end == -1 {
			b.WriteString(text[i+idx:])
			break
		}
		body := text[fenceStart : fenceStart+end]
		body = strings.TrimPrefix(body, "json\n")
		body = strings.TrimPrefix(body, "json")
		body = strings.TrimSpace(body)
		if strings.HasPrefix(body, "{") {
			blocks = append(blocks, body)
		}
		i = fenceStart + end + 3
	}
	return blocks, b.String()
}

// balancedBraceBlocks scans text for top-level {...} spans using brace
// depth counting, tolerant of braces inside string literals.
func balancedBraceBlocks(text string) []string {
	var blocks []string
	depth := 0
	start := -1
	inString := false
	escape := false

	for i, r := range text {
		if inString {
			if escape {
				escape = false
			} else if r == '\\' {
				escape = true
			} else if r == '"' {
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					blocks = append(blocks, text[start:i+1])
					start = -1
				}
			}
		}
	}
	return blocks
}

// diagnose offers a best-effort hint about why candidate failed to parse
// as JSON: the common hand-written-JSON mistakes an LLM tends to make.
func diagnose(candidate string) string {
	var hints []string
	if strings.Contains(candidate, ",}") || strings.Contains(candidate, ", }") {
		hints = append(hints, "trailing comma before a closing brace")
	}
	if strings.Contains(candidate, ",]") || strings.Contains(candidate, ", ]") {
		hints = append(hints, "trailing comma before a closing bracket")
	}
	if strings.Contains(candidate, "'") {
		hints = append(hints, "single quotes where double quotes are required")
	}
	if strings.Contains(candidate, "//") {
		hints = append(hints, "JSON does not support // comments")
	}
	if len(hints) == 0 {
		return "malformed JSON"
	}
	return strings.Join(hints, "; ")
}
