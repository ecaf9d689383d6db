package completion_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/completion"
)

func TestExtractEvents_BalancedBrace(t *testing.T) {
	text := `Here is the result: {"event":"task:done","data":{"ok":true}} thanks`
	events, errs := completion.ExtractEvents(text)
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, "task:done", events[0].Event)
	assert.Equal(t, true, events[0].Data["ok"])
}

func TestExtractEvents_FencedCodeBlock(t *testing.T) {
	text := "Output:\n```json\n{\"event\":\"agent:ping\",\"data\":{}}\n```\ndone"
	events, errs := completion.ExtractEvents(text)
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, "agent:ping", events[0].Event)
}

func TestExtractEvents_IgnoresNonEventObjects(t *testing.T) {
	text := `{"foo":"bar"}`
	events, errs := completion.ExtractEvents(text)
	assert.Empty(t, errs)
	assert.Empty(t, events)
}

func TestExtractEvents_MalformedJSONReportsDiagnostic(t *testing.T) {
	text := `{"event": 'bad', "trailing":1,}`
	events, errs := completion.ExtractEvents(text)
	assert.Empty(t, events)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Suggestion, "single quotes")
}

func TestExtractEvents_BracesInsideStringsDontConfuseDepth(t *testing.T) {
	text := `{"event":"note","data":{"text":"contains a { brace } inline"}}`
	events, errs := completion.ExtractEvents(text)
	require.Empty(t, errs)
	require.Len(t, events, 1)
	assert.Equal(t, "contains a { brace } inline", events[0].Data["text"])
}
