package worker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/claude-nexus/proxy/model"
)

func TestBuildTranscriptExtractsUserAndAssistantText(t *testing.T) {
	requests := []*model.Request{
		{
			RequestType: model.RequestTypeInference,
			Body: map[string]any{
				"messages": []any{
					map[string]any{"role": "user", "content": "what's the weather"},
				},
			},
			ResponseBody: map[string]any{
				"content": []any{
					map[string]any{"type": "text", "text": "sunny"},
				},
			},
		},
		{
			RequestType: model.RequestTypeQuota, // should be skipped
			Body:        map[string]any{"messages": []any{map[string]any{"role": "user", "content": "ignored"}}},
		},
	}

	messages := buildTranscript(requests)
	require.Len(t, messages, 2)
	require.Equal(t, "user", messages[0].Role)
	require.Equal(t, "what's the weather", messages[0].Content)
	require.Equal(t, "assistant", messages[1].Role)
	require.Equal(t, "sunny", messages[1].Content)
}

func TestFlattenContentHandlesArrayShape(t *testing.T) {
	content := []any{
		map[string]any{"type": "text", "text": "hello "},
		map[string]any{"type": "image", "source": map[string]any{}},
		map[string]any{"type": "text", "text": "world"},
	}
	require.Equal(t, "hello world", flattenContent(content))
}

func TestParseAnalysisResponseAcceptsRawJSON(t *testing.T) {
	data, err := parseAnalysisResponse(`{"summary":"ok","topics":["a","b"]}`)
	require.NoError(t, err)
	require.Equal(t, "ok", data["summary"])
}

func TestParseAnalysisResponseAcceptsFencedJSON(t *testing.T) {
	text := "Here is the analysis:\n```json\n{\"summary\":\"ok\"}\n```\nThanks."
	data, err := parseAnalysisResponse(text)
	require.NoError(t, err)
	require.Equal(t, "ok", data["summary"])
}

func TestParseAnalysisResponseRejectsGarbage(t *testing.T) {
	_, err := parseAnalysisResponse("not json at all")
	require.Error(t, err)
}
