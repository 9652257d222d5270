package proxy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/claude-nexus/proxy/model"
)

func TestClassifyRequest(t *testing.T) {
	cases := []struct {
		name string
		path string
		body map[string]any
		want model.RequestType
	}{
		{
			name: "inference",
			path: "/v1/messages",
			body: map[string]any{"messages": []any{}, "max_tokens": 1024.0},
			want: model.RequestTypeInference,
		},
		{
			name: "count tokens path",
			path: "/v1/messages/count_tokens",
			body: map[string]any{"messages": []any{}},
			want: model.RequestTypeQueryEvaluation,
		},
		{
			name: "messages without max_tokens",
			path: "/v1/messages",
			body: map[string]any{"messages": []any{}},
			want: model.RequestTypeQueryEvaluation,
		},
		{
			name: "usage path",
			path: "/v1/organizations/usage",
			body: map[string]any{},
			want: model.RequestTypeQuota,
		},
		{
			name: "other",
			path: "/v1/models",
			body: map[string]any{},
			want: model.RequestTypeOther,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyRequest(tc.path, tc.body)
			require.Equal(t, tc.want, got)
		})
	}
}
