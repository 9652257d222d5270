package proxy

import (
	"strings"

	"github.com/claude-nexus/proxy/model"
)

// ClassifyRequest implements spec.md §4.5 step 2: classify a request
// into {inference, query_evaluation, quota, other} from its path and
// body shape (presence/absence of messages and max_tokens; the system
// field is not consulted).
func ClassifyRequest(path string, body map[string]any) model.RequestType {
	lowerPath := strings.ToLower(path)

	if strings.Contains(lowerPath, "count_tokens") {
		return model.RequestTypeQueryEvaluation
	}
	if strings.Contains(lowerPath, "usage") || strings.Contains(lowerPath, "quota") {
		return model.RequestTypeQuota
	}

	_, hasMessages := body["messages"]
	_, hasMaxTokens := body["max_tokens"]

	switch {
	case hasMessages && hasMaxTokens:
		return model.RequestTypeInference
	case hasMessages:
		return model.RequestTypeQueryEvaluation
	default:
		return model.RequestTypeOther
	}
}
