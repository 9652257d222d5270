package worker

import (
	"encoding/json"
	"strings"

	"github.com/Laisky/errors/v2"

	"github.com/claude-nexus/proxy/common/config"
	"github.com/claude-nexus/proxy/model"
	"github.com/claude-nexus/proxy/tokenbudget"
)

const analysisPromptPreamble = `Summarize the following conversation between a user and Claude. ` +
	`Respond with a single JSON object with keys "summary" (a short prose summary) and ` +
	`"topics" (an array of short topic strings). Emit JSON only.

Conversation:
`

// buildTranscript flattens a conversation's requests into the flat
// head/middle/tail message list C8 truncates, extracting just the user
// turn and the final assistant turn of each request (spec.md §4.7 step 3).
func buildTranscript(requests []*model.Request) []tokenbudget.Message {
	messages := make([]tokenbudget.Message, 0, len(requests)*2)
	for _, r := range requests {
		if r.RequestType != model.RequestTypeInference {
			continue
		}
		if userText := lastUserText(r.Body); userText != "" {
			messages = append(messages, tokenbudget.Message{Role: "user", Content: userText})
		}
		if assistantText := finalAssistantText(r.ResponseBody); assistantText != "" {
			messages = append(messages, tokenbudget.Message{Role: "assistant", Content: assistantText})
		}
	}
	return messages
}

func lastUserText(body map[string]any) string {
	items, _ := body["messages"].([]any)
	for i := len(items) - 1; i >= 0; i-- {
		obj, ok := items[i].(map[string]any)
		if !ok || obj["role"] != "user" {
			continue
		}
		return flattenContent(obj["content"])
	}
	return ""
}

func finalAssistantText(responseBody map[string]any) string {
	blocks, _ := responseBody["content"].([]any)
	var out strings.Builder
	for _, b := range blocks {
		obj, ok := b.(map[string]any)
		if !ok || obj["type"] != "text" {
			continue
		}
		text, _ := obj["text"].(string)
		out.WriteString(text)
	}
	return out.String()
}

func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		var out strings.Builder
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if obj["type"] == "text" {
				text, _ := obj["text"].(string)
				out.WriteString(text)
			}
		}
		return out.String()
	default:
		return ""
	}
}

// assemblePrompt truncates the transcript to the configured context
// budget and renders it as the final LLM prompt (spec.md §4.7 step 4).
func assemblePrompt(requests []*model.Request) (string, error) {
	messages := buildTranscript(requests)

	truncated, err := tokenbudget.TruncateConversation(messages, tokenbudget.Options{
		HeadMessages:         config.TruncationHeadMessages,
		TailMessages:         config.TruncationTailMessages,
		InputTargetTokens:    config.TruncationInputTargetTokens,
		TruncateFirstNTokens: config.TruncationFirstNTokens,
		TruncateLastMTokens:  config.TruncationLastMTokens,
	})
	if err != nil {
		return "", errors.Wrap(err, "truncate conversation for analysis prompt")
	}

	var sb strings.Builder
	sb.WriteString(analysisPromptPreamble)
	for _, m := range truncated {
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}

	prompt := sb.String()
	if tokenbudget.CountTokens(prompt) > config.PromptMaxPromptTokens {
		return "", errors.New("worker: assembled prompt still exceeds max_prompt_tokens after truncation")
	}
	return prompt, nil
}

// parseAnalysisResponse accepts either raw JSON or JSON fenced in a
// markdown code block (spec.md §4.7 step 6).
func parseAnalysisResponse(text string) (map[string]any, error) {
	candidate := extractFencedJSON(text)
	if candidate == "" {
		candidate = strings.TrimSpace(text)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(candidate), &data); err != nil {
		return nil, errors.Wrap(err, "parse analysis LLM output as JSON")
	}
	return data, nil
}

func extractFencedJSON(text string) string {
	const fence = "```"
	start := strings.Index(text, fence)
	if start == -1 {
		return ""
	}
	rest := text[start+len(fence):]
	rest = strings.TrimPrefix(rest, "json")
	rest = strings.TrimPrefix(rest, "\n")
	end := strings.Index(rest, fence)
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}
