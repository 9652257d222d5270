// Package linker implements C3: resolves each incoming request to
// (conversation_id, branch_id, parent_request_id, is_subtask,
// parent_task_request_id) per spec.md §4.3.
package linker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Laisky/errors/v2"
	"github.com/google/uuid"

	"github.com/claude-nexus/proxy/hashing"
	"github.com/claude-nexus/proxy/model"
)

const (
	compactMarkerStart   = "This session is being continued from a previous conversation"
	compactMarkerSummary = "The conversation is summarized below:"

	subtaskWindow = 60 * time.Second

	compactCandidateLimit = 200
)

// Executor is the C4 query-executor surface the linker depends on.
// model.Store{} is the production implementation; tests supply fakes.
type Executor interface {
	QueryByHash(domain, hash string, systemHash *string, requireSystemHash bool) ([]*model.Request, error)
	SubtaskCandidates(domain string, windowEndTimestamp time.Time) ([]*model.Request, error)
	ChildrenOfParent(parentRequestID string) ([]*model.Request, error)
	CompactCandidates(domain string, limit int) ([]*model.Request, error)
}

// Input is what the writer (C4) hands the linker for one new request.
type Input struct {
	RequestID       string
	Domain          string
	Timestamp       time.Time
	Messages        []hashing.Message
	SystemPromptRaw json.RawMessage
}

// Result is the linkage fields of spec.md §3, ready to be stamped onto the new Request row.
type Result struct {
	ConversationID      string
	BranchID            string
	ParentRequestID     *string
	IsSubtask           bool
	ParentTaskRequestID *string
	CurrentMessageHash  string
	ParentMessageHash   *string
	SystemHash          *string
}

// Link runs the tiered match-then-fallback algorithm of spec.md §4.3.
// When no tier links a parent, it then runs the sub-task detection pass;
// a linked request instead inherits is_subtask and
// parent_task_request_id from the matched parent.
func Link(exec Executor, in Input) (*Result, error) {
	currentHash := hashing.HashMessagesOnly(in.Messages)
	parentHashOfNew := parentHashOf(in.Messages)
	systemHash := hashing.HashSystemPrompt(in.SystemPromptRaw)

	res := &Result{
		CurrentMessageHash: currentHash,
		ParentMessageHash:  parentHashOfNew,
		SystemHash:         systemHash,
	}

	matched, branchOverride, err := matchTiers(exec, in, parentHashOfNew, systemHash)
	if err != nil {
		return nil, errors.Wrap(err, "link conversation")
	}

	if matched == nil {
		newID := uuid.NewString()
		res.ConversationID = newID
		res.BranchID = "main"
		res.ParentRequestID = nil
	} else {
		if matched.ConversationID == nil {
			// Defensive: a matched row should always carry a conversation_id;
			// treat as a fresh root rather than propagate a null group.
			res.ConversationID = uuid.NewString()
		} else {
			res.ConversationID = *matched.ConversationID
		}
		parentID := matched.RequestID
		res.ParentRequestID = &parentID
		res.IsSubtask = matched.IsSubtask
		res.ParentTaskRequestID = matched.ParentTaskRequestID

		if branchOverride != "" {
			res.BranchID = branchOverride
		} else {
			children, err := exec.ChildrenOfParent(matched.RequestID)
			if err != nil {
				return nil, errors.Wrap(err, "list children of matched parent")
			}
			res.BranchID = nextBranch(children, matched.BranchID)
		}
	}

	if res.ParentRequestID == nil {
		if subtaskParent := detectSubtask(exec, in); subtaskParent != nil {
			res.IsSubtask = true
			res.ParentTaskRequestID = subtaskParent
		}
	}

	return res, nil
}

// parentHashOf returns hashMessagesOnly(messages[:-2]), or nil when fewer than 3 messages.
func parentHashOf(messages []hashing.Message) *string {
	if len(messages) < 3 {
		return nil
	}
	h := hashing.HashMessagesOnly(messages[:len(messages)-2])
	return &h
}

// matchTiers runs tiers 1-3 in priority order. branchOverride is non-empty
// only for the tier-2 (compact) match, which mints its own branch name.
func matchTiers(exec Executor, in Input, parentHashOfNew, systemHash *string) (matched *model.Request, branchOverride string, err error) {
	// Tier 1: exact match (same parent hash and same system hash).
	if parentHashOfNew != nil {
		candidates, err := exec.QueryByHash(in.Domain, *parentHashOfNew, systemHash, true)
		if err != nil {
			return nil, "", errors.Wrap(err, "tier1 query")
		}
		if len(candidates) > 0 {
			return candidates[0], "", nil
		}
	}

	// Tier 2: summarization continuation ("compact").
	if summary, ok := extractCompactSummary(in.Messages); ok {
		candidates, err := exec.CompactCandidates(in.Domain, compactCandidateLimit)
		if err != nil {
			return nil, "", errors.Wrap(err, "tier2 query")
		}
		for _, candidate := range candidates {
			responseText := extractFinalAssistantText(candidate.ResponseBody)
			if responseText == "" {
				continue
			}
			if strings.Contains(responseText, summary) {
				branch := fmt.Sprintf("compact_%s", in.Timestamp.UTC().Format("150405"))
				return candidate, branch, nil
			}
		}
	}

	// Tier 3: fallback by parent hash only, ignoring system_hash drift.
	if parentHashOfNew != nil {
		candidates, err := exec.QueryByHash(in.Domain, *parentHashOfNew, nil, false)
		if err != nil {
			return nil, "", errors.Wrap(err, "tier3 query")
		}
		if len(candidates) > 0 {
			return candidates[0], "", nil
		}
	}

	return nil, "", nil
}

// nextBranch picks the branch_id for a newly-linked child: inherit the
// parent's branch if this is its first observed child, otherwise mint
// the next free branch_N.
func nextBranch(existingChildren []*model.Request, parentBranchID string) string {
	if len(existingChildren) == 0 {
		return parentBranchID
	}
	used := make(map[string]bool, len(existingChildren))
	for _, c := range existingChildren {
		used[c.BranchID] = true
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("branch_%d", n)
		if !used[candidate] {
			return candidate
		}
	}
}

// NextBranchID re-lists a parent's children and returns the next free
// branch_id. Callers use it to retry after losing a branch-naming race:
// the database enforces at most one child per (parent_request_id,
// branch_id) via a partial unique index, so a retry here always sees
// the row that won, and therefore always picks a name that row doesn't
// already hold (spec.md §9 "Implementation MUST detect the collision
// ... and increment").
func NextBranchID(exec Executor, parentRequestID, parentBranchID string) (string, error) {
	children, err := exec.ChildrenOfParent(parentRequestID)
	if err != nil {
		return "", errors.Wrap(err, "list children of parent")
	}
	return nextBranch(children, parentBranchID), nil
}

// extractCompactSummary returns the text after the "summarized below:"
// marker in the first user message, if the first user message starts a
// compact-continuation per spec.md §4.3 tier 2.
func extractCompactSummary(messages []hashing.Message) (string, bool) {
	for _, m := range messages {
		if m.Role != "user" {
			continue
		}
		for _, text := range messageTextItems(m) {
			if !strings.Contains(text, compactMarkerStart) {
				continue
			}
			idx := strings.Index(text, compactMarkerSummary)
			if idx == -1 {
				continue
			}
			summary := strings.TrimSpace(text[idx+len(compactMarkerSummary):])
			if summary == "" {
				continue
			}
			return summary, true
		}
		break // only the first user message is considered
	}
	return "", false
}

// messageTextItems returns the trimmed text of every non-system-reminder
// text item in a message's content (string or array shaped).
func messageTextItems(m hashing.Message) []string {
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	var items []hashing.ContentItem
	if err := json.Unmarshal(m.Content, &items); err != nil {
		return nil
	}
	var out []string
	for _, item := range items {
		if item.Type != "text" || hashing.IsSystemReminder(item) {
			continue
		}
		trimmed := strings.TrimSpace(item.Text)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// extractFinalAssistantText pulls the plain text out of an Anthropic
// Messages API response body's content blocks, concatenated in order.
func extractFinalAssistantText(responseBody map[string]any) string {
	if responseBody == nil {
		return ""
	}
	content, ok := responseBody["content"].([]any)
	if !ok {
		return ""
	}
	var sb strings.Builder
	for _, block := range content {
		m, ok := block.(map[string]any)
		if !ok {
			continue
		}
		if m["type"] != "text" {
			continue
		}
		if text, ok := m["text"].(string); ok {
			sb.WriteString(text)
		}
	}
	return sb.String()
}

// detectSubtask implements spec.md §4.3's sub-task detection: matches the
// new request's first user message text against a prior Task tool
// invocation's prompt/description within the trailing 60s window.
func detectSubtask(exec Executor, in Input) *string {
	firstUserTexts := firstUserMessageTexts(in.Messages)
	if len(firstUserTexts) == 0 {
		return nil
	}

	candidates, err := exec.SubtaskCandidates(in.Domain, in.Timestamp)
	if err != nil {
		return nil
	}

	for _, candidate := range candidates {
		for _, invocation := range candidate.TaskToolInvocation {
			for _, field := range []string{"prompt", "description"} {
				val, ok := invocation.Input[field].(string)
				if !ok {
					continue
				}
				val = strings.TrimSpace(val)
				if val == "" {
					continue
				}
				for _, userText := range firstUserTexts {
					if userText == val {
						id := candidate.RequestID
						return &id
					}
				}
			}
		}
	}
	return nil
}

// firstUserMessageTexts returns the text items of the first user message
// in a new request's message list.
func firstUserMessageTexts(messages []hashing.Message) []string {
	for _, m := range messages {
		if m.Role == "user" {
			return messageTextItems(m)
		}
	}
	return nil
}
