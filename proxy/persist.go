package proxy

import (
	"encoding/json"

	"github.com/Laisky/errors/v2"
	"github.com/Laisky/zap"
	"gorm.io/gorm"

	"github.com/claude-nexus/proxy/common/logger"
	"github.com/claude-nexus/proxy/hashing"
	"github.com/claude-nexus/proxy/linker"
	"github.com/claude-nexus/proxy/model"
)

// maxBranchNamingRetries bounds how many times writeRequest will re-pick
// a branch_id after losing a concurrent branch-naming race (spec.md §9)
// before giving up and logging the failure.
const maxBranchNamingRetries = 5

// writeRequest implements C4's write path (spec.md §4.4): hash, link,
// insert, then any streaming chunks. It is always called off the
// client's response path.
func writeRequest(store linker.Executor, r *model.Request, messages []hashing.Message, systemRaw json.RawMessage, chunks []*model.StreamingChunk) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Logger.Error("panic while persisting request", zap.Any("recover", rec), zap.String("request_id", r.RequestID))
		}
	}()

	if r.RequestType == model.RequestTypeInference {
		result, err := linker.Link(store, linker.Input{
			RequestID:       r.RequestID,
			Domain:          r.Domain,
			Timestamp:       r.Timestamp,
			Messages:        messages,
			SystemPromptRaw: systemRaw,
		})
		if err != nil {
			// Linking errors degrade to "treat as conversation root" rather
			// than fail the write (spec.md §7 LinkingAmbiguous).
			logger.Logger.Warn("conversation linking failed, storing as root", zap.Error(err), zap.String("request_id", r.RequestID))
			r.CurrentMessageHash = hashing.HashMessagesOnly(messages)
			r.BranchID = "main"
		} else {
			r.ConversationID = &result.ConversationID
			r.BranchID = result.BranchID
			r.ParentRequestID = result.ParentRequestID
			r.IsSubtask = result.IsSubtask
			r.ParentTaskRequestID = result.ParentTaskRequestID
			r.CurrentMessageHash = result.CurrentMessageHash
			r.ParentMessageHash = result.ParentMessageHash
			r.SystemHash = result.SystemHash
		}
	} else {
		// Non-inference requests are persisted but never linked (resolved
		// Open Question: conversation_id forced null).
		r.ConversationID = nil
		r.CurrentMessageHash = hashing.HashMessagesOnly(messages)
	}

	if err := insertWithBranchRetry(store, r); err != nil {
		logger.Logger.Error("failed to persist request", zap.Error(err), zap.String("request_id", r.RequestID))
		return
	}

	if len(chunks) > 0 {
		for _, chunk := range chunks {
			chunk.RequestID = r.RequestID
		}
		if err := model.InsertStreamingChunks(chunks); err != nil {
			logger.Logger.Error("failed to persist streaming chunks", zap.Error(err), zap.String("request_id", r.RequestID))
		}
	}
}

// insertWithBranchRetry inserts r, and on a (parent_request_id,
// branch_id) collision against the partial unique index re-picks the
// branch_id from a fresh read of the parent's children and retries
// (spec.md §9's MUST-detect-and-increment requirement). Conflicts on
// request_id itself are never surfaced as errors here: InsertRequest's
// own OnConflict DoNothing absorbs those for idempotent retried
// deliveries.
func insertWithBranchRetry(store linker.Executor, r *model.Request) error {
	for attempt := 0; attempt < maxBranchNamingRetries; attempt++ {
		err := model.InsertRequest(r)
		if err == nil {
			return nil
		}
		if r.ParentRequestID == nil || !errors.Is(err, gorm.ErrDuplicatedKey) {
			return err
		}

		next, nextErr := linker.NextBranchID(store, *r.ParentRequestID, r.BranchID)
		if nextErr != nil {
			return err
		}
		r.BranchID = next
	}
	return errors.New("exhausted branch-naming retries")
}

// parseMessages extracts the Anthropic messages array from a decoded
// request body into the shape hashing/linker operate on.
func parseMessages(body map[string]any) ([]hashing.Message, error) {
	raw, ok := body["messages"]
	if !ok {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New("messages field is not an array")
	}

	out := make([]hashing.Message, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := obj["role"].(string)
		contentJSON, err := json.Marshal(obj["content"])
		if err != nil {
			return nil, errors.Wrap(err, "marshal message content")
		}
		out = append(out, hashing.Message{Role: role, Content: contentJSON})
	}
	return out, nil
}

// systemPromptRaw extracts the raw JSON of the body's "system" field, if present.
func systemPromptRaw(body map[string]any) json.RawMessage {
	raw, ok := body["system"]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	return data
}

// messageCount counts the messages array length for the message_count column.
func messageCount(messages []hashing.Message) int {
	return len(messages)
}
