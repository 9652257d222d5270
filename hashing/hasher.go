// Package hashing implements C2: deterministic content hashes for
// messages, message sequences, and system prompts (spec.md §4.2).
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// separator joins normalized content parts before hashing. Fixed so the
// scheme is stable across versions of this package.
const separator = "\x1f"

const systemReminderMarker = "<system-reminder>"

// ContentItem is one element of an array-shaped message content field.
// Only the fields relevant to normalization are modeled; unknown fields
// are ignored rather than rejected.
type ContentItem struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	ID        string          `json:"id"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
}

// Message is the minimal shape HashMessage needs from an Anthropic-style message.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// HashMessage returns SHA-256(role || SEP || normalized_content) as lowercase hex.
func HashMessage(msg Message) string {
	normalized := normalizeContent(msg.Content)
	sum := sha256.Sum256([]byte(msg.Role + separator + normalized))
	return hex.EncodeToString(sum[:])
}

// HashMessagesOnly returns SHA-256(join(SEP, hashMessage(m) for m in msgs)).
func HashMessagesOnly(msgs []Message) string {
	hashes := make([]string, len(msgs))
	for i, m := range msgs {
		hashes[i] = HashMessage(m)
	}
	sum := sha256.Sum256([]byte(strings.Join(hashes, separator)))
	return hex.EncodeToString(sum[:])
}

// HashSystemPrompt hashes a system prompt that may be a plain string or an
// array of content items. Returns nil when there's no text content left
// after trimming/filtering, per spec.md §4.2.
func HashSystemPrompt(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		trimmed := strings.TrimSpace(asString)
		if trimmed == "" {
			return nil
		}
		return hashString(trimmed)
	}

	var items []ContentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var lines []string
		for _, item := range items {
			if item.Type != "text" {
				continue
			}
			text := strings.TrimSpace(item.Text)
			if text == "" || strings.HasPrefix(text, systemReminderMarker) {
				continue
			}
			lines = append(lines, text)
		}
		if len(lines) == 0 {
			return nil
		}
		return hashString(strings.Join(lines, "\n"))
	}

	return nil
}

func hashString(s string) *string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	return &h
}

// normalizeContent canonicalizes a message's content field (string or
// array) into the string that gets hashed, filtering out
// <system-reminder> text items per spec.md §4.2 / §9.
func normalizeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return strings.TrimSpace(asString)
	}

	var items []ContentItem
	if err := json.Unmarshal(raw, &items); err != nil {
		// Unknown shape: fall back to the raw trimmed bytes so hashing
		// stays deterministic rather than panicking on malformed input.
		return strings.TrimSpace(string(raw))
	}

	parts := make([]string, 0, len(items))
	idx := 0
	for _, item := range items {
		if IsSystemReminder(item) {
			continue
		}
		parts = append(parts, normalizeContentItem(idx, item))
		idx++
	}
	return strings.Join(parts, separator)
}

// IsSystemReminder reports whether a content item is a text block whose
// trimmed text begins with the <system-reminder> marker (case-sensitive).
func IsSystemReminder(item ContentItem) bool {
	if item.Type != "text" {
		return false
	}
	return strings.HasPrefix(strings.TrimSpace(item.Text), systemReminderMarker)
}

func normalizeContentItem(index int, item ContentItem) string {
	switch item.Type {
	case "text":
		return formatPart(index, "text", strings.TrimSpace(item.Text))
	case "tool_use":
		return formatPart(index, "tool_use", item.Name+":"+item.ID+":"+string(item.Input))
	case "tool_result":
		return formatPart(index, "tool_result", item.ToolUseID+":"+string(item.Content))
	default:
		return formatPart(index, item.Type, string(item.Text))
	}
}

func formatPart(index int, kind, body string) string {
	return itoa(index) + ":" + kind + ":" + body
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
