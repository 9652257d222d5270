// Package tokenbudget implements C8: token counting and head/tail
// truncation of conversations against a token budget (spec.md §4.8).
package tokenbudget

import (
	"fmt"
	"sync"

	"github.com/Laisky/errors/v2"
	tiktoken "github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

const (
	truncationMarker    = "[...conversation truncated...]"
	contentTruncMarker  = "[CONTENT TRUNCATED]"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
	encodingErr  error
)

func getEncoding() (*tiktoken.Tiktoken, error) {
	encodingOnce.Do(func() {
		encoding, encodingErr = tiktoken.GetEncoding(defaultEncoding)
	})
	return encoding, encodingErr
}

// CountTokens approximates the token count of s against the target LLM's model.
func CountTokens(s string) int {
	enc, err := getEncoding()
	if err != nil {
		// Degrade to a conservative character-based estimate rather than
		// fail the whole truncation pass over a missing encoding table.
		return len(s)/4 + 1
	}
	return len(enc.Encode(s, nil, nil))
}

// Message is the minimal shape TruncateConversation needs from a conversation turn.
type Message struct {
	Role    string
	Content string
}

// Options configures TruncateConversation per spec.md §4.8 / §6's enumerated prompt knobs.
type Options struct {
	HeadMessages         int
	TailMessages         int
	InputTargetTokens    int // budget
	TruncateFirstNTokens int // per-message head preserved when truncating a single oversized message
	TruncateLastMTokens  int // per-message tail preserved when truncating a single oversized message
}

// TruncateConversation keeps the first HeadMessages and the last
// TailMessages verbatim, replacing the middle with a single marker
// message. While the total is still over budget, the largest remaining
// message (never the marker) is truncated in place, preserving its start
// and end symmetrically. If the per-message floor
// (TruncateFirstNTokens+TruncateLastMTokens) still adds up to more than
// the budget once multiplied across every kept message, whole messages
// are dropped largest-first until the total fits or one remains, and that
// last message is hard-truncated to the exact budget if needed. The
// output's total token count is guaranteed <= opts.InputTargetTokens for
// every input.
func TruncateConversation(messages []Message, opts Options) ([]Message, error) {
	if opts.InputTargetTokens <= 0 {
		return nil, errors.New("tokenbudget: InputTargetTokens must be positive")
	}

	kept := collapseMiddle(messages, opts.HeadMessages, opts.TailMessages)

	total := totalTokens(kept)
	if total <= opts.InputTargetTokens {
		return kept, nil
	}

	// Still over budget: shrink individual messages (largest first) until
	// we fit, preserving the head/tail/marker structure.
	for total > opts.InputTargetTokens {
		idx, largest := largestMessageIndex(kept)
		if largest <= 0 {
			break // nothing left to shrink
		}
		shrunk := truncateMessageContent(kept[idx].Content, opts.TruncateFirstNTokens, opts.TruncateLastMTokens)
		if shrunk == kept[idx].Content {
			break // truncation made no progress; avoid an infinite loop
		}
		before := CountTokens(kept[idx].Content)
		kept[idx].Content = shrunk
		after := CountTokens(shrunk)
		total -= before - after
	}

	// The per-message shrink floor can still leave the conversation over
	// budget when there are enough kept messages (e.g. HeadMessages+
	// TailMessages large, InputTargetTokens small): drop whole messages,
	// largest first, until the total fits or only one remains.
	for total > opts.InputTargetTokens && len(kept) > 1 {
		idx, largest := largestAnyIndex(kept)
		kept = append(kept[:idx], kept[idx+1:]...)
		total -= largest
	}

	// A single surviving message can still exceed the budget on its own
	// (InputTargetTokens smaller than TruncateFirstNTokens+TruncateLastMTokens,
	// or smaller than the message itself); hard-truncate it to the exact
	// budget rather than return over-budget output.
	if len(kept) == 1 && total > opts.InputTargetTokens {
		kept[0].Content = hardTruncateToBudget(kept[0].Content, opts.InputTargetTokens)
	}

	return kept, nil
}

// collapseMiddle keeps head/tail messages verbatim and replaces anything
// in between with a single marker message, per spec.md §4.8.
func collapseMiddle(messages []Message, head, tail int) []Message {
	if head < 0 {
		head = 0
	}
	if tail < 0 {
		tail = 0
	}
	if len(messages) <= head+tail {
		out := make([]Message, len(messages))
		copy(out, messages)
		return out
	}

	out := make([]Message, 0, head+tail+1)
	out = append(out, messages[:head]...)
	out = append(out, Message{Role: "user", Content: truncationMarker})
	out = append(out, messages[len(messages)-tail:]...)
	return out
}

func totalTokens(messages []Message) int {
	sum := 0
	for _, m := range messages {
		sum += CountTokens(m.Content)
	}
	return sum
}

func largestMessageIndex(messages []Message) (int, int) {
	idx, max := -1, 0
	for i, m := range messages {
		if m.Content == truncationMarker {
			continue
		}
		n := CountTokens(m.Content)
		if n > max {
			idx, max = i, n
		}
	}
	return idx, max
}

// largestAnyIndex is largestMessageIndex without the marker exemption: the
// last-resort whole-message drop has nothing left to preserve structure
// for once the per-message shrink floor can't fit the budget.
func largestAnyIndex(messages []Message) (int, int) {
	idx, max := 0, -1
	for i, m := range messages {
		n := CountTokens(m.Content)
		if n > max {
			idx, max = i, n
		}
	}
	return idx, max
}

// truncateMessageContent preserves the first headTokens and last
// tailTokens of content (by encoded token boundary), replacing the
// middle with contentTruncMarker.
func truncateMessageContent(content string, headTokens, tailTokens int) string {
	enc, err := getEncoding()
	if err != nil {
		return fallbackTruncate(content, headTokens, tailTokens)
	}

	tokens := enc.Encode(content, nil, nil)
	if len(tokens) <= headTokens+tailTokens {
		return content
	}

	headStr := enc.Decode(tokens[:headTokens])
	tailStr := enc.Decode(tokens[len(tokens)-tailTokens:])
	return fmt.Sprintf("%s %s %s", headStr, contentTruncMarker, tailStr)
}

func fallbackTruncate(content string, headTokens, tailTokens int) string {
	headChars := headTokens * 4
	tailChars := tailTokens * 4
	if len(content) <= headChars+tailChars {
		return content
	}
	return fmt.Sprintf("%s %s %s", content[:headChars], contentTruncMarker, content[len(content)-tailChars:])
}

// hardTruncateToBudget is the last-resort truncation used when a single
// remaining message still exceeds the budget on its own: it keeps only
// the leading content, encoded/decoded to exactly budget tokens (or, if
// the encoding table is unavailable, a character estimate conservative
// enough that CountTokens' own fallback formula still reports <= budget).
func hardTruncateToBudget(content string, budget int) string {
	if budget <= 0 {
		return ""
	}

	enc, err := getEncoding()
	if err != nil {
		// CountTokens' fallback estimate is len(s)/4 + 1; keep one token of
		// headroom so that estimate never reports over budget.
		chars := (budget - 1) * 4
		if chars < 0 {
			chars = 0
		}
		if chars >= len(content) {
			return content
		}
		return content[:chars]
	}

	tokens := enc.Encode(content, nil, nil)
	if len(tokens) <= budget {
		return content
	}
	return enc.Decode(tokens[:budget])
}
