package hashing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func textMsg(role, text string) Message {
	content, _ := json.Marshal([]ContentItem{{Type: "text", Text: text}})
	return Message{Role: role, Content: content}
}

func TestHashMessageIsDeterministic(t *testing.T) {
	m := textMsg("user", "hello world")
	require.Equal(t, HashMessage(m), HashMessage(m))
}

func TestHashMessageDistinguishesRoleAndContent(t *testing.T) {
	a := textMsg("user", "hello")
	b := textMsg("assistant", "hello")
	c := textMsg("user", "goodbye")
	require.NotEqual(t, HashMessage(a), HashMessage(b))
	require.NotEqual(t, HashMessage(a), HashMessage(c))
}

func TestHashMessageIgnoresSystemReminderBlocks(t *testing.T) {
	plain, _ := json.Marshal([]ContentItem{{Type: "text", Text: "hello"}})
	withReminder, _ := json.Marshal([]ContentItem{
		{Type: "text", Text: "hello"},
		{Type: "text", Text: "<system-reminder>some injected context</system-reminder>"},
	})

	a := Message{Role: "user", Content: plain}
	b := Message{Role: "user", Content: withReminder}
	require.Equal(t, HashMessage(a), HashMessage(b), "system-reminder blocks must not affect the hash")
}

func TestHashMessageStringContent(t *testing.T) {
	content, _ := json.Marshal("hello world")
	m := Message{Role: "user", Content: content}
	require.NotEmpty(t, HashMessage(m))
}

func TestHashMessagesOnlySequenceSensitive(t *testing.T) {
	a := textMsg("user", "one")
	b := textMsg("assistant", "two")

	seq1 := HashMessagesOnly([]Message{a, b})
	seq2 := HashMessagesOnly([]Message{b, a})
	require.NotEqual(t, seq1, seq2)

	seq1Again := HashMessagesOnly([]Message{a, b})
	require.Equal(t, seq1, seq1Again)
}

func TestHashSystemPromptNullNormalization(t *testing.T) {
	nullRaw := json.RawMessage(nil)
	emptyRaw, _ := json.Marshal("")
	whitespaceRaw, _ := json.Marshal("   ")

	require.Nil(t, HashSystemPrompt(nullRaw))
	require.Nil(t, HashSystemPrompt(emptyRaw))
	require.Nil(t, HashSystemPrompt(whitespaceRaw))
}

func TestHashSystemPromptStringVsArrayEquivalence(t *testing.T) {
	stringRaw, _ := json.Marshal("You are a helpful assistant.")
	arrayRaw, _ := json.Marshal([]ContentItem{{Type: "text", Text: "You are a helpful assistant."}})

	require.Equal(t, HashSystemPrompt(stringRaw), HashSystemPrompt(arrayRaw))
}

func TestHashSystemPromptDiffers(t *testing.T) {
	a, _ := json.Marshal("prompt A")
	b, _ := json.Marshal("prompt B")
	require.NotEqual(t, HashSystemPrompt(a), HashSystemPrompt(b))
}

func TestIsSystemReminderRequiresPrefix(t *testing.T) {
	require.True(t, IsSystemReminder(ContentItem{Type: "text", Text: "<system-reminder>x</system-reminder>"}))
	require.False(t, IsSystemReminder(ContentItem{Type: "text", Text: "regular text"}))
	require.False(t, IsSystemReminder(ContentItem{Type: "tool_use", Text: "<system-reminder>"}))
}
