package linker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/claude-nexus/proxy/hashing"
	"github.com/claude-nexus/proxy/model"
)

type fakeExecutor struct {
	byHash     map[string][]*model.Request
	children   map[string][]*model.Request
	compact    []*model.Request
	subtask    []*model.Request
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{byHash: map[string][]*model.Request{}, children: map[string][]*model.Request{}}
}

func (f *fakeExecutor) QueryByHash(domain, hash string, systemHash *string, requireSystemHash bool) ([]*model.Request, error) {
	return f.byHash[domain+"|"+hash], nil
}

func (f *fakeExecutor) SubtaskCandidates(domain string, windowEndTimestamp time.Time) ([]*model.Request, error) {
	return f.subtask, nil
}

func (f *fakeExecutor) ChildrenOfParent(parentRequestID string) ([]*model.Request, error) {
	return f.children[parentRequestID], nil
}

func (f *fakeExecutor) CompactCandidates(domain string, limit int) ([]*model.Request, error) {
	return f.compact, nil
}

func textMessage(role, text string) hashing.Message {
	content, _ := json.Marshal(text)
	return hashing.Message{Role: role, Content: content}
}

func strPtr(s string) *string { return &s }

func TestLinkSimpleContinuation(t *testing.T) {
	exec := newFakeExecutor()

	parentMsgs := []hashing.Message{textMessage("user", "hi"), textMessage("assistant", "hello")}
	parentHash := hashing.HashMessagesOnly(parentMsgs)

	conv := "C1"
	seed := &model.Request{RequestID: "P", Domain: "d", ConversationID: &conv, BranchID: "main"}
	exec.byHash["d|"+parentHash] = []*model.Request{seed}

	newMsgs := []hashing.Message{
		textMessage("user", "hi"), textMessage("assistant", "hello"),
		textMessage("user", "more"), textMessage("assistant", "sure"),
	}
	res, err := Link(exec, Input{RequestID: "P2", Domain: "d", Timestamp: time.Now(), Messages: newMsgs})
	require.NoError(t, err)
	require.Equal(t, "C1", res.ConversationID)
	require.Equal(t, "main", res.BranchID)
	require.NotNil(t, res.ParentRequestID)
	require.Equal(t, "P", *res.ParentRequestID)
}

func TestLinkBranchesOnSecondChild(t *testing.T) {
	exec := newFakeExecutor()

	parentMsgs := []hashing.Message{textMessage("user", "hi"), textMessage("assistant", "hello")}
	parentHash := hashing.HashMessagesOnly(parentMsgs)

	conv := "C1"
	seed := &model.Request{RequestID: "P", Domain: "d", ConversationID: &conv, BranchID: "main"}
	exec.byHash["d|"+parentHash] = []*model.Request{seed}
	// P already has one child on "main" from scenario 1.
	exec.children["P"] = []*model.Request{{RequestID: "P2", BranchID: "main"}}

	newMsgs := []hashing.Message{
		textMessage("user", "hi"), textMessage("assistant", "hello"),
		textMessage("user", "other"), textMessage("assistant", "different"),
	}
	res, err := Link(exec, Input{RequestID: "P3", Domain: "d", Timestamp: time.Now(), Messages: newMsgs})
	require.NoError(t, err)
	require.Equal(t, "C1", res.ConversationID)
	require.Equal(t, "branch_1", res.BranchID)
	require.Equal(t, "P", *res.ParentRequestID)
}

func TestLinkCompactContinuation(t *testing.T) {
	exec := newFakeExecutor()

	conv := "C2"
	priorResponse := map[string]any{
		"content": []any{map[string]any{"type": "text", "text": "We discussed the widget refactor and decided on approach X."}},
	}
	exec.compact = []*model.Request{
		{RequestID: "OLD", Domain: "d", ConversationID: &conv, BranchID: "main", ResponseBody: priorResponse},
	}

	summaryText := "This session is being continued from a previous conversation that ran out of context. The conversation is summarized below: We discussed the widget refactor and decided on approach X."
	newMsgs := []hashing.Message{textMessage("user", summaryText)}

	ts := time.Date(2026, 1, 1, 14, 5, 6, 0, time.UTC)
	res, err := Link(exec, Input{RequestID: "NEW", Domain: "d", Timestamp: ts, Messages: newMsgs})
	require.NoError(t, err)
	require.Equal(t, "C2", res.ConversationID)
	require.Equal(t, "compact_140506", res.BranchID)
	require.Equal(t, "OLD", *res.ParentRequestID)
}

func TestLinkNewConversationRootWhenNoMatch(t *testing.T) {
	exec := newFakeExecutor()
	newMsgs := []hashing.Message{textMessage("user", "brand new topic")}
	res, err := Link(exec, Input{RequestID: "R1", Domain: "d", Timestamp: time.Now(), Messages: newMsgs})
	require.NoError(t, err)
	require.NotEmpty(t, res.ConversationID)
	require.Equal(t, "main", res.BranchID)
	require.Nil(t, res.ParentRequestID)
}

func TestLinkSubtaskDetection(t *testing.T) {
	exec := newFakeExecutor()
	exec.subtask = []*model.Request{
		{
			RequestID: "TASKER",
			Domain:    "d",
			TaskToolInvocation: []model.ToolInvocation{
				{ID: "t1", Name: "Task", Input: map[string]any{"prompt": "do the subtask work"}},
			},
		},
	}

	newMsgs := []hashing.Message{textMessage("user", "do the subtask work")}
	res, err := Link(exec, Input{RequestID: "SUB", Domain: "d", Timestamp: time.Now(), Messages: newMsgs})
	require.NoError(t, err)
	require.True(t, res.IsSubtask)
	require.NotNil(t, res.ParentTaskRequestID)
	require.Equal(t, "TASKER", *res.ParentTaskRequestID)
	require.Nil(t, res.ParentRequestID, "a subtask root still has no linked parent conversation")
}

func TestLinkParentMessageHashNilUnderThreeMessages(t *testing.T) {
	exec := newFakeExecutor()
	msgs := []hashing.Message{textMessage("user", "hi"), textMessage("assistant", "hello")}
	res, err := Link(exec, Input{RequestID: "R1", Domain: "d", Timestamp: time.Now(), Messages: msgs})
	require.NoError(t, err)
	require.Nil(t, res.ParentMessageHash)
}

// TestNextBranchIDSkipsWinnerAfterCollision pins spec.md §9's
// branch-naming-race requirement: after a write-path retry re-lists the
// parent's children and observes the row that won the race, the next
// pick must not repeat that name.
func TestNextBranchIDSkipsWinnerAfterCollision(t *testing.T) {
	exec := newFakeExecutor()

	// First caller: no children yet, inherits the parent's own branch.
	first, err := NextBranchID(exec, "P", "main")
	require.NoError(t, err)
	require.Equal(t, "main", first)

	// Simulate the write path losing the race: a concurrent insert landed
	// first, claiming "main" as a child of P.
	exec.children["P"] = []*model.Request{{RequestID: "WINNER", BranchID: "main"}}

	retried, err := NextBranchID(exec, "P", "main")
	require.NoError(t, err)
	require.Equal(t, "branch_1", retried)
	require.NotEqual(t, "main", retried)

	// A second collision on branch_1 must advance again, not loop.
	exec.children["P"] = append(exec.children["P"], &model.Request{RequestID: "WINNER2", BranchID: "branch_1"})
	third, err := NextBranchID(exec, "P", "main")
	require.NoError(t, err)
	require.Equal(t, "branch_2", third)
}
