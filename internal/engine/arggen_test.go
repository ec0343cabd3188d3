package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpilot/mailpilot/internal/storage"
)

func TestArgGenResolvesPlaceholders(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	aiClient := &fakeAI{responses: []string{
		`{"values": {"0.label": "Receipts", "1.content": "Hi, thanks for the invoice."}}`,
	}}
	gen := NewArgGen(store, aiClient, 2000, testLogger())

	actions := []storage.Action{
		{Position: 0, Type: storage.ActionLabel, Label: storage.AIPlaceholder},
		{Position: 1, Type: storage.ActionReply, Content: storage.AIPlaceholder},
	}
	rule := &storage.Rule{Name: "invoices"}

	resolved := gen.Resolve(context.Background(), acct, testMessage(), rule, actions)

	assert.Equal(t, "Receipts", resolved[0].Label)
	assert.Equal(t, "Hi, thanks for the invoice.", resolved[1].Content)
	assert.Equal(t, 1, aiClient.callCount(), "one request covers every placeholder in the rule")

	// The input slice is untouched.
	assert.Equal(t, storage.AIPlaceholder, actions[0].Label)
}

func TestArgGenReplacesPlaceholderInsideTemplate(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	aiClient := &fakeAI{responses: []string{`{"values": {"0.content": "the summary"}}`}}
	gen := NewArgGen(store, aiClient, 2000, testLogger())

	actions := []storage.Action{
		{Position: 0, Type: storage.ActionReply, Content: "Summary: " + storage.AIPlaceholder + "\n-- sent by mailpilot"},
	}

	resolved := gen.Resolve(context.Background(), acct, testMessage(), &storage.Rule{Name: "r"}, actions)
	assert.Equal(t, "Summary: the summary\n-- sent by mailpilot", resolved[0].Content)
}

func TestArgGenFailureKeepsLiteralContent(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	aiClient := &fakeAI{responses: []string{`not json`}}
	gen := NewArgGen(store, aiClient, 2000, testLogger())

	actions := []storage.Action{
		{Position: 0, Type: storage.ActionReply, Content: storage.AIPlaceholder},
	}

	resolved := gen.Resolve(context.Background(), acct, testMessage(), &storage.Rule{Name: "r"}, actions)
	assert.Equal(t, storage.AIPlaceholder, resolved[0].Content,
		"unresolved placeholder is kept so the executor can skip the action")
}

func TestArgGenNoPlaceholdersMakesNoAICall(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	aiClient := &fakeAI{}
	gen := NewArgGen(store, aiClient, 2000, testLogger())

	actions := []storage.Action{
		{Position: 0, Type: storage.ActionArchive},
		{Position: 1, Type: storage.ActionLabel, Label: "News"},
	}

	resolved := gen.Resolve(context.Background(), acct, testMessage(), &storage.Rule{Name: "r"}, actions)
	require.Len(t, resolved, 2)
	assert.Equal(t, 0, aiClient.callCount())
}

func TestArgGenComposePromptCarriesThreadHistory(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	ctx := context.Background()

	// An earlier pass already replied on this thread; a follow-up reply
	// should be composed knowing what was said.
	prior := &storage.ExecutedRule{
		AccountID: acct.ID,
		MessageID: "msg-0",
		ThreadID:  "thread-1",
		RuleID:    7,
		RuleName:  "auto ack",
		Status:    storage.ExecutionExecuted,
		Items: []storage.ExecutedAction{
			{Type: storage.ActionReply, Content: "I'll send the report Friday.", Status: storage.ActionItemSucceeded},
			{Type: storage.ActionArchive, Status: storage.ActionItemSucceeded},
		},
	}
	require.NoError(t, store.InsertPendingExecution(ctx, prior))

	aiClient := &fakeAI{responses: []string{`{"values": {"0.content": "As promised, attached."}}`}}
	gen := NewArgGen(store, aiClient, 2000, testLogger())

	gen.Resolve(ctx, acct, testMessage(), &storage.Rule{Name: "follow up"},
		[]storage.Action{{Position: 0, Type: storage.ActionReply, Content: storage.AIPlaceholder}})

	require.Len(t, aiClient.requests, 1)
	assert.Contains(t, aiClient.requests[0].Prompt, "I'll send the report Friday.",
		"prior sent content on the thread feeds the compose prompt")
}

func TestArgGenNonComposeFieldsSkipThreadHistory(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	ctx := context.Background()

	prior := &storage.ExecutedRule{
		AccountID: acct.ID,
		MessageID: "msg-0",
		ThreadID:  "thread-1",
		RuleID:    7,
		Status:    storage.ExecutionExecuted,
		Items: []storage.ExecutedAction{
			{Type: storage.ActionReply, Content: "I'll send the report Friday.", Status: storage.ActionItemSucceeded},
		},
	}
	require.NoError(t, store.InsertPendingExecution(ctx, prior))

	aiClient := &fakeAI{responses: []string{`{"values": {"0.label": "Reports"}}`}}
	gen := NewArgGen(store, aiClient, 2000, testLogger())

	gen.Resolve(ctx, acct, testMessage(), &storage.Rule{Name: "file it"},
		[]storage.Action{{Position: 0, Type: storage.ActionLabel, Label: storage.AIPlaceholder}})

	require.Len(t, aiClient.requests, 1)
	assert.NotContains(t, aiClient.requests[0].Prompt, "I'll send the report Friday.")
}

func TestArgGenIncludesStyleNotesOnlyForComposeFields(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	acct.StyleNotes = "terse, no sign-off"

	t.Run("compose field includes style", func(t *testing.T) {
		aiClient := &fakeAI{responses: []string{`{"values": {"0.content": "ok"}}`}}
		gen := NewArgGen(store, aiClient, 2000, testLogger())
		gen.Resolve(context.Background(), acct, testMessage(), &storage.Rule{Name: "r"},
			[]storage.Action{{Position: 0, Type: storage.ActionReply, Content: storage.AIPlaceholder}})
		require.Len(t, aiClient.requests, 1)
		assert.Contains(t, aiClient.requests[0].Prompt, "terse, no sign-off")
	})

	t.Run("label field does not", func(t *testing.T) {
		aiClient := &fakeAI{responses: []string{`{"values": {"0.label": "News"}}`}}
		gen := NewArgGen(store, aiClient, 2000, testLogger())
		gen.Resolve(context.Background(), acct, testMessage(), &storage.Rule{Name: "r"},
			[]storage.Action{{Position: 0, Type: storage.ActionLabel, Label: storage.AIPlaceholder}})
		require.Len(t, aiClient.requests, 1)
		assert.NotContains(t, aiClient.requests[0].Prompt, "terse, no sign-off")
	})
}
