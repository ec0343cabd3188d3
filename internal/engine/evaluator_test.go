package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpilot/mailpilot/internal/catcache"
	"github.com/mailpilot/mailpilot/internal/storage"
)

func newTestEvaluator(t *testing.T, store *storage.Store, aiClient *fakeAI) *Evaluator {
	t.Helper()
	cache := catcache.New(store, time.Minute, 50, testLogger())
	return NewEvaluator(cache, aiClient, 2000, testLogger())
}

func TestEvaluateStaticConditions(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	eval := newTestEvaluator(t, store, &fakeAI{})
	msg := testMessage()

	tests := []struct {
		name  string
		cond  storage.Condition
		match bool
	}{
		{"from substring", storage.Condition{Type: storage.ConditionStatic, From: "acme.com"}, true},
		{"from display name", storage.Condition{Type: storage.ConditionStatic, From: "acme news"}, true},
		{"from mismatch", storage.Condition{Type: storage.ConditionStatic, From: "other.com"}, false},
		{"subject case-insensitive", storage.Condition{Type: storage.ConditionStatic, Subject: "WEEKLY"}, true},
		{"body substring", storage.Condition{Type: storage.ConditionStatic, Body: "everything shipped"}, true},
		{"to match", storage.Condition{Type: storage.ConditionStatic, To: "me@example.com"}, true},
		{"all fields must match", storage.Condition{Type: storage.ConditionStatic, From: "acme", Subject: "invoice"}, false},
		{"empty condition is wildcard", storage.Condition{Type: storage.ConditionStatic}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &storage.Rule{Operator: storage.OperatorAnd, Conditions: []storage.Condition{tt.cond}}
			res, err := eval.EvaluateRule(context.Background(), acct, msg, rule)
			require.NoError(t, err)
			assert.Equal(t, tt.match, res.Matched)
		})
	}
}

func TestEvaluateRuleNoConditionsMatches(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	eval := newTestEvaluator(t, store, &fakeAI{})

	res, err := eval.EvaluateRule(context.Background(), acct, testMessage(), &storage.Rule{})
	require.NoError(t, err)
	assert.True(t, res.Matched)
}

func TestEvaluateAndShortCircuitSkipsAICall(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	aiClient := &fakeAI{responses: []string{`{"match": true, "reason": "yes"}`}}
	eval := newTestEvaluator(t, store, aiClient)

	// The static condition fails first; the AI condition must not run.
	rule := &storage.Rule{
		Operator: storage.OperatorAnd,
		Conditions: []storage.Condition{
			{Type: storage.ConditionStatic, From: "nobody@nowhere"},
			{Type: storage.ConditionAI, Instructions: "is this a newsletter?"},
		},
	}

	res, err := eval.EvaluateRule(context.Background(), acct, testMessage(), rule)
	require.NoError(t, err)
	assert.False(t, res.Matched)
	assert.Equal(t, 0, aiClient.callCount())
}

func TestEvaluateOrShortCircuitSkipsAICall(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	aiClient := &fakeAI{}
	eval := newTestEvaluator(t, store, aiClient)

	rule := &storage.Rule{
		Operator: storage.OperatorOr,
		Conditions: []storage.Condition{
			{Type: storage.ConditionStatic, Subject: "weekly"},
			{Type: storage.ConditionAI, Instructions: "is this spam?"},
		},
	}

	res, err := eval.EvaluateRule(context.Background(), acct, testMessage(), rule)
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, 0, aiClient.callCount())
}

func TestEvaluateAIConditionVerdicts(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)

	t.Run("match", func(t *testing.T) {
		aiClient := &fakeAI{responses: []string{`{"match": true, "reason": "clearly a newsletter"}`}}
		eval := newTestEvaluator(t, store, aiClient)
		rule := &storage.Rule{Conditions: []storage.Condition{{Type: storage.ConditionAI, Instructions: "newsletter?"}}}

		res, err := eval.EvaluateRule(context.Background(), acct, testMessage(), rule)
		require.NoError(t, err)
		assert.True(t, res.Matched)
		assert.Equal(t, "clearly a newsletter", res.Reason)
	})

	t.Run("malformed output treated as non-match", func(t *testing.T) {
		aiClient := &fakeAI{responses: []string{`not json`}}
		eval := newTestEvaluator(t, store, aiClient)
		rule := &storage.Rule{Conditions: []storage.Condition{{Type: storage.ConditionAI, Instructions: "newsletter?"}}}

		res, err := eval.EvaluateRule(context.Background(), acct, testMessage(), rule)
		require.NoError(t, err)
		assert.False(t, res.Matched)
		assert.Equal(t, "ai evaluation failed", res.Reason)
	})
}

func TestEvaluateCategoryCondition(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	ctx := context.Background()

	cat := &storage.SenderCategory{AccountID: acct.ID, Name: "newsletters"}
	require.NoError(t, store.CreateCategory(ctx, cat))
	other := &storage.SenderCategory{AccountID: acct.ID, Name: "receipts"}
	require.NoError(t, store.CreateCategory(ctx, other))
	require.NoError(t, store.AssignSenderCategory(ctx, acct.ID, "news@acme.com", cat.ID))

	eval := newTestEvaluator(t, store, &fakeAI{})
	msg := testMessage()

	tests := []struct {
		name  string
		cond  storage.Condition
		match bool
	}{
		{"member", storage.Condition{Type: storage.ConditionCategory, CategoryID: cat.ID}, true},
		{"wrong category", storage.Condition{Type: storage.ConditionCategory, CategoryID: other.ID}, false},
		{"exclude member", storage.Condition{Type: storage.ConditionCategory, CategoryID: cat.ID, Exclude: true}, false},
		{"exclude non-member", storage.Condition{Type: storage.ConditionCategory, CategoryID: other.ID, Exclude: true}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := &storage.Rule{Conditions: []storage.Condition{tt.cond}}
			res, err := eval.EvaluateRule(context.Background(), acct, msg, rule)
			require.NoError(t, err)
			assert.Equal(t, tt.match, res.Matched)
		})
	}
}

func TestEvaluateGroupCondition(t *testing.T) {
	store := newTestStore(t)
	acct := newTestAccount(t, store)
	ctx := context.Background()

	group := &storage.SenderGroup{
		AccountID: acct.ID,
		Name:      "vendors",
		Patterns: []storage.GroupPattern{
			{Type: storage.PatternSender, Value: "billing@"},
			{Type: storage.PatternSubject, Value: "weekly update"},
		},
	}
	require.NoError(t, store.CreateGroup(ctx, group))

	eval := newTestEvaluator(t, store, &fakeAI{})

	rule := &storage.Rule{Conditions: []storage.Condition{{Type: storage.ConditionGroup, GroupID: group.ID}}}
	res, err := eval.EvaluateRule(ctx, acct, testMessage(), rule)
	require.NoError(t, err)
	assert.True(t, res.Matched, "subject pattern should match")

	msg := testMessage()
	msg.Subject = "something else"
	res, err = eval.EvaluateRule(ctx, acct, msg, rule)
	require.NoError(t, err)
	assert.False(t, res.Matched)

	msg.From.Address = "billing@vendor.io"
	res, err = eval.EvaluateRule(ctx, acct, msg, rule)
	require.NoError(t, err)
	assert.True(t, res.Matched, "sender pattern should match")
}
