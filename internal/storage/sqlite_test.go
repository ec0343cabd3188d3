package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func createTestAccount(t *testing.T, store *Store) *Account {
	t.Helper()
	acct := &Account{Email: "me@example.com", Provider: "gmail"}
	require.NoError(t, store.CreateAccount(context.Background(), acct))
	return acct
}

func TestExecutionUniqueKey(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	er := &ExecutedRule{
		AccountID: acct.ID,
		MessageID: "msg-1",
		RuleID:    7,
		Status:    ExecutionPending,
		Items:     []ExecutedAction{{Type: ActionArchive}},
	}
	require.NoError(t, store.InsertPendingExecution(ctx, er))
	require.NotZero(t, er.ID)

	dup := &ExecutedRule{AccountID: acct.ID, MessageID: "msg-1", RuleID: 7, Status: ExecutionPending}
	err := store.InsertPendingExecution(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateExecution)

	// Same message under a different rule is a different key.
	other := &ExecutedRule{AccountID: acct.ID, MessageID: "msg-1", RuleID: 8, Status: ExecutionPending}
	require.NoError(t, store.InsertPendingExecution(ctx, other))

	// So is rule id zero, the unmatched marker.
	unmatched := &ExecutedRule{AccountID: acct.ID, MessageID: "msg-1", RuleID: 0, Status: ExecutionSkipped}
	require.NoError(t, store.InsertPendingExecution(ctx, unmatched))
}

func TestRuleRoundTripAndOrdering(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	second := &Rule{
		AccountID: acct.ID, Name: "second", Enabled: true, Priority: 2,
		Operator: OperatorOr,
		Conditions: []Condition{
			{Type: ConditionStatic, From: "acme.com"},
			{Type: ConditionAI, Instructions: "newsletter?"},
		},
		Actions: []Action{
			{Type: ActionArchive},
			{Type: ActionLabel, Label: "News"},
		},
	}
	require.NoError(t, store.CreateRule(ctx, second))

	first := &Rule{AccountID: acct.ID, Name: "first", Enabled: true, Priority: 1}
	require.NoError(t, store.CreateRule(ctx, first))

	disabled := &Rule{AccountID: acct.ID, Name: "off", Enabled: false, Priority: 0}
	require.NoError(t, store.CreateRule(ctx, disabled))

	rules, err := store.ListEnabledRules(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "first", rules[0].Name, "priority order, not insertion order")
	assert.Equal(t, "second", rules[1].Name)

	require.Len(t, rules[1].Conditions, 2)
	require.Len(t, rules[1].Actions, 2)
	assert.Equal(t, 0, rules[1].Actions[0].Position)
	assert.Equal(t, 1, rules[1].Actions[1].Position)
}

func TestOneEnabledSystemRulePerType(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	tracker := &Rule{AccountID: acct.ID, Name: "reply tracker", Enabled: true, SystemType: SystemTypeReplyTracker}
	require.NoError(t, store.CreateRule(ctx, tracker))

	another := &Rule{AccountID: acct.ID, Name: "reply tracker 2", Enabled: true, SystemType: SystemTypeReplyTracker}
	err := store.CreateRule(ctx, another)
	require.Error(t, err)

	// A disabled duplicate is allowed.
	off := &Rule{AccountID: acct.ID, Name: "reply tracker off", Enabled: false, SystemType: SystemTypeReplyTracker}
	require.NoError(t, store.CreateRule(ctx, off))

	// The other system type is independent.
	sent := &Rule{AccountID: acct.ID, Name: "sent tracker", Enabled: true, SystemType: SystemTypeSentTracker}
	require.NoError(t, store.CreateRule(ctx, sent))
}

func TestDeleteAccountCascades(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	rule := &Rule{
		AccountID: acct.ID, Name: "r", Enabled: true,
		Conditions: []Condition{{Type: ConditionStatic, From: "a"}},
		Actions:    []Action{{Type: ActionArchive}},
	}
	require.NoError(t, store.CreateRule(ctx, rule))
	require.NoError(t, store.InsertPendingExecution(ctx, &ExecutedRule{
		AccountID: acct.ID, MessageID: "m", RuleID: rule.ID, Status: ExecutionPending,
	}))
	require.NoError(t, store.SetThreadState(ctx, acct.ID, "t", StateNeedsReply))

	require.NoError(t, store.DeleteAccount(ctx, acct.ID))

	_, err := store.GetAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	rules, err := store.ListEnabledRules(ctx, acct.ID)
	require.NoError(t, err)
	assert.Empty(t, rules)
	_, err = store.GetThreadState(ctx, acct.ID, "t")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecutionHistorySurvivesRuleDeletion(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	rule := &Rule{AccountID: acct.ID, Name: "ephemeral", Enabled: true, Actions: []Action{{Type: ActionArchive}}}
	require.NoError(t, store.CreateRule(ctx, rule))

	er := &ExecutedRule{
		AccountID: acct.ID, MessageID: "m", RuleID: rule.ID, RuleName: rule.Name,
		Status: ExecutionExecuted,
		Items:  []ExecutedAction{{Type: ActionArchive, Status: ActionItemSucceeded}},
	}
	require.NoError(t, store.InsertPendingExecution(ctx, er))

	require.NoError(t, store.DeleteRule(ctx, rule.ID))

	stored, err := store.GetExecution(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, "ephemeral", stored.RuleName, "snapshot keeps the name after the rule is gone")
	require.Len(t, stored.Items, 1)
}

func TestCheckpointUpdate(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpdateCheckpoint(ctx, acct.ID, "hist-42"))
	got, err := store.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "hist-42", got.Checkpoint)
}

func TestThreadStateUpsert(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	require.NoError(t, store.SetThreadState(ctx, acct.ID, "t1", StateNeedsReply))
	require.NoError(t, store.SetThreadState(ctx, acct.ID, "t1", StateAwaitingReply))
	require.NoError(t, store.SetThreadState(ctx, acct.ID, "t2", StateNeedsReply))

	ts, err := store.GetThreadState(ctx, acct.ID, "t1")
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingReply, ts.State)

	threads, err := store.ListThreadsByState(ctx, acct.ID, StateNeedsReply, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"t2"}, threads)
}

func TestExecutionStats(t *testing.T) {
	store := newTestStore(t)
	acct := createTestAccount(t, store)
	ctx := context.Background()

	seed := []struct {
		msg    string
		ruleID int64
		status ExecutionStatus
	}{
		{"m1", 1, ExecutionExecuted},
		{"m2", 1, ExecutionExecuted},
		{"m3", 2, ExecutionPendingApproval},
		{"m4", 2, ExecutionFailed},
		{"m5", 0, ExecutionSkipped},
	}
	for _, s := range seed {
		require.NoError(t, store.InsertPendingExecution(ctx, &ExecutedRule{
			AccountID: acct.ID, MessageID: s.msg, RuleID: s.ruleID, Status: s.status,
		}))
	}

	stats, err := store.GetExecutionStats(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total)
	assert.Equal(t, int64(2), stats.Executed)
	assert.Equal(t, int64(1), stats.PendingApproval)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.Unhandled)
}

func TestAccountDigestCadenceRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	acct := &Account{Email: "d@example.com", Provider: "gmail", DigestEvery: 6 * time.Hour}
	require.NoError(t, store.CreateAccount(ctx, acct))

	got, err := store.GetAccountByEmail(ctx, "d@example.com")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, got.DigestEvery)
}
