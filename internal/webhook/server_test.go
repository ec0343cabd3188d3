package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/catcache"
	"github.com/mailpilot/mailpilot/internal/convo"
	"github.com/mailpilot/mailpilot/internal/digest"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/engine"
	"github.com/mailpilot/mailpilot/internal/ingest"
	"github.com/mailpilot/mailpilot/internal/provider"
	"github.com/mailpilot/mailpilot/internal/storage"
)

type noopAI struct{}

func (noopAI) Complete(ctx context.Context, req ai.Request, out interface{}) error {
	return fmt.Errorf("%w: no model in tests", ai.ErrMalformedOutput)
}

func (noopAI) Usage() ai.Usage { return ai.Usage{} }

type resolverFunc func(acct *storage.Account) (provider.Provider, error)

func (f resolverFunc) For(acct *storage.Account) (provider.Provider, error) { return f(acct) }

// recordingEvictor captures provider cache evictions.
type recordingEvictor struct {
	evicted []int64
}

func (e *recordingEvictor) Evict(accountID int64) {
	e.evicted = append(e.evicted, accountID)
}

func newTestServer(t *testing.T) (*Server, *storage.Store, *storage.Account, *provider.Local) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	acct := &storage.Account{Email: "me@example.com", Provider: "smtp"}
	require.NoError(t, store.CreateAccount(context.Background(), acct))

	logger := zerolog.Nop()
	local := provider.NewLocal(nil)
	resolver := resolverFunc(func(*storage.Account) (provider.Provider, error) { return local, nil })
	cache := catcache.New(store, time.Minute, 50, logger)
	evaluator := engine.NewEvaluator(cache, noopAI{}, 2000, logger)
	selector := engine.NewSelector(evaluator, 3, logger)
	arggen := engine.NewArgGen(store, noopAI{}, 2000, logger)
	accumulator := digest.New(store, noopAI{}, 2000, logger)
	tracker := convo.NewTracker(store, true, logger)
	retry := provider.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	executor := engine.NewExecutor(store, resolver, arggen, accumulator, tracker, retry, logger)
	eng := engine.New(store, selector, arggen, executor, tracker, logger)
	ingestor := ingest.New(store, eng, resolver, nil, 10, logger)

	return NewServer("127.0.0.1:0", store, ingestor, executor, cache, &recordingEvictor{}, logger), store, acct, local
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w := get(t, srv.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	w := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestNotificationAlwaysAccepted(t *testing.T) {
	srv, _, _, _ := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"plain payload", `{"emailAddress": "me@example.com"}`},
		{"unknown account", `{"emailAddress": "nobody@example.com"}`},
		{"garbage", `{{{`},
		{"empty", `{}`},
		{"pubsub envelope", func() string {
			data := base64.StdEncoding.EncodeToString([]byte(`{"emailAddress": "me@example.com", "historyId": 42}`))
			return fmt.Sprintf(`{"message": {"data": %q}}`, data)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := post(t, h, "/v1/notifications", tt.body)
			assert.Equal(t, http.StatusOK, w.Code, "the provider must never see an error from us")
		})
	}
}

func TestApproveLifecycle(t *testing.T) {
	srv, store, acct, local := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	msg := &email.Message{
		MessageID: "m1",
		ThreadID:  "t1",
		From:      email.Address{Address: "news@acme.com"},
		To:        []email.Address{{Address: acct.Email}},
		Subject:   "Weekly",
		TextBody:  "body",
	}
	local.Deposit(msg)

	rule := &storage.Rule{
		AccountID: acct.ID, Name: "hold", Enabled: true, Automate: false,
		Actions: []storage.Action{{Type: storage.ActionArchive}},
	}
	require.NoError(t, store.CreateRule(ctx, rule))

	logger := zerolog.Nop()
	accumulator := digest.New(store, noopAI{}, 2000, logger)
	tracker := convo.NewTracker(store, true, logger)
	resolver := resolverFunc(func(*storage.Account) (provider.Provider, error) { return local, nil })
	retry := provider.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	executor := engine.NewExecutor(store, resolver, nil, accumulator, tracker, retry, logger)

	er, err := executor.Execute(ctx, acct, msg, rule, rule.Actions)
	require.NoError(t, err)
	require.Equal(t, storage.ExecutionPendingApproval, er.Status)

	w := post(t, h, fmt.Sprintf("/v1/executions/%d/approve", er.ID), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var approved storage.ExecutedRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &approved))
	assert.Equal(t, storage.ExecutionExecuted, approved.Status)

	// Approving again conflicts.
	w = post(t, h, fmt.Sprintf("/v1/executions/%d/approve", er.ID), "")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Unknown execution.
	w = post(t, h, "/v1/executions/99999/approve", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Bad id.
	w = post(t, h, "/v1/executions/abc/approve", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRejectEndpoint(t *testing.T) {
	srv, store, acct, local := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	msg := &email.Message{MessageID: "m2", From: email.Address{Address: "x@y.z"}, To: []email.Address{{Address: acct.Email}}}
	local.Deposit(msg)

	rule := &storage.Rule{
		AccountID: acct.ID, Name: "hold", Enabled: true, Automate: false,
		Actions: []storage.Action{{Type: storage.ActionArchive}},
	}
	require.NoError(t, store.CreateRule(ctx, rule))

	logger := zerolog.Nop()
	resolver := resolverFunc(func(*storage.Account) (provider.Provider, error) { return local, nil })
	executor := engine.NewExecutor(store, resolver, nil,
		digest.New(store, noopAI{}, 2000, logger),
		convo.NewTracker(store, true, logger),
		provider.DefaultRetryPolicy, logger)

	er, err := executor.Execute(ctx, acct, msg, rule, rule.Actions)
	require.NoError(t, err)

	w := post(t, h, fmt.Sprintf("/v1/executions/%d/reject", er.ID), "")
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := store.GetExecution(ctx, er.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ExecutionSkipped, stored.Status)
}

func TestStatsAndExecutionListing(t *testing.T) {
	srv, store, acct, _ := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	require.NoError(t, store.InsertPendingExecution(ctx, &storage.ExecutedRule{
		AccountID: acct.ID, MessageID: "m1", RuleID: 1, Status: storage.ExecutionExecuted,
	}))
	require.NoError(t, store.InsertPendingExecution(ctx, &storage.ExecutedRule{
		AccountID: acct.ID, MessageID: "m2", RuleID: 0, Status: storage.ExecutionSkipped,
	}))

	w := get(t, h, fmt.Sprintf("/v1/accounts/%d/stats", acct.ID))
	require.Equal(t, http.StatusOK, w.Code)
	var stats storage.ExecutionStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.Unhandled)

	w = get(t, h, fmt.Sprintf("/v1/accounts/%d/executions?status=executed", acct.ID))
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Executions []*storage.ExecutedRule `json:"executions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	require.Len(t, listing.Executions, 1)
	assert.Equal(t, "m1", listing.Executions[0].MessageID)
}

func TestThreadListing(t *testing.T) {
	srv, store, acct, _ := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	require.NoError(t, store.SetThreadState(ctx, acct.ID, "t1", storage.StateNeedsReply))
	require.NoError(t, store.SetThreadState(ctx, acct.ID, "t2", storage.StateResolved))

	w := get(t, h, fmt.Sprintf("/v1/accounts/%d/threads?state=needs_reply", acct.ID))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Threads []string `json:"threads"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"t1"}, resp.Threads)

	w = get(t, h, fmt.Sprintf("/v1/accounts/%d/threads?state=bogus", acct.ID))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGroupEndpoints(t *testing.T) {
	srv, _, acct, _ := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	w := post(t, h, fmt.Sprintf("/v1/accounts/%d/groups", acct.ID),
		`{"name": "newsletters", "patterns": [{"type": "sender", "value": "news@acme.com"}]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var group storage.SenderGroup
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &group))
	require.NotZero(t, group.ID)
	require.Len(t, group.Patterns, 1)

	// Prime the cache, then append a pattern over the API. The cache entry
	// must be dropped so the next read sees the addition before the TTL
	// would expire it.
	patterns, err := srv.cache.GroupPatterns(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, patterns, 1)

	w = post(t, h, fmt.Sprintf("/v1/groups/%d/patterns", group.ID),
		`{"type": "subject", "value": "weekly digest"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	patterns, err = srv.cache.GroupPatterns(ctx, group.ID)
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	assert.Equal(t, "weekly digest", patterns[1].Value)

	// Validation.
	w = post(t, h, fmt.Sprintf("/v1/accounts/%d/groups", acct.ID), `{"name": ""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = post(t, h, fmt.Sprintf("/v1/groups/%d/patterns", group.ID), `{"type": "regex", "value": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteAccount(t *testing.T) {
	srv, store, acct, _ := newTestServer(t)
	h := srv.Handler()
	ctx := context.Background()

	req := httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/v1/accounts/%d", acct.ID), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	_, err := store.GetAccount(ctx, acct.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	evictor := srv.providers.(*recordingEvictor)
	assert.Equal(t, []int64{acct.ID}, evictor.evicted)

	// Deleting again is a 404.
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/v1/accounts/%d", acct.ID), nil)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
