package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mailpilot/mailpilot/internal/ai"
	"github.com/mailpilot/mailpilot/internal/catcache"
	"github.com/mailpilot/mailpilot/internal/convo"
	"github.com/mailpilot/mailpilot/internal/digest"
	"github.com/mailpilot/mailpilot/internal/email"
	"github.com/mailpilot/mailpilot/internal/provider"
	"github.com/mailpilot/mailpilot/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestAccount(t *testing.T, store *storage.Store) *storage.Account {
	t.Helper()
	acct := &storage.Account{
		Email:    "me@example.com",
		Provider: "fake",
	}
	require.NoError(t, store.CreateAccount(context.Background(), acct))
	return acct
}

func testMessage() *email.Message {
	return &email.Message{
		MessageID: "msg-1",
		ThreadID:  "thread-1",
		From:      email.Address{Name: "Acme News", Address: "news@acme.com"},
		To:        []email.Address{{Address: "me@example.com"}},
		Subject:   "Weekly update",
		Date:      time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
		Snippet:   "This week in Acme",
		TextBody:  "This week in Acme: everything shipped.",
	}
}

// fakeAI scripts Complete responses as raw JSON keyed by call order.
type fakeAI struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
	requests  []ai.Request
}

func (f *fakeAI) Complete(ctx context.Context, req ai.Request, out interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	idx := f.calls
	f.calls++
	if f.err != nil {
		return f.err
	}
	if idx >= len(f.responses) {
		return fmt.Errorf("%w: no scripted response", ai.ErrMalformedOutput)
	}
	if err := json.Unmarshal([]byte(f.responses[idx]), out); err != nil {
		return fmt.Errorf("%w: %v", ai.ErrMalformedOutput, err)
	}
	return nil
}

func (f *fakeAI) Usage() ai.Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ai.Usage{Calls: int64(f.calls)}
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeProvider records mailbox and send operations, with injectable errors
// per operation name.
type fakeProvider struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	labels  map[string]string
	message *email.Message
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		errs:   make(map[string]error),
		labels: make(map[string]string),
	}
}

func (p *fakeProvider) record(op string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
	return p.errs[op]
}

func (p *fakeProvider) callsFor(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

func (p *fakeProvider) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) ListChangesSince(ctx context.Context, cursor string) ([]provider.Event, string, error) {
	return nil, cursor, p.record("list_changes")
}

func (p *fakeProvider) ListRecentMessages(ctx context.Context, max int) ([]string, string, error) {
	return nil, "", p.record("list_recent")
}

func (p *fakeProvider) GetMessage(ctx context.Context, id string) (*email.Message, error) {
	if err := p.record("get_message"); err != nil {
		return nil, err
	}
	if p.message != nil {
		return p.message, nil
	}
	return nil, provider.NewError(provider.KindNotFound, "fake.get", fmt.Errorf("message %q", id))
}

func (p *fakeProvider) Archive(ctx context.Context, messageID string) error {
	return p.record("archive")
}

func (p *fakeProvider) MarkRead(ctx context.Context, messageID string) error {
	return p.record("mark_read")
}

func (p *fakeProvider) MarkSpam(ctx context.Context, messageID string) error {
	return p.record("mark_spam")
}

func (p *fakeProvider) MoveFolder(ctx context.Context, messageID, folder string) error {
	return p.record("move_folder")
}

func (p *fakeProvider) GetLabel(ctx context.Context, name string) (string, error) {
	if err := p.record("get_label"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.labels[name]
	if !ok {
		return "", provider.NewError(provider.KindNotFound, "fake.get_label", fmt.Errorf("label %q", name))
	}
	return id, nil
}

func (p *fakeProvider) CreateLabel(ctx context.Context, name string) (string, error) {
	if err := p.record("create_label"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := "lbl-" + name
	p.labels[name] = id
	return id, nil
}

func (p *fakeProvider) AddLabel(ctx context.Context, messageID, labelID string) error {
	return p.record("add_label")
}

func (p *fakeProvider) Reply(ctx context.Context, original *email.Message, out *email.Outbound) error {
	return p.record("reply")
}

func (p *fakeProvider) Forward(ctx context.Context, original *email.Message, out *email.Outbound) error {
	return p.record("forward")
}

func (p *fakeProvider) Send(ctx context.Context, out *email.Outbound) error {
	return p.record("send")
}

func (p *fakeProvider) Draft(ctx context.Context, out *email.Outbound) error {
	return p.record("draft")
}

type resolverFunc func(acct *storage.Account) (provider.Provider, error)

func (f resolverFunc) For(acct *storage.Account) (provider.Provider, error) { return f(acct) }

func staticResolver(p provider.Provider) ProviderResolver {
	return resolverFunc(func(*storage.Account) (provider.Provider, error) { return p, nil })
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

// newTestEngine wires an engine over the given store, provider and AI client
// with fast retries.
func newTestEngine(t *testing.T, store *storage.Store, prov provider.Provider, aiClient ai.Client) (*Engine, *Executor) {
	t.Helper()
	logger := testLogger()
	cache := catcache.New(store, time.Minute, 50, logger)
	evaluator := NewEvaluator(cache, aiClient, 2000, logger)
	selector := NewSelector(evaluator, 3, logger)
	arggen := NewArgGen(store, aiClient, 2000, logger)
	accumulator := digest.New(store, aiClient, 2000, logger)
	tracker := convo.NewTracker(store, true, logger)
	retry := provider.RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	executor := NewExecutor(store, staticResolver(prov), arggen, accumulator, tracker, retry, logger)
	eng := New(store, selector, arggen, executor, tracker, logger)
	return eng, executor
}
