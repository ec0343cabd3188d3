package provider

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/mailpilot/mailpilot/internal/email"
)

// Sender sends mail for the local provider's outbound operations.
type Sender interface {
	Send(ctx context.Context, e *email.Outbound) error
}

// Local is the provider adapter for accounts fed by the SMTP intake instead
// of a hosted mailbox API. Messages delivered over SMTP are deposited here;
// mailbox operations mutate the local copy and send operations go through the
// configured outbound sender. The change feed cursor is the sequence number
// of the last deposited message.
type Local struct {
	sender Sender

	mu       sync.RWMutex
	seq      int64
	messages map[string]*localMessage
	order    []string          // message ids in deposit order
	labels   map[string]string // label name -> id
	nextLbl  int64
}

type localMessage struct {
	msg     *email.Message
	seq     int64
	labels  map[string]bool
	folder  string
	read    bool
	spam    bool
	deleted bool
}

// NewLocal creates a local provider
func NewLocal(sender Sender) *Local {
	return &Local{
		sender:   sender,
		messages: make(map[string]*localMessage),
		labels:   make(map[string]string),
	}
}

// Deposit stores a message delivered over SMTP and appends it to the change
// feed.
func (l *Local) Deposit(msg *email.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.messages[msg.MessageID]; ok {
		return
	}
	l.seq++
	l.messages[msg.MessageID] = &localMessage{
		msg:    msg,
		seq:    l.seq,
		labels: make(map[string]bool),
	}
	l.order = append(l.order, msg.MessageID)
}

func (l *Local) ListChangesSince(ctx context.Context, cursor string) ([]Event, string, error) {
	since, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return nil, "", NewError(KindCheckpointExpired, "local.changes", fmt.Errorf("bad cursor %q", cursor))
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if since > l.seq {
		return nil, "", NewError(KindCheckpointExpired, "local.changes", fmt.Errorf("cursor %d beyond feed", since))
	}

	var events []Event
	for _, id := range l.order {
		m := l.messages[id]
		if m.seq <= since || m.deleted {
			continue
		}
		events = append(events, Event{Kind: EventMessageAdded, MessageID: id})
	}
	return events, strconv.FormatInt(l.seq, 10), nil
}

func (l *Local) ListRecentMessages(ctx context.Context, max int) ([]string, string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ids []string
	for _, id := range l.order {
		if !l.messages[id].deleted {
			ids = append(ids, id)
		}
	}
	if max > 0 && len(ids) > max {
		ids = ids[len(ids)-max:]
	}
	return ids, strconv.FormatInt(l.seq, 10), nil
}

func (l *Local) GetMessage(ctx context.Context, id string) (*email.Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.messages[id]
	if !ok || m.deleted {
		return nil, NewError(KindNotFound, "local.get", fmt.Errorf("message %q", id))
	}
	return m.msg, nil
}

func (l *Local) withMessage(op, id string, fn func(*localMessage)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.messages[id]
	if !ok || m.deleted {
		return NewError(KindNotFound, op, fmt.Errorf("message %q", id))
	}
	fn(m)
	return nil
}

func (l *Local) Archive(ctx context.Context, messageID string) error {
	return l.withMessage("local.archive", messageID, func(m *localMessage) { m.folder = "Archive" })
}

func (l *Local) MarkRead(ctx context.Context, messageID string) error {
	return l.withMessage("local.mark_read", messageID, func(m *localMessage) { m.read = true })
}

func (l *Local) MarkSpam(ctx context.Context, messageID string) error {
	return l.withMessage("local.mark_spam", messageID, func(m *localMessage) { m.spam = true })
}

func (l *Local) MoveFolder(ctx context.Context, messageID, folder string) error {
	return l.withMessage("local.move", messageID, func(m *localMessage) { m.folder = folder })
}

func (l *Local) GetLabel(ctx context.Context, name string) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.labels[name]
	if !ok {
		return "", NewError(KindNotFound, "local.get_label", fmt.Errorf("label %q", name))
	}
	return id, nil
}

func (l *Local) CreateLabel(ctx context.Context, name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id, ok := l.labels[name]; ok {
		return id, nil
	}
	l.nextLbl++
	id := "lbl-" + strconv.FormatInt(l.nextLbl, 10)
	l.labels[name] = id
	return id, nil
}

func (l *Local) AddLabel(ctx context.Context, messageID, labelID string) error {
	return l.withMessage("local.add_label", messageID, func(m *localMessage) { m.labels[labelID] = true })
}

func (l *Local) Reply(ctx context.Context, original *email.Message, out *email.Outbound) error {
	return l.send(ctx, "local.reply", out)
}

func (l *Local) Forward(ctx context.Context, original *email.Message, out *email.Outbound) error {
	return l.send(ctx, "local.forward", out)
}

func (l *Local) Send(ctx context.Context, out *email.Outbound) error {
	return l.send(ctx, "local.send", out)
}

// Draft has no mailbox to hold drafts in; the composed mail is dropped and
// the caller's record of it is the draft.
func (l *Local) Draft(ctx context.Context, out *email.Outbound) error {
	return nil
}

func (l *Local) send(ctx context.Context, op string, out *email.Outbound) error {
	if l.sender == nil {
		return NewError(KindInvalidRequest, op, fmt.Errorf("no outbound sender configured"))
	}
	if err := l.sender.Send(ctx, out); err != nil {
		return NewError(KindTransient, op, err)
	}
	return nil
}

// Labels returns the labels attached to a message, for tests and debugging.
func (l *Local) Labels(messageID string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	m, ok := l.messages[messageID]
	if !ok {
		return nil
	}
	byID := make(map[string]string, len(l.labels))
	for name, id := range l.labels {
		byID[id] = name
	}
	var names []string
	for id := range m.labels {
		names = append(names, byID[id])
	}
	sort.Strings(names)
	return names
}
