package storage

import (
	"strings"
	"time"
)

// Account represents one connected mailbox. All other entities belong to an
// account and are removed with it.
type Account struct {
	ID          int64         `json:"id"`
	Email       string        `json:"email"`
	Provider    string        `json:"provider"` // "gmail", "outlook", "smtp"
	Checkpoint  string        `json:"checkpoint"`
	Timezone    string        `json:"timezone"`
	AIProvider  string        `json:"ai_provider"`
	AIModel     string        `json:"ai_model"`
	AIAPIKey    string        `json:"-"`
	AboutMe     string        `json:"about_me"`
	StyleNotes  string        `json:"style_notes"`
	AutoDraft   bool          `json:"auto_draft"`
	AutoGroup   bool          `json:"auto_group"`
	Disabled    bool          `json:"disabled"`
	DigestEvery time.Duration `json:"digest_every"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// LogicalOperator combines a rule's condition results.
type LogicalOperator string

const (
	OperatorAnd LogicalOperator = "AND"
	OperatorOr  LogicalOperator = "OR"
)

// SystemRuleType tags rules that implement built-in behaviors. Empty for
// user-created rules. At most one enabled rule per type per account.
type SystemRuleType string

const (
	SystemTypeNone         SystemRuleType = ""
	SystemTypeReplyTracker SystemRuleType = "reply_tracker" // inbound mail that needs a reply
	SystemTypeSentTracker  SystemRuleType = "sent_tracker"  // outbound mail awaiting a reply
)

// Rule is a named, ordered automation unit: conditions plus ordered actions.
type Rule struct {
	ID           int64           `json:"id"`
	AccountID    int64           `json:"account_id"`
	Name         string          `json:"name"`
	Enabled      bool            `json:"enabled"`
	Priority     int             `json:"priority"`
	Operator     LogicalOperator `json:"operator"`
	Automate     bool            `json:"automate"`
	RunOnThreads bool            `json:"run_on_threads"`
	SystemType   SystemRuleType  `json:"system_type"`
	Conditions   []Condition     `json:"conditions"`
	Actions      []Action        `json:"actions"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Inbound reports whether the rule applies to inbound mail. System rules are
// direction-specific; user rules apply to inbound mail only.
func (r *Rule) Inbound() bool {
	return r.SystemType != SystemTypeSentTracker
}

// Outbound reports whether the rule applies to mail sent by the account.
func (r *Rule) Outbound() bool {
	return r.SystemType == SystemTypeSentTracker
}

// ConditionType discriminates the condition variants.
type ConditionType string

const (
	ConditionStatic   ConditionType = "static"
	ConditionAI       ConditionType = "ai"
	ConditionCategory ConditionType = "category"
	ConditionGroup    ConditionType = "group"
)

// Condition is a single matching predicate belonging to one rule. Only the
// fields for its type are meaningful.
type Condition struct {
	ID     int64         `json:"id"`
	RuleID int64         `json:"rule_id"`
	Type   ConditionType `json:"type"`

	// static: case-insensitive substring matchers, empty means "any"
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`

	// ai
	Instructions string `json:"instructions,omitempty"`

	// category
	CategoryID int64 `json:"category_id,omitempty"`
	Exclude    bool  `json:"exclude,omitempty"`

	// group
	GroupID int64 `json:"group_id,omitempty"`
}

// ActionType discriminates the action variants.
type ActionType string

const (
	ActionArchive     ActionType = "archive"
	ActionLabel       ActionType = "label"
	ActionMarkRead    ActionType = "mark_read"
	ActionMarkSpam    ActionType = "mark_spam"
	ActionReply       ActionType = "reply"
	ActionForward     ActionType = "forward"
	ActionSend        ActionType = "send"
	ActionDraft       ActionType = "draft"
	ActionMoveFolder  ActionType = "move_folder"
	ActionCallWebhook ActionType = "call_webhook"
	ActionTrackThread ActionType = "track_thread"
	ActionDigest      ActionType = "digest"
)

// AIPlaceholder in a content field means "fill this using AI" at execution
// time.
const AIPlaceholder = "{{ai}}"

// Action is one effect applied when its rule matches, ordered within the
// rule by Position. Only the fields for its type are meaningful.
type Action struct {
	ID       int64      `json:"id"`
	RuleID   int64      `json:"rule_id"`
	Position int        `json:"position"`
	Type     ActionType `json:"type"`

	Label   string `json:"label,omitempty"`
	To      string `json:"to,omitempty"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
	Subject string `json:"subject,omitempty"`
	Content string `json:"content,omitempty"`
	URL     string `json:"url,omitempty"`
	Folder  string `json:"folder,omitempty"`
}

// NeedsAI reports whether any content field carries the AI placeholder.
func (a *Action) NeedsAI() bool {
	for _, f := range []string{a.Label, a.To, a.Subject, a.Content} {
		if strings.Contains(f, AIPlaceholder) {
			return true
		}
	}
	return false
}

// ExecutionStatus is the lifecycle of an ExecutedRule.
type ExecutionStatus string

const (
	ExecutionPending         ExecutionStatus = "pending"
	ExecutionPendingApproval ExecutionStatus = "pending_approval"
	ExecutionExecuted        ExecutionStatus = "executed"
	ExecutionSkipped         ExecutionStatus = "skipped"
	ExecutionFailed          ExecutionStatus = "failed"
)

// ExecutedRule is the immutable record of one (message, rule) outcome. The
// action items are a snapshot taken at match time so later rule edits cannot
// retroactively change history. RuleID zero records a message no rule
// matched. Unique per (account, message, rule).
type ExecutedRule struct {
	ID          int64            `json:"id"`
	AccountID   int64            `json:"account_id"`
	MessageID   string           `json:"message_id"`
	ThreadID    string           `json:"thread_id"`
	RuleID      int64            `json:"rule_id"`
	RuleName    string           `json:"rule_name"`
	Status      ExecutionStatus  `json:"status"`
	Reason      string           `json:"reason,omitempty"`
	Automated   bool             `json:"automated"`
	Items       []ExecutedAction `json:"items"`
	CreatedAt   time.Time        `json:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// ActionItemStatus is the per-action outcome within an execution.
type ActionItemStatus string

const (
	ActionItemPending   ActionItemStatus = "pending"
	ActionItemSucceeded ActionItemStatus = "succeeded"
	ActionItemFailed    ActionItemStatus = "failed"
	ActionItemSkipped   ActionItemStatus = "skipped"
)

// ExecutedAction is the snapshot of one action as it was actually run,
// including any AI-resolved field values.
type ExecutedAction struct {
	ID             int64            `json:"id"`
	ExecutedRuleID int64            `json:"executed_rule_id"`
	Position       int              `json:"position"`
	Type           ActionType       `json:"type"`
	Label          string           `json:"label,omitempty"`
	To             string           `json:"to,omitempty"`
	Cc             string           `json:"cc,omitempty"`
	Bcc            string           `json:"bcc,omitempty"`
	Subject        string           `json:"subject,omitempty"`
	Content        string           `json:"content,omitempty"`
	URL            string           `json:"url,omitempty"`
	Folder         string           `json:"folder,omitempty"`
	Status         ActionItemStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
}

// SenderCategory names a set of sender addresses, built manually or by bulk
// AI categorization. CATEGORY conditions reference it by id.
type SenderCategory struct {
	ID        int64  `json:"id"`
	AccountID int64  `json:"account_id"`
	Name      string `json:"name"`
}

// GroupPatternType selects what a group pattern matches against.
type GroupPatternType string

const (
	PatternSender  GroupPatternType = "sender"
	PatternSubject GroupPatternType = "subject"
)

// SenderGroup names a precomputed set of sender/subject patterns. GROUP
// conditions reference it by id; membership is never copied into rules.
type SenderGroup struct {
	ID        int64          `json:"id"`
	AccountID int64          `json:"account_id"`
	Name      string         `json:"name"`
	Patterns  []GroupPattern `json:"patterns"`
}

// GroupPattern is one entry of a sender group, ordered by insertion.
type GroupPattern struct {
	ID      int64            `json:"id"`
	GroupID int64            `json:"group_id"`
	Type    GroupPatternType `json:"type"`
	Value   string           `json:"value"`
}

// DigestItem is one accumulated summary line within a digest window.
type DigestItem struct {
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	Subject   string    `json:"subject"`
	Summary   string    `json:"summary"`
	AddedAt   time.Time `json:"added_at"`
}

// DigestEntry accumulates items for (account, rule, window) until the window
// closes and the digest email is composed by an external scheduler.
type DigestEntry struct {
	ID          int64        `json:"id"`
	AccountID   int64        `json:"account_id"`
	RuleID      int64        `json:"rule_id"`
	WindowStart time.Time    `json:"window_start"`
	Closed      bool         `json:"closed"`
	Items       []DigestItem `json:"items"`
}

// ConversationState classifies a thread for reply tracking.
type ConversationState string

const (
	StateNeedsReply    ConversationState = "needs_reply"
	StateAwaitingReply ConversationState = "awaiting_reply"
	StateResolved      ConversationState = "resolved"
)

// ThreadState is the persisted conversation state of one thread.
type ThreadState struct {
	AccountID int64             `json:"account_id"`
	ThreadID  string            `json:"thread_id"`
	State     ConversationState `json:"state"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ExecutionFilter defines filter options for listing executions.
type ExecutionFilter struct {
	Status *ExecutionStatus
	RuleID *int64
	Limit  int
	Offset int
}

// ExecutionStats summarizes an account's execution history.
type ExecutionStats struct {
	Total           int64 `json:"total"`
	Executed        int64 `json:"executed"`
	PendingApproval int64 `json:"pending_approval"`
	Failed          int64 `json:"failed"`
	Unhandled       int64 `json:"unhandled"`
}
