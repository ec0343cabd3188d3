package email

import (
	"strings"
	"time"
)

// Address represents an email address with optional name
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// String returns the formatted address
func (a Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Address + ">"
	}
	return a.Address
}

// Direction tells whether a message arrived at the account or was sent by it.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Attachment represents an email attachment
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int64  `json:"size"`
	Data        []byte `json:"-"`
}

// Message represents a parsed email as handed to the rule engine, whether it
// came from a provider fetch or the SMTP intake.
type Message struct {
	MessageID   string            `json:"message_id"`
	ThreadID    string            `json:"thread_id"`
	From        Address           `json:"from"`
	To          []Address         `json:"to"`
	Cc          []Address         `json:"cc"`
	ReplyTo     *Address          `json:"reply_to,omitempty"`
	Subject     string            `json:"subject"`
	Date        time.Time         `json:"date"`
	Snippet     string            `json:"snippet"`
	TextBody    string            `json:"text_body"`
	HTMLBody    string            `json:"html_body"`
	Labels      []string          `json:"labels,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	RawMessage  []byte            `json:"-"`
	ReceivedAt  time.Time         `json:"received_at"`
}

// ToAddresses returns just the email addresses from To
func (m *Message) ToAddresses() []string {
	addrs := make([]string, len(m.To))
	for i, a := range m.To {
		addrs[i] = a.Address
	}
	return addrs
}

// Body returns the best available body (text preferred)
func (m *Message) Body() string {
	if m.TextBody != "" {
		return m.TextBody
	}
	return m.HTMLBody
}

// DirectionFor classifies the message relative to the given account address.
func (m *Message) DirectionFor(accountEmail string) Direction {
	if strings.EqualFold(m.From.Address, accountEmail) {
		return DirectionOutbound
	}
	return DirectionInbound
}

// Outbound represents an email to be sent or drafted
type Outbound struct {
	From       Address   `json:"from"`
	To         []Address `json:"to"`
	Cc         []Address `json:"cc,omitempty"`
	Bcc        []Address `json:"bcc,omitempty"`
	Subject    string    `json:"subject"`
	TextBody   string    `json:"text_body"`
	HTMLBody   string    `json:"html_body,omitempty"`
	InReplyTo  string    `json:"in_reply_to,omitempty"`
	References []string  `json:"references,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
}

// PromptContext is the bounded view of a message handed to the AI
// collaborator. The body is truncated so prompt size stays predictable.
type PromptContext struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Snippet string   `json:"snippet,omitempty"`
	Body    string   `json:"body"`
	Date    string   `json:"date"`
}

// ToPromptContext builds the AI view of the message, truncating the body at
// bodyLimit runes.
func (m *Message) ToPromptContext(bodyLimit int) PromptContext {
	body := m.Body()
	if bodyLimit > 0 {
		if runes := []rune(body); len(runes) > bodyLimit {
			body = string(runes[:bodyLimit])
		}
	}
	return PromptContext{
		From:    m.From.String(),
		To:      m.ToAddresses(),
		Subject: m.Subject,
		Snippet: m.Snippet,
		Body:    body,
		Date:    m.Date.Format(time.RFC1123),
	}
}
