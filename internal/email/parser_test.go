package email

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleMessage(t *testing.T) {
	raw := []byte("From: Acme News <news@acme.com>\r\n" +
		"To: me@example.com, Other <other@example.com>\r\n" +
		"Cc: cc@example.com\r\n" +
		"Reply-To: replies@acme.com\r\n" +
		"Subject: Weekly update\r\n" +
		"Message-ID: <abc123@acme.com>\r\n" +
		"Date: Mon, 24 Aug 2026 10:30:00 +0000\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"This week in Acme: everything shipped.\r\n")

	msg, err := NewParser().Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "abc123@acme.com", msg.MessageID, "angle brackets trimmed")
	assert.Equal(t, "Acme News", msg.From.Name)
	assert.Equal(t, "news@acme.com", msg.From.Address)
	require.Len(t, msg.To, 2)
	assert.Equal(t, "me@example.com", msg.To[0].Address)
	assert.Equal(t, "Other", msg.To[1].Name)
	require.Len(t, msg.Cc, 1)
	require.NotNil(t, msg.ReplyTo)
	assert.Equal(t, "replies@acme.com", msg.ReplyTo.Address)
	assert.Equal(t, "Weekly update", msg.Subject)
	assert.Equal(t, 2026, msg.Date.Year())
	assert.Equal(t, "This week in Acme: everything shipped.\r\n", msg.TextBody)
	assert.Equal(t, "This week in Acme: everything shipped.", msg.Snippet)
}

func TestParseGeneratesMessageIDWhenMissing(t *testing.T) {
	raw := []byte("From: a@b.c\r\nSubject: no id\r\n\r\nbody\r\n")

	msg, err := NewParser().Parse(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.MessageID)
	assert.True(t, strings.HasSuffix(msg.MessageID, "@mailpilot.local"))
	assert.Equal(t, msg.MessageID, msg.ThreadID, "fresh thread roots at its own id")
	assert.False(t, msg.Date.IsZero(), "missing date falls back to receipt time")
}

func TestThreadIDResolution(t *testing.T) {
	tests := []struct {
		name       string
		references string
		inReplyTo  string
		messageID  string
		want       string
	}{
		{"references root wins", "<root@x> <mid@x>", "<mid@x>", "leaf@x", "root@x"},
		{"in-reply-to fallback", "", "<parent@x>", "leaf@x", "parent@x"},
		{"own id for fresh thread", "", "", "leaf@x", "leaf@x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, threadID(tt.references, tt.inReplyTo, tt.messageID))
		})
	}
}

func TestParseThreadHeadersKept(t *testing.T) {
	raw := []byte("From: a@b.c\r\n" +
		"Message-ID: <leaf@x>\r\n" +
		"In-Reply-To: <parent@x>\r\n" +
		"References: <root@x> <parent@x>\r\n" +
		"List-Unsubscribe: <mailto:unsub@acme.com>\r\n" +
		"\r\nbody\r\n")

	msg, err := NewParser().Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "root@x", msg.ThreadID)
	assert.Equal(t, "<parent@x>", msg.Headers["In-Reply-To"])
	assert.Equal(t, "<mailto:unsub@acme.com>", msg.Headers["List-Unsubscribe"])
}

func TestParseEncodedSubject(t *testing.T) {
	raw := []byte("From: a@b.c\r\n" +
		"Subject: =?UTF-8?Q?R=C3=A9union_demain?=\r\n" +
		"\r\nbody\r\n")

	msg, err := NewParser().Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Réunion demain", msg.Subject)
}

func TestParseMultipartAlternative(t *testing.T) {
	raw := []byte("From: a@b.c\r\n" +
		"Subject: both bodies\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"plain text here\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>html here</p>\r\n" +
		"--BOUND--\r\n")

	msg, err := NewParser().Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, msg.TextBody, "plain text here")
	assert.Contains(t, msg.HTMLBody, "html here")
	assert.Equal(t, "plain text here", msg.Snippet, "text body preferred for the snippet")
}

func TestParseAttachment(t *testing.T) {
	raw := []byte("From: a@b.c\r\n" +
		"Subject: with file\r\n" +
		"Content-Type: multipart/mixed; boundary=BOUND\r\n" +
		"\r\n" +
		"--BOUND\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see attached\r\n" +
		"--BOUND\r\n" +
		"Content-Type: application/pdf; name=report.pdf\r\n" +
		"Content-Disposition: attachment; filename=report.pdf\r\n" +
		"\r\n" +
		"%PDF-fake\r\n" +
		"--BOUND--\r\n")

	msg, err := NewParser().Parse(raw)
	require.NoError(t, err)
	assert.Contains(t, msg.TextBody, "see attached")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "report.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	assert.NotZero(t, msg.Attachments[0].Size)
}

func TestMakeSnippetCollapsesAndTruncates(t *testing.T) {
	assert.Equal(t, "a b c", makeSnippet("  a\n\n b\t c  "))

	long := strings.Repeat("x", 300)
	assert.Len(t, makeSnippet(long), snippetLength)
}

func TestDirectionFor(t *testing.T) {
	msg := &Message{From: Address{Address: "Me@Example.com"}}
	assert.Equal(t, DirectionOutbound, msg.DirectionFor("me@example.com"), "case-insensitive")
	assert.Equal(t, DirectionInbound, msg.DirectionFor("other@example.com"))
}

func TestToPromptContextTruncatesBody(t *testing.T) {
	msg := &Message{
		From:     Address{Name: "A", Address: "a@b.c"},
		To:       []Address{{Address: "me@example.com"}},
		Subject:  "s",
		TextBody: strings.Repeat("y", 100),
	}
	pc := msg.ToPromptContext(10)
	assert.Len(t, pc.Body, 10)
	assert.Equal(t, "A <a@b.c>", pc.From)
}
