package email

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/google/uuid"
)

const snippetLength = 160

// Parser parses raw email messages
type Parser struct{}

// NewParser creates a new email parser
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a raw email message
func (p *Parser) Parse(rawMessage []byte) (*Message, error) {
	reader := bytes.NewReader(rawMessage)

	entity, err := message.Read(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	msg := &Message{
		RawMessage: rawMessage,
		ReceivedAt: time.Now(),
		Headers:    make(map[string]string),
	}

	header := entity.Header

	msg.MessageID = strings.Trim(header.Get("Message-ID"), "<>")
	if msg.MessageID == "" {
		msg.MessageID = generateMessageID()
	}

	if from := header.Get("From"); from != "" {
		addr, err := parseAddress(from)
		if err == nil {
			msg.From = addr
		}
	}

	if to := header.Get("To"); to != "" {
		addrs, err := parseAddressList(to)
		if err == nil {
			msg.To = addrs
		}
	}

	if cc := header.Get("Cc"); cc != "" {
		addrs, err := parseAddressList(cc)
		if err == nil {
			msg.Cc = addrs
		}
	}

	if replyTo := header.Get("Reply-To"); replyTo != "" {
		addr, err := parseAddress(replyTo)
		if err == nil {
			msg.ReplyTo = &addr
		}
	}

	msg.Subject = decodeHeader(header.Get("Subject"))

	if date := header.Get("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.Date = t
		}
	}
	if msg.Date.IsZero() {
		msg.Date = msg.ReceivedAt
	}

	msg.ThreadID = threadID(header.Get("References"), header.Get("In-Reply-To"), msg.MessageID)

	// Headers the evaluator and trackers care about
	commonHeaders := []string{
		"In-Reply-To", "References", "List-Unsubscribe", "List-Id",
		"Precedence", "Auto-Submitted", "X-Priority",
	}
	for _, h := range commonHeaders {
		if val := header.Get(h); val != "" {
			msg.Headers[h] = val
		}
	}

	if err := p.parseBody(entity, msg); err != nil {
		return nil, fmt.Errorf("failed to parse body: %w", err)
	}

	msg.Snippet = makeSnippet(msg.Body())

	return msg, nil
}

// parseBody walks the MIME tree, collecting text and html bodies and
// splitting off attachments.
func (p *Parser) parseBody(entity *message.Entity, msg *Message) error {
	mediaType, params, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := entity.MultipartReader()
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if err := p.parseBody(part, msg); err != nil {
				return err
			}
		}
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}

	disposition, dispParams, _ := entity.Header.ContentDisposition()
	filename := dispParams["filename"]
	if filename == "" {
		filename = params["name"]
	}
	if disposition == "attachment" || (filename != "" && disposition != "inline") {
		msg.Attachments = append(msg.Attachments, Attachment{
			Filename:    decodeHeader(filename),
			ContentType: mediaType,
			ContentID:   strings.Trim(entity.Header.Get("Content-ID"), "<>"),
			Data:        body,
			Size:        int64(len(body)),
		})
		return nil
	}

	switch {
	case strings.HasPrefix(mediaType, "text/plain"):
		msg.TextBody = string(body)
	case strings.HasPrefix(mediaType, "text/html"):
		msg.HTMLBody = string(body)
	}
	return nil
}

// threadID resolves a stable thread identifier: the root of the References
// chain, falling back to In-Reply-To, then the message's own id for a fresh
// thread.
func threadID(references, inReplyTo, messageID string) string {
	if refs := strings.Fields(references); len(refs) > 0 {
		return strings.Trim(refs[0], "<>")
	}
	if inReplyTo != "" {
		return strings.Trim(inReplyTo, "<>")
	}
	return messageID
}

// makeSnippet collapses whitespace and truncates the body for previews and
// AI prompts.
func makeSnippet(body string) string {
	snippet := strings.Join(strings.Fields(body), " ")
	if runes := []rune(snippet); len(runes) > snippetLength {
		snippet = string(runes[:snippetLength])
	}
	return snippet
}

// parseAddress parses one address, tolerating the bare strings real mail
// sometimes carries in place of an RFC 5322 mailbox.
func parseAddress(s string) (Address, error) {
	addr, err := mail.ParseAddress(s)
	if err == nil {
		return Address{Name: addr.Name, Address: addr.Address}, nil
	}
	if s = strings.TrimSpace(s); strings.Contains(s, "@") {
		return Address{Address: s}, nil
	}
	return Address{}, err
}

// parseAddressList parses a comma-separated address list, falling back to a
// lenient per-part parse when the list as a whole is malformed.
func parseAddressList(s string) ([]Address, error) {
	if addrs, err := mail.ParseAddressList(s); err == nil {
		result := make([]Address, len(addrs))
		for i, addr := range addrs {
			result[i] = Address{Name: addr.Name, Address: addr.Address}
		}
		return result, nil
	}

	var result []Address
	for _, part := range strings.Split(s, ",") {
		if addr, err := parseAddress(part); err == nil {
			result = append(result, addr)
		}
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no parseable addresses in %q", s)
	}
	return result, nil
}

// decodeHeader decodes RFC 2047 encoded-words, returning the raw value when
// decoding fails.
func decodeHeader(s string) string {
	decoded, err := new(mime.WordDecoder).DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

// generateMessageID generates a unique message ID
func generateMessageID() string {
	return uuid.NewString() + "@mailpilot.local"
}
