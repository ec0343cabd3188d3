// Package smtp is the secondary intake surface: a local SMTP listener whose
// deliveries feed the same rule pipeline as the provider change feed. Useful
// for self-hosted mailboxes and for piping test traffic at the engine.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/mailpilot/mailpilot/internal/config"
	"github.com/mailpilot/mailpilot/internal/email"
)

const (
	maxMessageBytes = 25 * 1024 * 1024
	handleTimeout   = 5 * time.Minute
)

// Handler is called with each parsed inbound message.
type Handler func(ctx context.Context, msg *email.Message) error

// Server accepts mail over SMTP, parses it, and hands it to the configured
// handler. Delivery is accepted as soon as the message parses; rule
// evaluation happens off the SMTP session.
type Server struct {
	srv     *smtp.Server
	handler Handler
	parser  *email.Parser
	domains map[string]bool // lowercased allowed recipient domains, empty = all
	logger  zerolog.Logger
}

// NewServer builds the intake listener from the server config section.
func NewServer(cfg *config.ServerConfig, handler Handler, logger zerolog.Logger) *Server {
	s := &Server{
		handler: handler,
		parser:  email.NewParser(),
		domains: make(map[string]bool, len(cfg.AllowedDomains)),
		logger:  logger.With().Str("component", "smtp").Logger(),
	}
	for _, d := range cfg.AllowedDomains {
		s.domains[strings.ToLower(d)] = true
	}

	srv := smtp.NewServer(s)
	srv.Addr = fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort)
	srv.Domain = "localhost"
	srv.ReadTimeout = time.Minute
	srv.WriteTimeout = time.Minute
	srv.MaxMessageBytes = maxMessageBytes
	srv.MaxRecipients = 100
	srv.AllowInsecureAuth = true

	if cfg.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to load TLS certificate, continuing without TLS")
		} else {
			srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
	}

	s.srv = srv
	return s
}

// NewSession implements smtp.Backend.
func (s *Server) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{server: s}, nil
}

// Start blocks serving SMTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("starting SMTP intake")
	return s.srv.ListenAndServe()
}

// Stop drains open sessions and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("stopping SMTP intake")
	return s.srv.Shutdown(ctx)
}

func (s *Server) domainAllowed(addr string) bool {
	if len(s.domains) == 0 {
		return true
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return false
	}
	return s.domains[strings.ToLower(addr[at+1:])]
}

// dispatch parses a delivered message, fills envelope gaps, and hands it to
// the handler on its own goroutine so the session can be released.
func (s *Server) dispatch(raw []byte, envFrom string, envTo []string) error {
	msg, err := s.parser.Parse(raw)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to parse delivered message")
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Failed to parse message",
		}
	}

	// Headers win; the envelope fills in whatever they lack.
	if msg.From.Address == "" && envFrom != "" {
		msg.From = email.Address{Address: envFrom}
	}
	if len(msg.To) == 0 {
		for _, addr := range envTo {
			msg.To = append(msg.To, email.Address{Address: addr})
		}
	}

	s.logger.Info().
		Str("from", msg.From.Address).
		Strs("to", msg.ToAddresses()).
		Str("message_id", msg.MessageID).
		Msg("accepted delivery")

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()
		if err := s.handler(ctx, msg); err != nil {
			s.logger.Error().
				Err(err).
				Str("message_id", msg.MessageID).
				Msg("failed to handle delivery")
		}
	}()
	return nil
}

type session struct {
	server *Server
	from   string
	to     []string
}

// AuthPlain accepts any credentials; the listener is expected to sit behind
// the operator's own network boundary.
func (s *session) AuthPlain(username, password string) error { return nil }

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	if !s.server.domainAllowed(to) {
		s.server.logger.Warn().Str("to", to).Msg("rejected recipient, domain not allowed")
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Domain not allowed",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return err
	}
	return s.server.dispatch(buf.Bytes(), s.from, s.to)
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error { return nil }
