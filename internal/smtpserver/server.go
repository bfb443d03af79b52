// Package smtpserver receives e-mail over SMTP and files it in the inbox of
// the matching e-mail account, where the peer sees it as a new message.
package smtpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/btmap/internal/accounts"
	"github.io/infrasutra/btmap/internal/bmsg"
	"github.io/infrasutra/btmap/internal/listing"
	"github.io/infrasutra/btmap/internal/store"
)

const (
	defaultDomain = "btmap"
)

var errNoMailbox = &smtp.SMTPError{
	Code:         550,
	EnhancedCode: smtp.EnhancedCode{5, 1, 1},
	Message:      "no e-mail account for recipient",
}

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Inserter stores received messages.
type Inserter interface {
	InsertMessage(ctx context.Context, m store.Message) (int64, error)
}

// AccountSource lists the accounts mail can be delivered to.
type AccountSource interface {
	EnabledAccounts(ctx context.Context) ([]accounts.Account, error)
}

type Server struct {
	smtp   *smtp.Server
	logger *slog.Logger
}

func New(messages Inserter, accts AccountSource, logger *slog.Logger, addr string, authCfg AuthConfig) *Server {
	backend := &backend{
		messages:     messages,
		accounts:     accts,
		logger:       logger,
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	server := smtp.NewServer(backend)
	server.Addr = addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp server listening", "addr", s.smtp.Addr)
	return s.smtp.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("smtp server listening", "addr", l.Addr().String())
	return s.smtp.Serve(l)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

type backend struct {
	messages     Inserter
	accounts     AccountSource
	logger       *slog.Logger
	authEnabled  bool
	authUsername string
	authPassword string
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

// mailboxFor picks the e-mail account addressed by rcpt: its UCI equals
// the address, or its id equals the local part.
func (b *backend) mailboxFor(ctx context.Context, rcpt string) (string, bool) {
	list, err := b.accounts.EnabledAccounts(ctx)
	if err != nil {
		b.logger.Error("load accounts", "error", err)
		return "", false
	}
	local, _, _ := strings.Cut(rcpt, "@")
	for _, a := range list {
		if a.Type != accounts.TypeEmail {
			continue
		}
		if strings.EqualFold(a.UCI, rcpt) || strings.EqualFold(a.ID, local) {
			return a.ID, true
		}
	}
	return "", false
}

type session struct {
	backend       *backend
	from          string
	to            []string
	mailboxes     []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return errors.New("invalid credentials")
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	to = normalizeEmail(to)
	mailbox, ok := s.backend.mailboxFor(context.Background(), to)
	if !ok {
		return errNoMailbox
	}
	s.to = append(s.to, to)
	for _, m := range s.mailboxes {
		if m == mailbox {
			return nil
		}
	}
	s.mailboxes = append(s.mailboxes, mailbox)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	ctx := context.Background()
	for _, mailbox := range s.mailboxes {
		message, err := parseMessage(s.from, s.to, data, mailbox, time.Now())
		if err != nil {
			s.backend.logger.Warn("parse smtp message", "error", err)
		}
		id, err := s.backend.messages.InsertMessage(ctx, message)
		if err != nil {
			s.backend.logger.Error("store smtp message", "mailbox", mailbox, "error", err)
			return err
		}
		s.backend.logger.Info("mail received", "mailbox", mailbox, "id", id, "from", message.SenderAddr)
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
	s.mailboxes = nil
}

func (s *session) Logout() error {
	return nil
}

// parseMessage builds the inbox entry for raw. A message that cannot be
// parsed is still stored with what the envelope tells.
func parseMessage(envelopeFrom string, envelopeTo []string, raw []byte, mailbox string, now time.Time) (store.Message, error) {
	message := store.Message{
		Mailbox:       mailbox,
		Type:          string(listing.TypeEmail),
		Folder:        listing.FolderInbox,
		SenderAddr:    envelopeFrom,
		RecipientAddr: strings.Join(envelopeTo, ";"),
		Body:          raw,
		Size:          int64(len(raw)),
		CreatedAt:     now,
	}

	c, err := bmsg.ParseEmail(raw)
	if c == nil {
		if message.SenderAddr == "" {
			message.SenderAddr = "unknown@" + defaultDomain
		}
		return message, err
	}
	message.Subject = c.Subject
	if len(c.From) > 0 {
		message.SenderName = c.From[0].Name
		if message.SenderAddr == "" {
			message.SenderAddr = normalizeEmail(c.From[0].Address)
		}
	}
	if message.SenderAddr == "" {
		message.SenderAddr = "unknown@" + defaultDomain
	}
	if len(c.To) > 0 {
		message.RecipientName = c.To[0].Name
	}
	if !c.Date.IsZero() {
		message.CreatedAt = c.Date
	}
	for _, a := range c.Attachments {
		message.AttachmentSize += int64(len(a.Data))
	}
	return message, err
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
