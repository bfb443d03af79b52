// Package outbox delivers e-mail pushed by the peer to an SMTP relay.
package outbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

const (
	defaultDomain  = "btmap"
	defaultTimeout = 30 * time.Second
)

var ErrNoRecipients = errors.New("outbox: no recipients")

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

type Relay struct {
	addr   string
	domain string
	auth   AuthConfig
	logger *slog.Logger
}

func New(addr string, authCfg AuthConfig, logger *slog.Logger) *Relay {
	return &Relay{addr: addr, domain: defaultDomain, auth: authCfg, logger: logger}
}

// Send submits raw to the relay. A Message-ID is added when the peer did
// not set one.
func (r *Relay) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if len(to) == 0 {
		return ErrNoRecipients
	}
	msg, id, err := withMessageID(raw, r.domain)
	if err != nil {
		return err
	}

	c, err := smtp.Dial(r.addr)
	if err != nil {
		return fmt.Errorf("dial relay %s: %w", r.addr, err)
	}
	defer c.Close()
	timeout := defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	if err := c.Hello(r.domain); err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if r.auth.Enabled {
		if err := c.Auth(sasl.NewPlainClient("", r.auth.Username, r.auth.Password)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("send mail: %w", err)
	}
	if err := c.Quit(); err != nil {
		r.logger.Debug("relay quit", "error", err)
	}
	r.logger.Info("mail relayed", "from", from, "recipients", len(to), "message_id", id)
	return nil
}

func withMessageID(raw []byte, domain string) ([]byte, string, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, "", fmt.Errorf("read mail header: %w", err)
	}
	if id := h.Get("Message-Id"); id != "" {
		return raw, id, nil
	}
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
	h.Set("Message-Id", id)

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h); err != nil {
		return nil, "", fmt.Errorf("write mail header: %w", err)
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, "", fmt.Errorf("copy mail body: %w", err)
	}
	return buf.Bytes(), id, nil
}
