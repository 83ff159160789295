package notify

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/seed-scraper/internal/config"
	"github.com/seed-scraper/internal/logging"
)

// Sender delivers a rendered email and returns its message id
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// sendMailFunc matches smtp.SendMail
type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender delivers email through an SMTP relay
type SMTPSender struct {
	cfg      config.EmailConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewSMTPSender creates a sender for the configured relay
func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	return &SMTPSender{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

// Send composes a multipart/alternative message and hands it to the relay
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	messageID := fmt.Sprintf("%s@%s", uuid.NewString(), s.cfg.SMTPHost)
	raw, err := Compose(s.cfg.From, msg, messageID, s.now())
	if err != nil {
		return "", err
	}

	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	addr := net.JoinHostPort(s.cfg.SMTPHost, s.cfg.SMTPPort)
	if err := s.sendMail(addr, auth, s.cfg.From, []string{msg.To}, raw); err != nil {
		return "", fmt.Errorf("failed to send email to %s: %w", msg.To, err)
	}

	return messageID, nil
}

// Compose builds the MIME message with a plain text and an HTML alternative
func Compose(from string, msg *Message, messageID string, date time.Time) ([]byte, error) {
	fromAddr, err := mail.ParseAddress(from)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", from, err)
	}
	toAddr, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", msg.To, err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", []*mail.Address{toAddr})
	h.SetSubject(msg.Subject)
	h.SetMessageID(messageID)

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("failed to create inline part: %w", err)
	}

	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	}
	for _, p := range parts {
		if p.body == "" {
			continue
		}
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		w, err := tw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s part: %w", p.contentType, err)
		}
		if _, err := w.Write([]byte(p.body)); err != nil {
			return nil, fmt.Errorf("failed to write %s part: %w", p.contentType, err)
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// LogSender logs emails instead of sending them. Used when SMTP is not configured.
type LogSender struct {
	logger *logging.Logger
}

// NewLogSender creates a log-only sender
func NewLogSender(logger *logging.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and returns a generated message id
func (s *LogSender) Send(ctx context.Context, msg *Message) (string, error) {
	messageID := uuid.NewString() + "@log"
	s.logger.WithFields(map[string]interface{}{
		"to":        msg.To,
		"subject":   msg.Subject,
		"messageId": messageID,
	}).Info("Email delivery disabled, message logged")
	return messageID, nil
}
