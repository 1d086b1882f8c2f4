// Package notify renders and delivers signing invitations and completion notices.
package notify

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	ErrMissingRecipient = errors.New("notify: recipient is required")
	ErrMissingSMTPHost  = errors.New("notify: smtp host is required")
	ErrMissingSender    = errors.New("notify: sender address is required")
)

// Message is one outgoing email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, message Message) error
}

// LogMailer writes messages to the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, message Message) error {
	if strings.TrimSpace(message.To) == "" {
		return ErrMissingRecipient
	}
	m.logger.Info("email queued",
		zap.String("to", message.To),
		zap.String("subject", message.Subject),
		zap.String("text", message.Text))
	return nil
}

// SMTPConfig configures an SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Clock    func() time.Time
}

// SMTPMailer sends multipart/alternative messages with PLAIN auth.
type SMTPMailer struct {
	address string
	host    string
	auth    smtp.Auth
	from    string
	clock   func() time.Time
	send    func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer constructs an SMTPMailer. Auth is skipped when no username is set.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, ErrMissingSMTPHost
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, ErrMissingSender
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, host)
	}
	return &SMTPMailer{
		address: net.JoinHostPort(host, strconv.Itoa(port)),
		host:    host,
		auth:    auth,
		from:    cfg.From,
		clock:   clock,
		send:    smtp.SendMail,
	}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, message Message) error {
	if strings.TrimSpace(message.To) == "" {
		return ErrMissingRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	envelopeFrom := m.from
	if start := strings.LastIndex(m.from, "<"); start >= 0 {
		envelopeFrom = strings.TrimSuffix(m.from[start+1:], ">")
	}
	body := composeMIME(m.from, message, m.clock())
	if err := m.send(m.address, m.auth, envelopeFrom, []string{message.To}, body); err != nil {
		return fmt.Errorf("notify: smtp send to %s: %w", message.To, err)
	}
	return nil
}

const mimeBoundary = "countersign-alternative"

func composeMIME(from string, message Message, now time.Time) []byte {
	var b strings.Builder
	headers := [][2]string{
		{"From", from},
		{"To", message.To},
		{"Subject", mime.QEncoding.Encode("utf-8", message.Subject)},
		{"Date", now.UTC().Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mimeBoundary},
	}
	for _, header := range headers {
		b.WriteString(header[0])
		b.WriteString(": ")
		b.WriteString(sanitizeHeader(header[1]))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	writePart(&b, "text/plain; charset=utf-8", message.Text)
	writePart(&b, "text/html; charset=utf-8", message.HTML)
	b.WriteString("--" + mimeBoundary + "--\r\n")
	return []byte(b.String())
}

func writePart(b *strings.Builder, contentType, body string) {
	b.WriteString("--" + mimeBoundary + "\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	b.WriteString("\r\n")
}

func sanitizeHeader(value string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(value)
}
