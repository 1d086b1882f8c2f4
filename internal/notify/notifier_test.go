package notify

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type captureMailer struct {
	messages []Message
}

func (m *captureMailer) Send(_ context.Context, message Message) error {
	m.messages = append(m.messages, message)
	return nil
}

func TestSendInvitationRendersSigningLink(t *testing.T) {
	mailer := &captureMailer{}
	notifier, err := NewNotifier(NotifierConfig{Mailer: mailer, BaseURL: "https://sign.example.com/"})
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	err = notifier.SendInvitation(context.Background(), Invitation{
		DocumentID:    "doc-1",
		DocumentTitle: "Lease <2026>",
		SenderName:    "Ada",
		SenderEmail:   "ada@example.com",
		SignerName:    "Bob",
		SignerEmail:   "bob@example.com",
		Token:         "tok+en",
		ExpiresAt:     time.Date(2026, 10, 24, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mailer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(mailer.messages))
	}
	message := mailer.messages[0]
	if message.To != "bob@example.com" || message.Subject != "Document Signing Request: Lease <2026>" {
		t.Fatalf("unexpected envelope %+v", message)
	}
	wantLink := "https://sign.example.com/sign?id=doc-1&amp;token=tok%2Ben"
	if !strings.Contains(message.HTML, wantLink) {
		t.Fatalf("expected html to contain %q, got %s", wantLink, message.HTML)
	}
	if !strings.Contains(message.HTML, "Lease &lt;2026&gt;") {
		t.Fatalf("expected escaped title in html, got %s", message.HTML)
	}
	if !strings.Contains(message.Text, "https://sign.example.com/sign?id=doc-1&token=tok%2Ben") {
		t.Fatalf("expected raw link in text part, got %s", message.Text)
	}
	if !strings.Contains(message.Text, "Oct 24, 2026") {
		t.Fatalf("expected expiry date in text part, got %s", message.Text)
	}
}

func TestSendCompletionListsSigners(t *testing.T) {
	mailer := &captureMailer{}
	notifier, err := NewNotifier(NotifierConfig{Mailer: mailer, BaseURL: "https://sign.example.com"})
	if err != nil {
		t.Fatalf("notifier: %v", err)
	}
	signedAt := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	err = notifier.SendCompletion(context.Background(), Completion{
		DocumentID:     "doc-1",
		DocumentTitle:  "Lease",
		RecipientEmail: "ada@example.com",
		Signers: []CompletedSigner{
			{Name: "Bob", Email: "bob@example.com", SignedAt: signedAt},
			{Name: "Cy", Email: "cy@example.com", SignedAt: signedAt},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	message := mailer.messages[0]
	if message.Subject != "Document Completed: Lease" {
		t.Fatalf("unexpected subject %q", message.Subject)
	}
	if !strings.Contains(message.HTML, "Hello ada@example.com") {
		t.Fatalf("expected recipient email as greeting fallback, got %s", message.HTML)
	}
	if strings.Count(message.HTML, "<li>") != 2 || !strings.Contains(message.HTML, "Signed on Oct 17, 2026") {
		t.Fatalf("unexpected signer list %s", message.HTML)
	}
	if !strings.Contains(message.HTML, `href="https://sign.example.com/view?id=doc-1"`) {
		t.Fatalf("expected tokenless view link for creator, got %s", message.HTML)
	}
}

func TestNewNotifierRequiresMailer(t *testing.T) {
	if _, err := NewNotifier(NotifierConfig{}); !errors.Is(err, errMissingMailer) {
		t.Fatalf("expected errMissingMailer, got %v", err)
	}
}

func TestLogMailerLogsMessage(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mailer := NewLogMailer(zap.New(core))
	if err := mailer.Send(context.Background(), Message{To: "bob@example.com", Subject: "Hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	entries := logs.FilterMessage("email queued").All()
	if len(entries) != 1 || entries[0].ContextMap()["to"] != "bob@example.com" {
		t.Fatalf("unexpected log entries %+v", entries)
	}
	if err := mailer.Send(context.Background(), Message{}); !errors.Is(err, ErrMissingRecipient) {
		t.Fatalf("expected ErrMissingRecipient, got %v", err)
	}
}

func TestSMTPMailerComposesMultipartMessage(t *testing.T) {
	mailer, err := NewSMTPMailer(SMTPConfig{
		Host:     "smtp.example.com",
		Username: "user",
		Password: "secret",
		From:     "Countersign <no-reply@example.com>",
		Clock:    func() time.Time { return time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("mailer: %v", err)
	}
	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	mailer.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}
	err = mailer.Send(context.Background(), Message{To: "bob@example.com", Subject: "Unterschrift für Vertrag\r\nBcc: x@example.com", HTML: "<p>hi</p>", Text: "hi"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.example.com:587" || gotFrom != "no-reply@example.com" || len(gotTo) != 1 || gotTo[0] != "bob@example.com" {
		t.Fatalf("unexpected envelope addr=%s from=%s to=%v", gotAddr, gotFrom, gotTo)
	}
	body := string(gotBody)
	for _, want := range []string{"Subject: =?utf-8?q?", "multipart/alternative", "text/plain; charset=utf-8", "<p>hi</p>"} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected body to contain %q, got %s", want, body)
		}
	}
	if strings.Contains(body, "\r\nBcc:") {
		t.Fatalf("header injection not neutralised: %s", body)
	}
}

func TestNewSMTPMailerValidates(t *testing.T) {
	if _, err := NewSMTPMailer(SMTPConfig{From: "a@example.com"}); !errors.Is(err, ErrMissingSMTPHost) {
		t.Fatalf("expected ErrMissingSMTPHost, got %v", err)
	}
	if _, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example.com"}); !errors.Is(err, ErrMissingSender) {
		t.Fatalf("expected ErrMissingSender, got %v", err)
	}
}
