package notify

import (
	"bytes"
	"context"
	"errors"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
	"time"
)

var errMissingMailer = errors.New("notify: mailer is required")

const dateLayout = "Jan 2, 2006"

var templateFuncs = map[string]any{
	"date": func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(dateLayout)
	},
}

var (
	invitationHTML = htmltemplate.Must(htmltemplate.New("invitation").Funcs(templateFuncs).Parse(`<h2>Document Signing Request</h2>
<p>Hello {{.SignerName}},</p>
<p>You have been requested to sign the document: <strong>{{.DocumentTitle}}</strong></p>
<p>Sent by: {{.SenderName}} ({{.SenderEmail}})</p>
{{if .Description}}<p>Description: {{.Description}}</p>
{{end}}<p><a href="{{.Link}}">Sign Document</a></p>
<p>Or copy this link to your browser: {{.Link}}</p>
<hr>
<p><small>This link is only meant for you. It expires on {{date .ExpiresAt}}.</small></p>
`))
	invitationText = texttemplate.Must(texttemplate.New("invitation").Funcs(templateFuncs).Parse(`Hello {{.SignerName}},

You have been requested to sign the document "{{.DocumentTitle}}".
Sent by: {{.SenderName}} ({{.SenderEmail}})
{{if .Description}}Description: {{.Description}}
{{end}}
Sign here: {{.Link}}

This link is only meant for you. It expires on {{date .ExpiresAt}}.
`))
	completionHTML = htmltemplate.Must(htmltemplate.New("completion").Funcs(templateFuncs).Parse(`<h2>Document Signing Completed</h2>
<p>Hello {{.RecipientName}},</p>
<p>The document <strong>{{.DocumentTitle}}</strong> has been fully signed by all parties.</p>
<p>Signers:</p>
<ul>
{{range .Signers}}<li>{{.Name}} ({{.Email}}) - Signed on {{date .SignedAt}}</li>
{{end}}</ul>
<p><a href="{{.Link}}">View Completed Document</a></p>
`))
	completionText = texttemplate.Must(texttemplate.New("completion").Funcs(templateFuncs).Parse(`Hello {{.RecipientName}},

The document "{{.DocumentTitle}}" has been fully signed by all parties.

Signers:
{{range .Signers}}- {{.Name}} ({{.Email}}) signed on {{date .SignedAt}}
{{end}}
View the completed document: {{.Link}}
`))
)

// Invitation asks one signer to sign.
type Invitation struct {
	DocumentID    string
	DocumentTitle string
	Description   string
	SenderName    string
	SenderEmail   string
	SignerName    string
	SignerEmail   string
	Token         string
	ExpiresAt     time.Time
}

// CompletedSigner is one line of the completion summary.
type CompletedSigner struct {
	Name     string
	Email    string
	SignedAt time.Time
}

// Completion tells one recipient that every signer has signed. Token is
// empty for the creator.
type Completion struct {
	DocumentID     string
	DocumentTitle  string
	RecipientName  string
	RecipientEmail string
	Token          string
	Signers        []CompletedSigner
}

// NotifierConfig configures a Notifier.
type NotifierConfig struct {
	Mailer  Mailer
	BaseURL string
}

// Notifier renders messages and hands them to a Mailer.
type Notifier struct {
	mailer  Mailer
	baseURL string
}

// NewNotifier constructs a Notifier.
func NewNotifier(cfg NotifierConfig) (*Notifier, error) {
	if cfg.Mailer == nil {
		return nil, errMissingMailer
	}
	return &Notifier{mailer: cfg.Mailer, baseURL: strings.TrimRight(cfg.BaseURL, "/")}, nil
}

// SigningURL is the link a signer follows to sign.
func SigningURL(baseURL, documentID, token string) string {
	return link(baseURL, "/sign", documentID, token)
}

// ViewURL is the link to a completed document.
func ViewURL(baseURL, documentID, token string) string {
	return link(baseURL, "/view", documentID, token)
}

func link(baseURL, route, documentID, token string) string {
	query := url.Values{}
	query.Set("id", documentID)
	if token != "" {
		query.Set("token", token)
	}
	return strings.TrimRight(baseURL, "/") + route + "?" + query.Encode()
}

func (n *Notifier) SendInvitation(ctx context.Context, invitation Invitation) error {
	data := struct {
		Invitation
		Link string
	}{invitation, SigningURL(n.baseURL, invitation.DocumentID, invitation.Token)}
	if data.SignerName == "" {
		data.SignerName = invitation.SignerEmail
	}
	message, err := render(invitationHTML, invitationText, data)
	if err != nil {
		return err
	}
	message.To = invitation.SignerEmail
	message.Subject = "Document Signing Request: " + invitation.DocumentTitle
	return n.mailer.Send(ctx, message)
}

func (n *Notifier) SendCompletion(ctx context.Context, completion Completion) error {
	data := struct {
		Completion
		Link string
	}{completion, ViewURL(n.baseURL, completion.DocumentID, completion.Token)}
	if data.RecipientName == "" {
		data.RecipientName = completion.RecipientEmail
	}
	message, err := render(completionHTML, completionText, data)
	if err != nil {
		return err
	}
	message.To = completion.RecipientEmail
	message.Subject = "Document Completed: " + completion.DocumentTitle
	return n.mailer.Send(ctx, message)
}

func render(html *htmltemplate.Template, text *texttemplate.Template, data any) (Message, error) {
	var htmlBody, textBody bytes.Buffer
	if err := html.Execute(&htmlBody, data); err != nil {
		return Message{}, err
	}
	if err := text.Execute(&textBody, data); err != nil {
		return Message{}, err
	}
	return Message{HTML: htmlBody.String(), Text: textBody.String()}, nil
}
