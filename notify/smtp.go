package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"

	"github.com/stellwolf/acctguard"
)

type templateSpec struct {
	subject string
	body    *template.Template
}

var templates = map[acctguard.TemplateKind]templateSpec{
	acctguard.TemplateRegistration: {
		subject: "Verify your account",
		body:    mustParse("registration", `<p>Use this code to verify your account: <b>{{.Token}}</b></p>`),
	},
	acctguard.TemplateChangeEmail: {
		subject: "Confirm your new email address",
		body:    mustParse("change-email", `<p>Use this code to confirm your new email address: <b>{{.Token}}</b></p>`),
	},
	acctguard.TemplateChangeUsername: {
		subject: "Confirm your username change",
		body:    mustParse("change-username", `<p>Use this code to confirm your username change: <b>{{.Token}}</b></p>`),
	},
	acctguard.TemplateChangePhone: {
		subject: "Confirm your phone number change",
		body:    mustParse("change-phone", `<p>Use this code to confirm your phone number change: <b>{{.Token}}</b></p>`),
	},
	acctguard.TemplateChangePassword: {
		subject: "Confirm your password change",
		body:    mustParse("change-password", `<p>Use this code to confirm your password change: <b>{{.Token}}</b></p>`),
	},
	acctguard.TemplatePasswordReset: {
		subject: "Password reset request",
		body:    mustParse("password-reset", `<p>Use this code to reset your password: <b>{{.Token}}</b></p>`),
	},
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Parse(text))
}

// SMTPDispatcher delivers verification tokens by email over SMTP. It
// implements [acctguard.NotificationDispatcher].
type SMTPDispatcher struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPDispatcher configures a dispatcher for the given SMTP endpoint.
func NewSMTPDispatcher(host string, port int, username, password, from string) *SMTPDispatcher {
	return &SMTPDispatcher{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Send renders the template for the change kind and mails it to the
// destination address. The context is accepted for interface compatibility;
// gomail dials synchronously.
func (d *SMTPDispatcher) Send(_ context.Context, token, destination string, kind acctguard.TemplateKind) error {
	spec, ok := templates[kind]
	if !ok {
		return fmt.Errorf("unknown notification template %d", kind)
	}

	var body bytes.Buffer
	if err := spec.body.Execute(&body, struct{ Token string }{Token: token}); err != nil {
		return fmt.Errorf("render notification template: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", d.from)
	m.SetHeader("To", destination)
	m.SetHeader("Subject", spec.subject)
	m.SetBody("text/html", body.String())

	return d.dialer.DialAndSend(m)
}
