package tools

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/ragkit/sage/pkg/config"
)

// EmailTool sends plain-text mail through a configured SMTP relay.
type EmailTool struct {
	cfg config.ToolsConfig
	// send is swappable for tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailTool creates the tool from SMTP config.
func NewEmailTool(cfg config.ToolsConfig) *EmailTool {
	return &EmailTool{cfg: cfg, send: smtp.SendMail}
}

func (t *EmailTool) Name() string { return "email_sender" }

func (t *EmailTool) Description() string {
	return "Send a plain-text email to one recipient."
}

func (t *EmailTool) Parameters() []Parameter {
	return []Parameter{
		{Name: "to", Type: TypeString, Required: true, Description: "Recipient address"},
		{Name: "subject", Type: TypeString, Required: true, Description: "Subject line"},
		{Name: "body", Type: TypeString, Required: true, Description: "Message body"},
	}
}

func (t *EmailTool) Execute(_ context.Context, args Arguments) (string, error) {
	if t.cfg.SMTPHost == "" {
		return "", fmt.Errorf("email sending is not configured")
	}

	to := strings.TrimSpace(args.String("to", ""))
	subject := args.String("subject", "")
	body := args.String("body", "")
	if !strings.Contains(to, "@") {
		return "", fmt.Errorf("invalid recipient address %q", to)
	}

	from := t.cfg.SMTPFrom
	if from == "" {
		from = t.cfg.SMTPUser
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	var auth smtp.Auth
	if t.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", t.cfg.SMTPUser, t.cfg.SMTPPass, t.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", t.cfg.SMTPHost, t.cfg.SMTPPort)
	if err := t.send(addr, auth, from, []string{to}, []byte(msg.String())); err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return fmt.Sprintf("Email sent to %s.", to), nil
}
