package notifier

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig configures an e-mail channel. Carrier SMS gateways are just recipients.
type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// EmailNotifier sends plain-text mail.
type EmailNotifier struct {
	name string
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(name string, cfg SMTPConfig) *EmailNotifier {
	return &EmailNotifier{name: name, cfg: cfg, send: smtp.SendMail}
}

func (e *EmailNotifier) Name() string { return e.name }

func (e *EmailNotifier) Send(ctx context.Context, n Notification) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("%s: no recipients", e.name)
	}
	addr := net.JoinHostPort(e.cfg.Host, fmt.Sprint(e.cfg.Port))
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(e.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(string(n.Severity)), n.Title)
	fmt.Fprintf(&msg, "Date: %s\r\n", n.Time.Format(time.RFC1123Z))
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(n.Message)
	msg.WriteString("\r\n")

	// smtp.SendMail has no context, so bound it from the outside
	done := make(chan error, 1)
	go func() {
		done <- e.send(addr, auth, e.cfg.From, e.cfg.To, []byte(msg.String()))
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
