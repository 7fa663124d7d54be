package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net/smtp"
	"strings"

	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/pkg/logger"
)

// MailChannel sends failure notifications through an SMTP relay.
type MailChannel struct {
	cfg *config.MailConfig
}

func NewMailChannel(cfg *config.MailConfig) *MailChannel {
	return &MailChannel{cfg: cfg}
}

func (c *MailChannel) Name() string { return "mail" }

func (c *MailChannel) Send(ctx context.Context, msg *NotificationMessage) error {
	if c.cfg.Host == "" {
		return fmt.Errorf("smtp host is not configured")
	}
	if len(c.cfg.To) == 0 {
		logger.Warn().Msg("[Email] no recipients configured, skipping")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.sendEmail(c.cfg.To, msg.Title(), buildEmailBody(msg))
}

func buildEmailBody(n *NotificationMessage) string {
	var sb strings.Builder

	sb.WriteString("<html><body style=\"font-family: Arial, sans-serif;\">")
	sb.WriteString("<h2>Batch Job Failed</h2>")
	sb.WriteString("<table style=\"border-collapse: collapse; margin-bottom: 20px;\">")

	rows := []struct{ label, value string }{
		{"Job", n.JobName},
		{"Execution", fmt.Sprintf("#%d", n.JobExecutionID)},
		{"Step", n.StepName},
		{"Failure kind", string(n.FailureKind)},
		{"Parameters", n.Parameters},
		{"Occurred at", n.OccurredAt.Format("2006-01-02 15:04:05")},
	}

	for _, r := range rows {
		sb.WriteString(fmt.Sprintf("<tr><td style=\"padding: 8px; border: 1px solid #ddd; font-weight: bold;\">%s</td><td style=\"padding: 8px; border: 1px solid #ddd;\">%s</td></tr>",
			r.label, html.EscapeString(r.value)))
	}
	sb.WriteString("</table>")

	sb.WriteString("<h3>Error</h3>")
	sb.WriteString(fmt.Sprintf("<pre style=\"background: #f5f5f5; padding: 12px; border-radius: 4px;\">%s</pre>", html.EscapeString(n.ErrorMessage)))

	sb.WriteString("<h3>What to do</h3>")
	sb.WriteString(fmt.Sprintf("<p>%s</p>", html.EscapeString(n.ActionGuide)))

	sb.WriteString("<hr><p style=\"color: #888; font-size: 12px;\">Sent by statbatch</p>")
	sb.WriteString("</body></html>")

	return sb.String()
}

func (c *MailChannel) sendEmail(to []string, subject, body string) error {
	from := c.cfg.From
	if from == "" {
		from = c.cfg.Username
	}

	headers := [][2]string{
		{"From", from},
		{"To", strings.Join(to, ",")},
		{"Subject", subject},
		{"MIME-Version", "1.0"},
		{"Content-Type", "text/html; charset=UTF-8"},
	}

	var message strings.Builder
	for _, h := range headers {
		message.WriteString(fmt.Sprintf("%s: %s\r\n", h[0], h[1]))
	}
	message.WriteString("\r\n")
	message.WriteString(body)

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	var auth smtp.Auth
	if c.cfg.Username != "" && c.cfg.Password != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	var err error
	if c.cfg.UseTLS {
		err = c.sendEmailTLS(addr, auth, from, to, message.String())
	} else {
		err = smtp.SendMail(addr, auth, from, to, []byte(message.String()))
	}

	if err != nil {
		return fmt.Errorf("send mail via %s: %w", addr, err)
	}

	logger.Infof("[Email] Sent failure notification to %v", to)
	return nil
}

func (c *MailChannel) sendEmailTLS(addr string, auth smtp.Auth, from string, to []string, message string) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	if err != nil {
		return err
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		return err
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}

	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte(message)); err != nil {
		return err
	}

	return w.Close()
}
