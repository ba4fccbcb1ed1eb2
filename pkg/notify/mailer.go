package notify

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"sync"
	"time"

	"github.com/quietwire/pingmark/pkg/config"
)

// sendTimeout bounds one SMTP conversation.
const sendTimeout = 20 * time.Second

// Mailer delivers notification email.
type Mailer interface {
	// SendAsync dispatches in the background; failures are logged, not
	// returned.
	SendAsync(to, subject, text string)
}

// SMTPMailer submits mail over SMTP with optional STARTTLS and auth.
// An unconfigured mailer (missing host or from) skips sends with a
// warning instead of failing, so notification wiring stays optional.
type SMTPMailer struct {
	cfg    *config.SMTPConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewSMTPMailer builds a mailer from config.
func NewSMTPMailer(cfg *config.SMTPConfig, logger *slog.Logger) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, logger: logger.With("component", "mailer")}
}

// SendAsync submits in a goroutine. Call Wait at shutdown to flush.
func (m *SMTPMailer) SendAsync(to, subject, text string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.send(to, subject, text); err != nil {
			m.logger.Error("Email send failed",
				"to", to, "subject", subject, "error", err)
		}
	}()
}

// Wait blocks until all in-flight sends finish.
func (m *SMTPMailer) Wait() {
	m.wg.Wait()
}

func (m *SMTPMailer) send(to, subject, text string) error {
	if m.cfg == nil || m.cfg.Host == "" || m.cfg.From == "" || to == "" {
		m.logger.Warn("Email skipped, SMTP not configured", "to", to)
		return nil
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, sendTimeout)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(sendTimeout))

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open smtp session: %w", err)
	}
	defer client.Close()

	if m.cfg.StartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: m.cfg.Host}); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}
	if m.cfg.User != "" {
		auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("mail from rejected: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to rejected: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data command failed: %w", err)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s",
		m.cfg.From, to, subject, text)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish message: %w", err)
	}
	return client.Quit()
}
