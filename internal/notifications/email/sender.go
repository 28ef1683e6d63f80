// Package email delivers rendered digests via SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/bissquit/digest-garden/internal/domain"
	"github.com/bissquit/digest-garden/internal/pkg/ctxlog"
	"github.com/bissquit/digest-garden/internal/pkg/metrics"
	"golang.org/x/crypto/blake2b"
)

// Config holds email sender configuration.
type Config struct {
	Enabled      bool
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	DialTimeout  time.Duration
}

// SendError is a failed delivery attempt.
type SendError struct {
	Err error
}

func (e *SendError) Error() string {
	return e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the SMTP failure is temporary.
func (e *SendError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// Sender implements digest delivery via SMTP.
type Sender struct {
	config Config
	auth   smtp.Auth
	now    func() time.Time
}

// NewSender creates a new email sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.SMTPHost == "" {
			return nil, errors.New("email sender: SMTP host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("email sender: from address is required when enabled")
		}
	}

	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	slog.Info("email sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
	)

	return &Sender{
		config: config,
		auth:   auth,
		now:    time.Now,
	}, nil
}

// Send delivers a digest to its recipient.
func (s *Sender) Send(ctx context.Context, email domain.Email) error {
	if !s.config.Enabled {
		ctxlog.FromContext(ctx).Warn("email sender disabled, skipping send",
			"idempotency_key", email.IdempotencyKey,
		)
		return nil
	}

	msg := s.buildMessage(email)
	addr := net.JoinHostPort(s.config.SMTPHost, fmt.Sprintf("%d", s.config.SMTPPort))

	tlsConfig := &tls.Config{
		ServerName: s.config.SMTPHost,
		MinVersion: tls.VersionTLS12,
	}

	started := time.Now()
	err := s.sendWithSTARTTLS(ctx, addr, tlsConfig, email.To, msg)
	metrics.RecordExternalCall("smtp", err, time.Since(started))
	if err != nil {
		return &SendError{Err: err}
	}

	ctxlog.FromContext(ctx).Info("digest email sent",
		"idempotency_key", email.IdempotencyKey,
		"article_count", email.ArticleCount,
	)
	return nil
}

// buildMessage constructs the HTML message with headers.
// The Message-ID derives from the idempotency key so a resent digest is recognisable downstream.
func (s *Sender) buildMessage(email domain.Email) []byte {
	var msg bytes.Buffer

	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.FromAddress))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", email.To))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", email.Subject)))
	msg.WriteString(fmt.Sprintf("Date: %s\r\n", s.now().UTC().Format(time.RFC1123Z)))
	if email.IdempotencyKey != "" {
		msg.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID(email.IdempotencyKey, extractEmail(s.config.FromAddress))))
	}
	msg.WriteString(fmt.Sprintf("X-Digest-Article-Count: %d\r\n", email.ArticleCount))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=\"utf-8\"\r\n")
	msg.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	msg.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&msg)
	_, _ = qp.Write([]byte(email.HTML))
	_ = qp.Close()

	return msg.Bytes()
}

// sendWithSTARTTLS sends an email using STARTTLS (port 587).
func (s *Sender) sendWithSTARTTLS(ctx context.Context, addr string, tlsConfig *tls.Config, recipient string, msg []byte) error {
	dialer := &net.Dialer{Timeout: s.config.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}

	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}

	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// messageID returns a stable Message-ID for key.
func messageID(key, from string) string {
	sum := blake2b.Sum256([]byte(key))
	host := "digest.local"
	if at := strings.LastIndex(from, "@"); at != -1 && at < len(from)-1 {
		host = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", hex.EncodeToString(sum[:16]), host)
}

// extractEmail extracts the email address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// IsRetryable determines if an error is retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Connection refused and friends.
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	errStr := err.Error()

	// SMTP 4xx codes are temporary failures
	if strings.Contains(errStr, "421") || // Service not available
		strings.Contains(errStr, "450") || // Mailbox unavailable
		strings.Contains(errStr, "451") || // Local error
		strings.Contains(errStr, "452") { // Insufficient storage
		return true
	}

	// 552 - Mailbox full is sometimes retryable
	if strings.Contains(errStr, "552") {
		return true
	}

	return false
}
