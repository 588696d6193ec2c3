// Package notify delivers user notifications by email
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/zari-lab/labdata/config"
	"go.uber.org/zap"
)

// Sender delivers a message to one recipient
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// NewSender returns an SMTP sender when mail is configured, and a
// LogSender otherwise
func NewSender(cfg config.MailConfig, logger *zap.Logger) Sender {
	if !cfg.Enabled() {
		logger.Info("no SMTP host configured, notifications will be logged")
		return NewLogSender(logger)
	}
	return NewSMTPSender(cfg, logger)
}

// SendFunc matches smtp.SendMail
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends plain-text mail through a relay
type SMTPSender struct {
	cfg      config.MailConfig
	logger   *zap.Logger
	sendMail SendFunc
}

// NewSMTPSender creates a sender for the relay in cfg
func NewSMTPSender(cfg config.MailConfig, logger *zap.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, logger: logger, sendMail: smtp.SendMail}
}

// Send delivers the message. smtp.SendMail takes no context, so ctx is only
// checked before dialing.
func (s *SMTPSender) Send(ctx context.Context, recipient, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(recipient, "\r\n") || strings.ContainsAny(subject, "\r\n") {
		return fmt.Errorf("invalid header value")
	}

	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		s.cfg.From, recipient, subject, body)

	if err := s.sendMail(s.cfg.Address(), auth, s.cfg.From, []string{recipient}, []byte(msg)); err != nil {
		s.logger.Error("failed to send email",
			zap.String("recipient", recipient),
			zap.String("subject", subject),
			zap.Error(err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("sent email", zap.String("recipient", recipient), zap.String("subject", subject))
	return nil
}

// Message is a notification captured by LogSender
type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// LogSender logs messages instead of sending them and keeps them for
// inspection
type LogSender struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []Message
}

// NewLogSender creates a LogSender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, recipient, subject, body string) error {
	s.mu.Lock()
	s.sent = append(s.sent, Message{Recipient: recipient, Subject: subject, Body: body})
	s.mu.Unlock()

	s.logger.Info("email not sent, no SMTP relay configured",
		zap.String("recipient", recipient),
		zap.String("subject", subject),
		zap.String("body", body))
	return nil
}

// Sent returns the messages seen so far
func (s *LogSender) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}
