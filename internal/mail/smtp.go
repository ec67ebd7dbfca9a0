package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

const (
	DefaultSMTPPort         = 25
	DefaultSMTPSSLPort      = 465
	DefaultSMTPSTARTTLSPort = 587
	DefaultDialTimeout      = 30 * time.Second
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	UseTLS   bool // STARTTLS after connecting in plain text
	UseSSL   bool // TLS from the first byte
}

// SMTPSender sends each job over a fresh SMTP connection.
type SMTPSender struct {
	cfg SMTPConfig
	now func() time.Time
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, now: time.Now}
}

func (s *SMTPSender) Send(ctx context.Context, job Job) error {
	raw, err := Compose(s.cfg.From, s.cfg.FromName, job, s.now())
	if err != nil {
		return err
	}

	client, closeClient, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer closeClient()

	if auth := s.auth(); auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp authentication failed: %w", err)
		}
	}

	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(job.To); err != nil {
		return fmt.Errorf("RCPT TO %s failed: %w", job.To, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA failed: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}

	return nil
}

func (s *SMTPSender) port() int {
	switch {
	case s.cfg.Port > 0:
		return s.cfg.Port
	case s.cfg.UseSSL:
		return DefaultSMTPSSLPort
	case s.cfg.UseTLS:
		return DefaultSMTPSTARTTLSPort
	default:
		return DefaultSMTPPort
	}
}

func (s *SMTPSender) auth() smtp.Auth {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return nil
	}
	return smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, func(), error) {
	if s.cfg.Host == "" {
		return nil, nil, errors.New("smtp host is not configured")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.port()))

	ctx, cancel := context.WithTimeout(ctx, DefaultDialTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial smtp server %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if s.cfg.UseSSL {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.cfg.Host})
		if err := tlsConn.Handshake(); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("ssl handshake: %w", err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("create smtp client: %w", err)
	}

	if s.cfg.UseTLS && !s.cfg.UseSSL {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("starttls: %w", err)
		}
	}

	closeClient := func() {
		_ = client.Quit()
		_ = conn.Close()
	}
	return client, closeClient, nil
}

// LogSender stands in for SMTP when no mail server is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	log.Printf("[mail] smtp not configured, dropping %q to %s (notification %d)", job.Subject, job.To, job.NotificationID)
	return nil
}
