// Package email delivers rendered notifications over SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/dispatch"
	"github.com/notifyhub/delivery-pipeline/internal/domain"
)

// Config holds SMTP transport settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds one send attempt, dial included.
	Timeout time.Duration
	// ImplicitTLS dials TLS directly (port 465) instead of upgrading with
	// STARTTLS.
	ImplicitTLS bool
	// MaxIdle is the number of open sessions kept for reuse.
	MaxIdle int
}

// Sender is the email variant of dispatch.Sender. Sessions are reused across
// sends: an idle session is probed with NOOP and redialled if stale, and the
// transaction is reset with RSET after every message.
type Sender struct {
	cfg    Config
	auth   smtp.Auth
	tlsCfg *tls.Config
	idle   chan *session
	logger *zap.Logger
}

type session struct {
	conn   net.Conn
	client *smtp.Client
}

func (s *session) close() {
	_ = s.client.Close()
}

func NewSender(cfg Config, logger *zap.Logger) (*Sender, error) {
	if cfg.Host == "" {
		return nil, errors.New("email sender: SMTP host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("email sender: from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 4
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	logger.Info("email sender configured",
		zap.String("smtp_host", cfg.Host),
		zap.Int("smtp_port", cfg.Port),
		zap.String("from_address", cfg.From),
		zap.Bool("implicit_tls", cfg.ImplicitTLS),
	)

	return &Sender{
		cfg:  cfg,
		auth: auth,
		tlsCfg: &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
		idle:   make(chan *session, cfg.MaxIdle),
		logger: logger,
	}, nil
}

func (s *Sender) Channel() domain.Channel { return domain.ChannelEmail }

// Send performs one delivery attempt within the configured timeout.
// SMTP 5xx replies are returned as permanent errors.
func (s *Sender) Send(ctx context.Context, task *domain.DeliveryTask) error {
	if task.ContactAddress == "" {
		return dispatch.Permanent(domain.ErrMissingContactInfo)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	sess, err := s.acquire(ctx, deadline)
	if err != nil {
		return classify(err)
	}
	stop := context.AfterFunc(ctx, func() { _ = sess.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := s.deliver(sess, task); err != nil {
		sess.close()
		return classify(err)
	}
	if err := sess.client.Reset(); err != nil {
		sess.close()
		return nil
	}
	s.release(sess)
	return nil
}

// Close ends every idle session.
func (s *Sender) Close() error {
	for {
		select {
		case sess := <-s.idle:
			_ = sess.conn.SetDeadline(time.Now().Add(time.Second))
			_ = sess.client.Quit()
		default:
			return nil
		}
	}
}

func (s *Sender) acquire(ctx context.Context, deadline time.Time) (*session, error) {
	for {
		select {
		case sess := <-s.idle:
			_ = sess.conn.SetDeadline(deadline)
			if err := sess.client.Noop(); err != nil {
				s.logger.Debug("stale smtp session, redialling", zap.Error(err))
				sess.close()
				continue
			}
			return sess, nil
		default:
			return s.dial(ctx, deadline)
		}
	}
}

func (s *Sender) release(sess *session) {
	select {
	case s.idle <- sess:
	default:
		_ = sess.client.Quit()
	}
}

func (s *Sender) dial(ctx context.Context, deadline time.Time) (*session, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	dialer := &net.Dialer{Deadline: deadline}

	var (
		conn net.Conn
		err  error
	)
	if s.cfg.ImplicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: s.tlsCfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial smtp: %w", err)
	}
	_ = conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	sess := &session{conn: conn, client: client}

	if !s.cfg.ImplicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsCfg); err != nil {
				sess.close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			sess.close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	return sess, nil
}

func (s *Sender) deliver(sess *session, task *domain.DeliveryTask) error {
	c := sess.client
	if err := c.Mail(extractEmail(s.cfg.From)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := c.Rcpt(task.ContactAddress); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(s.buildMessage(task)); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}
	return nil
}

// buildMessage constructs the email message with headers.
func (s *Sender) buildMessage(task *domain.DeliveryTask) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", task.ContactAddress)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", task.RenderedSubject))
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&msg, "X-Notification-ID: %s\r\n", task.NotificationID)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(task.RenderedBody)

	return []byte(msg.String())
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

// classify wraps replies that will not succeed on retry. SMTP 5xx codes are
// permanent; 4xx codes and network failures are transient.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return dispatch.Permanent(err)
	}
	return err
}

var _ dispatch.Sender = (*Sender)(nil)
