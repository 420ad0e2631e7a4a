// Package email delivers notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"remindflow/internal/channel"
)

// Transport hands a composed message to a mail server.
type Transport func(ctx context.Context, cfg *channel.EmailConfig, from string, to []string, msg []byte) error

type Sender struct {
	transport Transport
	now       func() time.Time
}

func New() *Sender {
	return &Sender{transport: deliver, now: time.Now}
}

// NewWithTransport is used by tests to capture outgoing mail.
func NewWithTransport(t Transport) *Sender {
	return &Sender{transport: t, now: time.Now}
}

func (s *Sender) Kind() channel.Kind { return channel.KindEmail }

func (s *Sender) Send(ctx context.Context, msg channel.Message, cfg channel.Config) error {
	ec := cfg.Email
	if ec == nil || ec.Host == "" || len(ec.To) == 0 {
		return channel.Permanent(channel.ErrNotConfigured)
	}

	from, err := mail.ParseAddress(ec.From)
	if err != nil {
		return channel.Permanent(fmt.Errorf("from address: %w", err))
	}
	if ec.FromName != "" {
		from.Name = ec.FromName
	}
	rcpts := make([]string, 0, len(ec.To))
	for _, to := range ec.To {
		addr, err := mail.ParseAddress(to)
		if err != nil {
			return channel.Permanent(fmt.Errorf("recipient %q: %w", to, err))
		}
		rcpts = append(rcpts, addr.Address)
	}

	body, err := Compose(from, ec.To, msg, s.now())
	if err != nil {
		return channel.Permanent(err)
	}
	return s.transport(ctx, ec, from.Address, rcpts, body)
}

// Compose builds a MIME message with a plain text part and, when the message
// carries HTML, an HTML alternative.
func Compose(from *mail.Address, to []string, msg channel.Message, date time.Time) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }

	header("From", from.String())
	header("To", strings.Join(to, ", "))
	header("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("MIME-Version", "1.0")

	if msg.HTML == "" {
		header("Content-Type", `text/plain; charset="utf-8"`)
		header("Content-Transfer-Encoding", "quoted-printable")
		buf.WriteString("\r\n")
		if err := writeQP(&buf, msg.Text); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", `multipart/alternative; boundary="`+mw.Boundary()+`"`)
	buf.WriteString("\r\n")

	for _, part := range []struct{ typ, body string }{
		{"text/plain", msg.Text},
		{"text/html", msg.HTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.typ + `; charset="utf-8"`},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeQP(w, part.body); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeQP(w io.Writer, s string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(s)); err != nil {
		return err
	}
	return qp.Close()
}

func deliver(ctx context.Context, cfg *channel.EmailConfig, from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	tlsConfig := &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	if cfg.ImplicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return classify(fmt.Errorf("smtp greeting: %w", err))
	}
	defer c.Close()

	if !cfg.ImplicitTLS && cfg.UseStartTLS() {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return channel.Permanent(errors.New("server does not offer STARTTLS"))
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return classify(fmt.Errorf("starttls: %w", err))
		}
	}
	if cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)); err != nil {
			return channel.Permanent(fmt.Errorf("smtp auth: %w", err))
		}
	}
	if err := c.Mail(from); err != nil {
		return classify(fmt.Errorf("mail from: %w", err))
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return classify(fmt.Errorf("rcpt %s: %w", rcpt, err))
		}
	}
	w, err := c.Data()
	if err != nil {
		return classify(fmt.Errorf("data: %w", err))
	}
	if _, err := w.Write(msg); err != nil {
		return classify(fmt.Errorf("writing message: %w", err))
	}
	if err := w.Close(); err != nil {
		return classify(fmt.Errorf("finishing message: %w", err))
	}
	return c.Quit()
}

// classify marks 5xx SMTP replies as permanent. 4xx replies and network
// errors stay retryable.
func classify(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 {
		return channel.Permanent(err)
	}
	return err
}
