package email

import (
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig holds SMTP transport settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TLS is one of "auto", "tls", "starttls", "none".
	TLS string `yaml:"tls"`
}

// FromConfig identifies the sender.
type FromConfig struct {
	Name  string `yaml:"name"`
	Email string `yaml:"email"`
}

// Config holds email configuration.
type Config struct {
	Enabled     bool       `yaml:"enabled"`
	SMTP        SMTPConfig `yaml:"smtp"`
	From        FromConfig `yaml:"from"`
	AdminEmails []string   `yaml:"admin_emails"`
}

// DefaultConfig returns default email configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		SMTP: SMTPConfig{
			Host: "localhost",
			Port: 587,
			TLS:  "auto",
		},
		From: FromConfig{
			Name:  "Assistant",
			Email: "noreply@localhost",
		},
		AdminEmails: []string{},
	}
}

// Mailer handles email sending.
type Mailer struct {
	config *Config
}

// NewMailer creates a new mailer.
func NewMailer(cfg *Config) *Mailer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Mailer{config: cfg}
}

// Message represents an email message.
type Message struct {
	To          []string
	CC          []string
	BCC         []string
	Subject     string
	Body        string
	HTMLBody    string
	ContentType string
	Headers     map[string]string
}

// NewMessage creates a new email message.
func NewMessage(to []string, subject, body string) *Message {
	return &Message{
		To:          to,
		Subject:     subject,
		Body:        body,
		ContentType: "text/plain",
		Headers:     make(map[string]string),
	}
}

// SetHTML sets the HTML body.
func (m *Message) SetHTML(html string) {
	m.HTMLBody = html
	m.ContentType = "text/html"
}

// Send sends an email message.
func (ml *Mailer) Send(msg *Message) error {
	if !ml.config.Enabled {
		return fmt.Errorf("email is not enabled")
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("no recipients specified")
	}

	headers := make(map[string]string)
	headers["From"] = ml.formatAddress(ml.config.From.Name, ml.config.From.Email)
	headers["To"] = strings.Join(msg.To, ", ")
	headers["Subject"] = ml.encodeHeader(msg.Subject)
	headers["Date"] = time.Now().Format(time.RFC1123Z)
	headers["MIME-Version"] = "1.0"

	if len(msg.CC) > 0 {
		headers["Cc"] = strings.Join(msg.CC, ", ")
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	var body string
	if msg.HTMLBody != "" {
		headers["Content-Type"] = "text/html; charset=UTF-8"
		body = msg.HTMLBody
	} else {
		headers["Content-Type"] = "text/plain; charset=UTF-8"
		body = msg.Body
	}
	headers["Content-Transfer-Encoding"] = "base64"

	var rawMsg strings.Builder
	for k, v := range headers {
		rawMsg.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}
	rawMsg.WriteString("\r\n")
	rawMsg.WriteString(base64.StdEncoding.EncodeToString([]byte(body)))

	recipients := append([]string{}, msg.To...)
	recipients = append(recipients, msg.CC...)
	recipients = append(recipients, msg.BCC...)

	return ml.sendMail(recipients, []byte(rawMsg.String()))
}

func (ml *Mailer) useTLS() bool {
	return ml.config.SMTP.TLS == "tls" ||
		(ml.config.SMTP.TLS == "auto" && ml.config.SMTP.Port == 465)
}

func (ml *Mailer) useSTARTTLS() bool {
	return ml.config.SMTP.TLS == "starttls" ||
		(ml.config.SMTP.TLS == "auto" && !ml.useTLS())
}

// sendMail sends the raw email.
func (ml *Mailer) sendMail(recipients []string, message []byte) error {
	addr := fmt.Sprintf("%s:%d", ml.config.SMTP.Host, ml.config.SMTP.Port)

	var conn net.Conn
	var err error

	if ml.useTLS() {
		tlsConfig := &tls.Config{ServerName: ml.config.SMTP.Host}
		conn, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, 30*time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, ml.config.SMTP.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Close()

	if ml.useSTARTTLS() && !ml.useTLS() {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: ml.config.SMTP.Host}
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("failed to start TLS: %w", err)
			}
		}
	}

	if ml.config.SMTP.Username != "" && ml.config.SMTP.Password != "" {
		auth := smtp.PlainAuth("", ml.config.SMTP.Username, ml.config.SMTP.Password, ml.config.SMTP.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := client.Mail(ml.config.From.Email); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}

	return client.Quit()
}

// formatAddress formats an email address with name.
func (ml *Mailer) formatAddress(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", ml.encodeHeader(name), address)
}

// encodeHeader encodes a header value for UTF-8.
func (ml *Mailer) encodeHeader(value string) string {
	needsEncoding := false
	for _, r := range value {
		if r > 127 {
			needsEncoding = true
			break
		}
	}
	if !needsEncoding {
		return value
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(value))
	return fmt.Sprintf("=?UTF-8?B?%s?=", encoded)
}

// IsEnabled returns whether email is enabled.
func (ml *Mailer) IsEnabled() bool {
	return ml.config.Enabled
}

// SendToAdmins sends an email to all configured admin addresses.
func (ml *Mailer) SendToAdmins(subject, body string) error {
	if len(ml.config.AdminEmails) == 0 {
		return fmt.Errorf("no admin emails configured")
	}
	msg := NewMessage(ml.config.AdminEmails, subject, body)
	return ml.Send(msg)
}

// SendAlert sends an operational alert email to admins.
func (ml *Mailer) SendAlert(alertType, message string) error {
	if len(ml.config.AdminEmails) == 0 {
		return fmt.Errorf("no admin emails configured")
	}
	subject := fmt.Sprintf("[Assistant Alert] %s", alertType)
	body := fmt.Sprintf("Alert Type: %s\nTime: %s\n\nMessage:\n%s",
		alertType,
		time.Now().UTC().Format(time.RFC3339),
		message,
	)
	return ml.SendToAdmins(subject, body)
}

// TestConnection tests the SMTP connection.
func (ml *Mailer) TestConnection() error {
	if !ml.config.Enabled {
		return fmt.Errorf("email is not enabled")
	}

	addr := fmt.Sprintf("%s:%d", ml.config.SMTP.Host, ml.config.SMTP.Port)

	var conn net.Conn
	var err error

	if ml.useTLS() {
		tlsConfig := &tls.Config{ServerName: ml.config.SMTP.Host}
		conn, err = tls.Dial("tcp", addr, tlsConfig)
	} else {
		conn, err = net.DialTimeout("tcp", addr, 10*time.Second)
	}
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, ml.config.SMTP.Host)
	if err != nil {
		return fmt.Errorf("SMTP client creation failed: %w", err)
	}
	defer client.Close()

	if ml.useSTARTTLS() && !ml.useTLS() {
		if ok, _ := client.Extension("STARTTLS"); ok {
			tlsConfig := &tls.Config{ServerName: ml.config.SMTP.Host}
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("STARTTLS failed: %w", err)
			}
		}
	}

	if ml.config.SMTP.Username != "" && ml.config.SMTP.Password != "" {
		auth := smtp.PlainAuth("", ml.config.SMTP.Username, ml.config.SMTP.Password, ml.config.SMTP.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
	}

	return client.Quit()
}
