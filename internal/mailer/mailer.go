package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Mailer 负责发送协作邀请邮件。
type Mailer interface {
	SendInvite(ctx context.Context, to, senderName, roomID, inviteLink string) error
}

// NopMailer 在未配置 SMTP 时使用，只记录日志不实际发送。
type NopMailer struct{}

// NewNopMailer 创建 NopMailer 实例。
func NewNopMailer() *NopMailer {
	return &NopMailer{}
}

// SendInvite 记录邀请内容后直接返回成功。
func (NopMailer) SendInvite(ctx context.Context, to, senderName, roomID, inviteLink string) error {
	logrus.WithFields(logrus.Fields{
		"to":      to,
		"room_id": roomID,
		"link":    inviteLink,
	}).Info("SMTP not configured, invite email dropped")
	return nil
}

// SMTPMailer 通过标准 SMTP 协议投递邮件。
type SMTPMailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// NewSMTPMailer 创建 SMTPMailer 实例。from 为空时使用 username。
func NewSMTPMailer(host string, port int, username, password, from string) *SMTPMailer {
	if host == "" {
		panic("SMTP host cannot be empty for SMTPMailer")
	}
	if from == "" {
		from = username
	}
	return &SMTPMailer{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
	}
}

// SendInvite 发送房间协作邀请。
func (m *SMTPMailer) SendInvite(ctx context.Context, to, senderName, roomID, inviteLink string) error {
	subject := fmt.Sprintf("%s invited you to collaborate", senderName)
	body := strings.Join([]string{
		fmt.Sprintf("%s invited you to a collaborative coding session.", senderName),
		"",
		"Open the link below to join the room:",
		inviteLink,
		"",
		fmt.Sprintf("Room ID: %s", roomID),
	}, "\r\n")

	msg := strings.Join([]string{
		"From: " + m.from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	// net/smtp 不接受 context，通过 goroutine 桥接以尊重取消
	errCh := make(chan error, 1)
	go func() {
		errCh <- smtp.SendMail(addr, auth, m.from, []string{to}, []byte(msg))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("send invite mail to %s: %w", to, err)
		}
		logrus.WithFields(logrus.Fields{"to": to, "room_id": roomID}).Info("Invite email sent")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
