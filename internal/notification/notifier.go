package notification

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wneessen/go-mail"
)

// Message は送信するメール。
type Message struct {
	// To は宛先アドレス。
	To string
	// Subject は件名。
	Subject string
	// Body は本文（プレーンテキスト）。
	Body string
}

// Sender はメッセージを送信する。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Notifier はパスワードリセット関連のメールを組み立てて送信する。
type Notifier struct {
	// sender は実際の送信手段。
	sender Sender
}

// New は新しいNotifierを生成する。
func New(sender Sender) *Notifier {
	return &Notifier{sender: sender}
}

var (
	resetTemplate = template.Must(template.New("reset").Parse(`{{.Name}} さん

FeelWise のパスワード再設定が要求されました。
以下のリンクから1時間以内に新しいパスワードを設定してください。

{{.URL}}

このメールに心当たりがない場合は破棄してください。
`))

	changedTemplate = template.Must(template.New("changed").Parse(`{{.Name}} さん

FeelWise のパスワードが変更されました。
この操作に心当たりがない場合は、すぐにパスワードの再設定を行ってください。
`))
)

// PasswordReset はリセット用URLを含むメールを送信する。
func (n *Notifier) PasswordReset(ctx context.Context, to, displayName, resetURL string) error {
	var body bytes.Buffer
	if err := resetTemplate.Execute(&body, map[string]string{"Name": displayName, "URL": resetURL}); err != nil {
		return fmt.Errorf("本文の生成に失敗: %w", err)
	}
	return n.sender.Send(ctx, Message{To: to, Subject: "FeelWise パスワード再設定のご案内", Body: body.String()})
}

// PasswordChanged はパスワード変更完了のメールを送信する。
func (n *Notifier) PasswordChanged(ctx context.Context, to, displayName string) error {
	var body bytes.Buffer
	if err := changedTemplate.Execute(&body, map[string]string{"Name": displayName}); err != nil {
		return fmt.Errorf("本文の生成に失敗: %w", err)
	}
	return n.sender.Send(ctx, Message{To: to, Subject: "FeelWise パスワード変更のお知らせ", Body: body.String()})
}

// smtpTimeout はSMTPサーバーとの1回の送信にかける上限時間。
const smtpTimeout = 15 * time.Second

// SMTPSender はSMTPでメールを送信する。
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	// timeout は接続から送信完了までの上限。コンテキストの期限が先に来る場合はそちらに従う。
	timeout time.Duration
}

// NewSMTPSender は新しいSMTPSenderを生成する。
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{host: host, port: port, username: username, password: password, from: from, timeout: smtpTimeout}
}

// Send はメッセージをSMTPで送信する。
// 接続には期限付きのデッドラインを設定するため、応答しないサーバーでも送信処理は残らない。
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m, err := newMessage(s.from, msg)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(s.port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(s.timeout),
		mail.WithDialContextFunc(s.dial),
	}
	if s.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.username),
			mail.WithPassword(s.password),
		)
	}
	client, err := mail.NewClient(s.host, opts...)
	if err != nil {
		return fmt.Errorf("SMTPクライアントの生成に失敗: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("SMTP送信に失敗: %w", err)
	}
	return nil
}

// dial はSMTPサーバーに接続し、コンテキストの期限を接続のデッドラインに設定する。
func (s *SMTPSender) dial(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// newMessage は送信用のメッセージを組み立てる。件名と本文はUTF-8で符号化される。
func newMessage(from string, msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(from); err != nil {
		return nil, fmt.Errorf("送信元アドレスが不正です: %w", err)
	}
	if err := m.To(msg.To); err != nil {
		return nil, fmt.Errorf("宛先アドレスが不正です: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	return m, nil
}

// LogSender は送信の代わりにログへ記録する。SMTP未設定の開発環境で使う。
// 本文にはリセットトークンが含まれるため、本文は出力しない。
type LogSender struct {
	logger logrus.FieldLogger
}

// NewLogSender は新しいLogSenderを生成する。
func NewLogSender(logger logrus.FieldLogger) *LogSender {
	return &LogSender{logger: logger}
}

// Send は宛先と件名のみをログに出力する。
func (s *LogSender) Send(_ context.Context, msg Message) error {
	s.logger.WithFields(logrus.Fields{
		"to":      msg.To,
		"subject": msg.Subject,
	}).Info("メール送信（SMTP未設定のためログのみ）")
	return nil
}
