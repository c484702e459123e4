package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// sendTimeout は非同期送信1件あたりの制限時間。
const sendTimeout = 30 * time.Second

// Async は送信をバックグラウンドのゴルーチンで行うSender。
// Sendは常にnilを返し、失敗はログにのみ記録する。
type Async struct {
	sender Sender
	logger logrus.FieldLogger
	wg     sync.WaitGroup
}

// NewAsync はsenderを非同期化する。
func NewAsync(sender Sender, logger logrus.FieldLogger) *Async {
	return &Async{sender: sender, logger: logger}
}

// Send は送信を開始してすぐに戻る。呼び出し元のキャンセルは送信に影響しない。
func (a *Async) Send(ctx context.Context, msg Message) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
		defer cancel()
		if err := a.sender.Send(sendCtx, msg); err != nil {
			a.logger.WithError(err).WithField("to", msg.To).Warn("メール送信に失敗")
		}
	}()
	return nil
}

// Wait は送信中のメールがすべて終わるまで待つ。シャットダウン時に呼ぶ。
func (a *Async) Wait() {
	a.wg.Wait()
}
