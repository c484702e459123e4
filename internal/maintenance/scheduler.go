// Package maintenance は定期メンテナンスジョブを実行する。
//
// 進捗サマリーの再計算と期限切れリセットトークンの削除をcron式で定期実行する。
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// jobTimeout は1回のジョブ実行の上限時間。
const jobTimeout = 5 * time.Minute

// ジョブ名。
const (
	JobReconcile        = "reconcile_progress"
	JobPurgeResetTokens = "purge_reset_tokens"
)

// Observer はジョブの実行結果を記録する。
type Observer interface {
	ObserveJob(job string, err error)
}

// Reconciler は進捗サマリーを完了記録から再計算する。
type Reconciler interface {
	ReconcileAll(ctx context.Context) (int64, error)
}

// Purger は期限切れのリセットトークンを消去する。
type Purger interface {
	PurgeExpiredResetTokens(ctx context.Context) (int64, error)
}

// Schedules はジョブごとのcron式。空のジョブは登録しない。
type Schedules struct {
	Reconcile        string
	PurgeResetTokens string
}

// Scheduler はcronでジョブを実行する。
type Scheduler struct {
	cron     *cron.Cron
	logger   logrus.FieldLogger
	observer Observer
}

// New は新しいSchedulerを生成する。実行中のジョブと重なる回はスキップする。
func New(logger logrus.FieldLogger, observer Observer) *Scheduler {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logger)),
		cron.SkipIfStillRunning(cron.PrintfLogger(logger)),
	))
	return &Scheduler{cron: c, logger: logger, observer: observer}
}

// Add はジョブを登録する。
func (s *Scheduler) Add(name, spec string, run func(ctx context.Context) (int64, error)) error {
	if _, err := s.cron.AddFunc(spec, func() { s.runJob(name, run) }); err != nil {
		return fmt.Errorf("ジョブ %s のスケジュールが不正です: %w", name, err)
	}
	s.logger.WithFields(logrus.Fields{"job": name, "schedule": spec}).Info("定期ジョブを登録しました")
	return nil
}

// Register は再計算とトークン削除のジョブを登録する。
func (s *Scheduler) Register(sched Schedules, reconciler Reconciler, purger Purger) error {
	if sched.Reconcile != "" {
		if err := s.Add(JobReconcile, sched.Reconcile, reconciler.ReconcileAll); err != nil {
			return err
		}
	}
	if sched.PurgeResetTokens != "" {
		if err := s.Add(JobPurgeResetTokens, sched.PurgeResetTokens, purger.PurgeExpiredResetTokens); err != nil {
			return err
		}
	}
	return nil
}

// runJob はジョブを1回実行し、結果を記録する。
func (s *Scheduler) runJob(name string, run func(ctx context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := run(ctx)
	if s.observer != nil {
		s.observer.ObserveJob(name, err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"job":         name,
		"affected":    n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Error("定期ジョブが失敗しました")
		return
	}
	log.Info("定期ジョブが完了しました")
}

// Start はスケジューラーを開始する。
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop は新しい実行を止め、実行中のジョブの終了かctxの期限まで待つ。
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("実行中の定期ジョブの終了を待たずに停止します")
	}
}
