// FeelWise API Gatewayのエントリポイント。
// 認証と進捗記録を自前で処理し、感情分析とジャーナルのリクエストを各サービスへ転送する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/avatar"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/config"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/credential"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/gateway"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/maintenance"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/notification"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/progress"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/proxy"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/storage"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/metrics"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("gateway", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv("GATEWAY_CONFIG"), "YAML設定ファイルのパス（環境変数が優先される）")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.StorageDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	store := credential.NewStore(db)
	if err := store.Migrate(ctx, logger); err != nil {
		return err
	}
	ledger := progress.NewLedger(db, logger.WithField("component", "progress"))
	if err := ledger.Migrate(ctx); err != nil {
		return err
	}

	var sender notification.Sender = notification.NewLogSender(logger)
	if cfg.SMTP.Enabled() {
		sender = notification.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
	}
	async := notification.NewAsync(sender, logger.WithField("component", "notification"))
	defer async.Wait()

	avatars, err := newAvatarStore(ctx, cfg.Avatar)
	if err != nil {
		return err
	}

	creds, err := credential.NewService(store, notification.New(async), avatars, credential.Options{
		JWTSecret:    cfg.JWTSecret,
		ResetURLBase: cfg.ResetURLBase,
	}, logger.WithField("component", "credential"))
	if err != nil {
		return err
	}

	m := metrics.New(prometheus.NewRegistry())

	scheduler := maintenance.New(logger.WithField("component", "maintenance"), m)
	if err := scheduler.Register(maintenance.Schedules{
		Reconcile:        cfg.Schedules.Reconcile,
		PurgeResetTokens: cfg.Schedules.PurgeResetTokens,
	}, ledger, creds); err != nil {
		return err
	}
	scheduler.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()

	server := gateway.NewServer(cfg, gateway.Deps{
		Credentials: creds,
		Ledger:      ledger,
		Forwarder:   proxy.NewForwarder(cfg.UpstreamTimeout, m, logger.WithField("component", "proxy")),
		Metrics:     m,
		Logger:      logger,
	})
	return server.Run(ctx)
}

// newLogger は設定に従ってlogrusのロガーを生成する。
func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("ログレベルが不正です: %w", err)
	}
	logger.SetLevel(level)
	if level < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

// newAvatarStore はS3バケットが設定されていればS3、それ以外はローカルディスクの保存先を返す。
func newAvatarStore(ctx context.Context, cfg config.AvatarConfig) (credential.AvatarStore, error) {
	if cfg.S3Bucket != "" {
		return avatar.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.PublicBaseURL)
	}
	return avatar.NewDiskStore(cfg.Dir, "/uploads")
}
