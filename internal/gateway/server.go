package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/sirupsen/logrus"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/config"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/credential"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/progress"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/proxy"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/metrics"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンの待ち時間。
const shutdownTimeout = 15 * time.Second

// Deps はServerが使うサービス。
type Deps struct {
	Credentials *credential.Service
	Ledger      *progress.Ledger
	Forwarder   *proxy.Forwarder
	// Metrics はnilの場合 /metrics を公開しない。
	Metrics *metrics.Metrics
	Logger  logrus.FieldLogger
}

// Server はAPIゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はゲートウェイの設定。
	cfg *config.Config
	// credentials はユーザーと資格情報の管理。
	credentials *credential.Service
	// ledger は進捗記録。
	ledger *progress.Ledger
	// proxy は分析サービスへの転送。
	proxy *proxy.Handler
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// probe はヘルスチェックで転送先を確認するHTTPクライアント。
	probe *http.Client
	// logger はロガー。
	logger logrus.FieldLogger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg *config.Config, deps Deps) *Server {
	s := &Server{
		router:      gin.New(),
		cfg:         cfg,
		credentials: deps.Credentials,
		ledger:      deps.Ledger,
		metrics:     deps.Metrics,
		probe:       &http.Client{Timeout: healthProbeTimeout},
		logger:      deps.Logger,
	}
	s.proxy = proxy.NewHandler(deps.Forwarder, map[string]string{
		proxy.ServiceText:    cfg.Services.Text,
		proxy.ServiceFace:    cfg.Services.Face,
		proxy.ServiceSpeech:  cfg.Services.Speech,
		proxy.ServiceJournal: cfg.Services.Journal,
	}, s.respondError)

	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.Logger(s.logger))
	if s.metrics != nil {
		s.router.Use(s.metrics.Middleware())
	}
	s.router.Use(middleware.CORS(cfg.AllowedOrigins))
	s.router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	s.setupRoutes()
	return s
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	requireAuth := middleware.JWTAuth(s.cfg.JWTSecret)

	auth := s.router.Group("/api/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/check-email", s.handleCheckEmail())
		auth.POST("/login", s.handleLogin())
		auth.POST("/forgot-password", s.handleForgotPassword())
		auth.POST("/verify-reset-token", s.handleVerifyResetToken())
		auth.POST("/reset-password", s.handleResetPassword())

		auth.GET("/me", requireAuth, s.handleMe())
		auth.PUT("/update-profile", requireAuth, s.handleUpdateProfile())
		auth.POST("/upload-avatar", requireAuth, s.handleUploadAvatar())
		auth.DELETE("/remove-avatar", requireAuth, s.handleRemoveAvatar())
		auth.POST("/mood", requireAuth, s.handleSetMood())
		auth.POST("/logout", requireAuth, s.handleLogout())
	}

	prog := s.router.Group("/api/progress")
	prog.Use(requireAuth)
	{
		prog.POST("/complete-challenge", s.handleCompleteChallenge())
		prog.POST("/save-challenge", s.handleSaveChallenge())
		prog.POST("/assessment", s.handleRecordAssessment())
		prog.GET("/all-challenge-completions", s.handleListCompletions())
		prog.GET("/challenges", s.handleSummarize())
		prog.GET("/saved-challenges", s.handleListSaved())
		prog.GET("/assessments", s.handleListAssessments())
		prog.GET("/stats", s.handleStats())
		prog.DELETE("/clear-challenges", s.handleClear(progress.ScopeCompletions))
		prog.DELETE("/clear-assessments", s.handleClear(progress.ScopeAssessments))
		prog.DELETE("/clear-all", s.handleClear(progress.ScopeAll))
	}

	// 分析サービスとジャーナルへの転送。ジャーナルは認証済みならそのユーザーを利用者とする
	s.proxy.Register(s.router, middleware.OptionalJWT(s.cfg.JWTSecret))

	// ローカルディスクに保存したプロフィール画像
	if s.cfg.Avatar.S3Bucket == "" && s.cfg.Avatar.Dir != "" {
		s.router.Static("/uploads", s.cfg.Avatar.Dir)
	}

	s.router.GET("/health", s.handleHealth())
	s.router.GET("/", s.handleIndex())
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
}

// Handler はgzip圧縮を適用したHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return gzhttp.GzipHandler(s.router)
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされたらグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.cfg.Port).Info("Gatewayサーバーを起動します")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return nil
}
