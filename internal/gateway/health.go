package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/proxy"
)

// healthProbeTimeout は転送先サービス1件あたりの疎通確認の待ち時間。
const healthProbeTimeout = time.Second

// serviceStatus は転送先サービスの疎通状態。
type serviceStatus struct {
	URL    string `json:"url"`
	Status string `json:"status"`
}

// storageStatus はデータベースの状態。
type storageStatus struct {
	Status string `json:"status"`
	Count  *int64 `json:"count,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleHealth はゲートウェイと転送先サービスの状態を返すハンドラを返す。
// 転送先はHTTP応答があればステータスコードに関わらず "up" とする。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		targets := map[string]string{
			proxy.ServiceText:    s.cfg.Services.Text,
			proxy.ServiceFace:    s.cfg.Services.Face,
			proxy.ServiceSpeech:  s.cfg.Services.Speech,
			proxy.ServiceJournal: s.cfg.Services.Journal,
		}

		var mu sync.Mutex
		services := make(map[string]serviceStatus, len(targets))
		var g errgroup.Group
		for name, url := range targets {
			g.Go(func() error {
				st := serviceStatus{URL: url, Status: "down"}
				if s.probeService(ctx, url) {
					st.Status = "up"
				}
				mu.Lock()
				services[name] = st
				mu.Unlock()
				return nil
			})
		}

		storage := storageStatus{Status: "up"}
		count, err := s.credentials.Count(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("ヘルスチェックでデータベースに接続できません")
			storage = storageStatus{Status: "down", Error: "データベースに接続できません"}
		} else {
			storage.Count = &count
		}
		_ = g.Wait()

		status := "ok"
		if storage.Status != "up" {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   status,
			"server":   "feelwise-gateway",
			"services": services,
			"storage":  storage,
		})
	}
}

// probeService は転送先のベースURLにGETを送り、応答があるかを返す。
func (s *Server) probeService(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

// handleIndex は公開しているエンドポイントの一覧を返すハンドラを返す。
func (s *Server) handleIndex() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "FeelWise API Gateway",
			"endpoints": gin.H{
				"auth": []string{
					"POST /api/auth/register",
					"POST /api/auth/check-email",
					"POST /api/auth/login",
					"POST /api/auth/forgot-password",
					"POST /api/auth/verify-reset-token",
					"POST /api/auth/reset-password",
					"GET /api/auth/me",
					"PUT /api/auth/update-profile",
					"POST /api/auth/upload-avatar",
					"DELETE /api/auth/remove-avatar",
					"POST /api/auth/mood",
					"POST /api/auth/logout",
				},
				"progress": []string{
					"POST /api/progress/complete-challenge",
					"POST /api/progress/save-challenge",
					"POST /api/progress/assessment",
					"GET /api/progress/all-challenge-completions",
					"GET /api/progress/challenges",
					"GET /api/progress/saved-challenges",
					"GET /api/progress/assessments",
					"GET /api/progress/stats",
					"DELETE /api/progress/clear-challenges",
					"DELETE /api/progress/clear-assessments",
					"DELETE /api/progress/clear-all",
				},
				"analysis": []string{
					"POST /analyze",
					"POST /analyze-face",
					"POST /analyze-speech",
				},
				"journal": []string{
					"GET /journal/prompts",
					"POST /journal/analyze",
					"POST /journal/entry",
					"GET /journal/entries",
					"GET /journal/insights",
					"DELETE /journal/entry/:id",
				},
				"system": []string{"GET /health", "GET /metrics"},
			},
		})
	}
}
