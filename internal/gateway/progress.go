package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/progress"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// progressUser は認証済みユーザーのIDを検証する。失敗した場合はエラーを返して処理を中断する。
func (s *Server) progressUser(c *gin.Context) (progress.UserID, bool) {
	uid, err := progress.ParseUserID(middleware.GetUserID(c))
	if err != nil {
		s.respondError(c, err)
		return progress.UserID{}, false
	}
	return uid, true
}

// handleCompleteChallenge はチャレンジ完了を記録するハンドラを返す。
func (s *Server) handleCompleteChallenge() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := s.progressUser(c)
		if !ok {
			return
		}
		var req completionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}

		rec, summary, err := s.ledger.RecordCompletion(c.Request.Context(), uid,
			firstNonEmpty(req.Category, req.Mood), firstNonEmpty(req.Subcategory, req.Challenge))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"completion": rec,
			"progress":   summary,
			"message":    "チャレンジの完了を記録しました",
		})
	}
}

// handleSaveChallenge は完了済みチャレンジを保存するハンドラを返す。
func (s *Server) handleSaveChallenge() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := s.progressUser(c)
		if !ok {
			return
		}
		var req completionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		summary, err := s.ledger.SaveCompletion(c.Request.Context(), uid, firstNonEmpty(req.Category, req.Mood))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, summary)
	}
}

// handleRecordAssessment は評価の受検を記録するハンドラを返す。
func (s *Server) handleRecordAssessment() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := s.progressUser(c)
		if !ok {
			return
		}
		var req assessmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		rec, err := s.ledger.RecordAssessment(c.Request.Context(), uid,
			firstNonEmpty(req.Category, req.Mood), firstNonEmpty(req.Kind, req.Type))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

// listHandler は検証済みユーザーIDで一覧を取得するハンドラを組み立てる。
func listHandler[T any](s *Server, list func(c *gin.Context, uid progress.UserID) (T, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := s.progressUser(c)
		if !ok {
			return
		}
		data, err := list(c, uid)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, data)
	}
}

// handleListCompletions は完了記録を新しい順に返すハンドラを返す。
func (s *Server) handleListCompletions() gin.HandlerFunc {
	return listHandler(s, func(c *gin.Context, uid progress.UserID) ([]progress.CompletionRecord, error) {
		return s.ledger.ListCompletions(c.Request.Context(), uid)
	})
}

// handleSummarize はカテゴリごとの進捗を返すハンドラを返す。
func (s *Server) handleSummarize() gin.HandlerFunc {
	return listHandler(s, func(c *gin.Context, uid progress.UserID) ([]progress.CategorySummary, error) {
		return s.ledger.Summarize(c.Request.Context(), uid)
	})
}

// handleListSaved は保存済みチャレンジを返すハンドラを返す。
func (s *Server) handleListSaved() gin.HandlerFunc {
	return listHandler(s, func(c *gin.Context, uid progress.UserID) ([]progress.ProgressSummary, error) {
		return s.ledger.ListSaved(c.Request.Context(), uid)
	})
}

// handleListAssessments は評価記録を返すハンドラを返す。
func (s *Server) handleListAssessments() gin.HandlerFunc {
	return listHandler(s, func(c *gin.Context, uid progress.UserID) ([]progress.AssessmentRecord, error) {
		return s.ledger.ListAssessments(c.Request.Context(), uid)
	})
}

// handleStats は進捗統計を返すハンドラを返す。
func (s *Server) handleStats() gin.HandlerFunc {
	return listHandler(s, func(c *gin.Context, uid progress.UserID) (progress.Stats, error) {
		return s.ledger.Stats(c.Request.Context(), uid)
	})
}

// handleClear は記録を一括削除するハンドラを返す。
func (s *Server) handleClear(scope progress.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, ok := s.progressUser(c)
		if !ok {
			return
		}
		counts, err := s.ledger.Clear(c.Request.Context(), uid, scope)
		if err != nil {
			s.respondError(c, err)
			return
		}

		resp := gin.H{"deletedCounts": counts}
		switch scope {
		case progress.ScopeCompletions:
			resp["message"] = "チャレンジの完了記録を削除しました"
			resp["deletedCount"] = counts.Completions
		case progress.ScopeAssessments:
			resp["message"] = "評価記録を削除しました"
			resp["deletedCount"] = counts.Assessments
		default:
			resp["message"] = "すべての進捗記録を削除しました"
		}
		c.JSON(http.StatusOK, resp)
	}
}
