package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// respondError はエラーをHTTPレスポンスに変換する。ステータスはエラーの分類で決まる。
// 永続化エラーの詳細はログにのみ残し、レスポンスには含めない。
func (s *Server) respondError(c *gin.Context, err error) {
	e := apperr.From(err)
	log := s.logger.WithFields(logrus.Fields{
		"request_id": middleware.GetRequestID(c),
		"kind":       e.Kind,
		"code":       e.Code,
		"path":       c.Request.URL.Path,
	})

	body := gin.H{"error": e.Message, "kind": e.Code}
	switch e.Kind {
	case apperr.KindPersistence:
		log.WithError(e.Err).Error("内部エラー")
	case apperr.KindUpstream:
		log.WithError(e.Err).Warn("転送先エラー")
		if e.Detail != "" {
			body["details"] = e.Detail
		}
	default:
		log.Debug("リクエストを拒否しました")
	}
	c.AbortWithStatusJSON(e.Status(), body)
}

// bindError はリクエストボディの読み取りエラーを分類する。
func bindError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
		return apperr.TooLarge(err)
	}
	return apperr.Validation(apperr.CodeInvalidRequest, "リクエストの形式が不正です")
}
