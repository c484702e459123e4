package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
)

// BodyLimit はリクエストボディのサイズを制限するミドルウェアを返す。
// Content-Lengthが上限を超える場合はハンドラを実行せずに413を返す。
// それ以外のボディはhttp.MaxBytesReaderで読み込み時に制限する。
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			abortWithError(c, apperr.TooLarge(nil))
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
