package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID は相関IDを伝播するHTTPヘッダー。
const HeaderRequestID = "X-Request-Id"

// contextKeyRequestID は相関IDのコンテキストキー。
const contextKeyRequestID = "request_id"

// RequestID は受信リクエストごとに相関IDを1つ生成するミドルウェアを返す。
// 相関IDはレスポンスヘッダー、ログ、転送先へのリクエストで共通して使われる。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(contextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストから相関IDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}
