package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// ErrorResponder はエラーをHTTPレスポンスに変換する。
type ErrorResponder func(c *gin.Context, err error)

// Handler は転送ルートをGinに登録する。
type Handler struct {
	fwd *Forwarder
	// upstreams はサービス名ごとのベースURL。
	upstreams map[string]string
	respond   ErrorResponder
}

// NewHandler は新しいHandlerを生成する。
func NewHandler(fwd *Forwarder, upstreams map[string]string, respond ErrorResponder) *Handler {
	trimmed := make(map[string]string, len(upstreams))
	for name, base := range upstreams {
		trimmed[name] = strings.TrimSuffix(base, "/")
	}
	return &Handler{fwd: fwd, upstreams: trimmed, respond: respond}
}

// Register はすべての転送ルートを登録する。scopedはジャーナル利用者を解決するルートの前に挟むミドルウェア。
func (h *Handler) Register(r gin.IRoutes, scoped gin.HandlerFunc) {
	for _, rt := range Routes() {
		handlers := []gin.HandlerFunc{h.serve(rt)}
		if rt.Scoped && scoped != nil {
			handlers = append([]gin.HandlerFunc{scoped}, handlers...)
		}
		r.Handle(rt.Method, rt.Path, handlers...)
	}
}

// Scope はジャーナル利用者を解決する。認証済みユーザー、user_idクエリ、既定値の順に使う。
func Scope(c *gin.Context) string {
	if id := middleware.GetUserID(c); id != "" {
		return id
	}
	if id := c.Query("user_id"); id != "" {
		return id
	}
	return DefaultScope
}

// serve は1つのルートを処理するハンドラを返す。
func (h *Handler) serve(rt Route) gin.HandlerFunc {
	return func(c *gin.Context) {
		base, ok := h.upstreams[rt.Service]
		if !ok {
			h.respond(c, apperr.Upstream(apperr.CodeUpstreamUnreachable, fmt.Errorf("転送先 %s が設定されていません", rt.Service)))
			return
		}

		var body []byte
		if c.Request.Body != nil {
			data, err := io.ReadAll(c.Request.Body)
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					h.respond(c, apperr.TooLarge(err))
					return
				}
				h.respond(c, apperr.Validation(apperr.CodeInvalidRequest, "リクエストボディの読み取りに失敗しました"))
				return
			}
			body = data
		}

		if rt.Check != nil {
			if err := rt.Check(body); err != nil {
				h.respond(c, err)
				return
			}
		}

		in := Inbound{Params: map[string]string{}, Query: c.Request.URL.Query()}
		for _, p := range c.Params {
			in.Params[p.Key] = p.Value
		}
		if rt.Scoped {
			in.Scope = Scope(c)
		}

		header := http.Header{}
		header.Set("Content-Type", c.GetHeader("Content-Type"))
		header.Set("Authorization", c.GetHeader("Authorization"))
		header.Set("X-User-ID", middleware.GetUserID(c))

		resp, err := h.fwd.Forward(c.Request.Context(), Request{
			Service:       rt.Service,
			Method:        rt.Method,
			URL:           base + rt.Target(in),
			Header:        header,
			Body:          body,
			CorrelationID: middleware.GetRequestID(c),
		})
		if err != nil {
			h.respond(c, err)
			return
		}
		c.Data(resp.Status, resp.ContentType, resp.Body)
	}
}
