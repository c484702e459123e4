package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
)

// SessionTTL はセッショントークンの有効期間。
const SessionTTL = 7 * 24 * time.Hour

// issuer はセッショントークンの発行者。
const issuer = "feelwise-gateway"

// コンテキストキー。
const (
	contextKeyUserID = "user_id"
	contextKeyEmail  = "email"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// GenerateJWT はユーザー情報から署名済みのセッショントークンを生成する。
func GenerateJWT(secret, userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
		UserID: userID,
		Email:  email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseJWT はトークンの署名と有効期限を検証してクレームを返す。
// HS256以外のアルゴリズムで署名されたトークンは拒否する。
func ParseJWT(secret, tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("トークンが無効です")
	}
	return claims, nil
}

// bearerToken はAuthorizationヘッダーからBearerトークンを取り出す。
func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found {
		return "", false
	}
	tokenString = strings.TrimSpace(tokenString)
	return tokenString, tokenString != ""
}

// unauthorized はハンドラを実行せずに401を返す。
func unauthorized(c *gin.Context, message string) {
	abortWithError(c, apperr.Unauthorized(message))
}

// abortWithError は分類済みエラーをGatewayと同じ形式のボディで返して処理を打ち切る。
func abortWithError(c *gin.Context, e *apperr.Error) {
	c.AbortWithStatusJSON(e.Status(), gin.H{
		"error": e.Message,
		"kind":  e.Code,
	})
}

// JWTAuth はJWTトークンを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに "user_id" と "email" を設定する。
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			unauthorized(c, "Authorizationヘッダーが必要です")
			return
		}

		tokenString, ok := bearerToken(c)
		if !ok {
			unauthorized(c, "Bearer トークン形式が不正です")
			return
		}

		claims, err := ParseJWT(secret, tokenString)
		if err != nil {
			unauthorized(c, "トークンが無効です")
			return
		}

		c.Set(contextKeyUserID, claims.UserID)
		c.Set(contextKeyEmail, claims.Email)
		c.Next()
	}
}

// OptionalJWT は有効なトークンがあればユーザー情報を設定し、なければそのまま通すミドルウェア。
func OptionalJWT(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tokenString, ok := bearerToken(c); ok {
			if claims, err := ParseJWT(secret, tokenString); err == nil {
				c.Set(contextKeyUserID, claims.UserID)
				c.Set(contextKeyEmail, claims.Email)
			}
		}
		c.Next()
	}
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// JWTAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(contextKeyUserID)
}

// GetEmail はGinコンテキストからメールアドレスを取得する。
func GetEmail(c *gin.Context) string {
	return c.GetString(contextKeyEmail)
}
