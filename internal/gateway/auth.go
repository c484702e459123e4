package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/credential"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// handleRegister はユーザー登録のハンドラを返す。プロフィール画像は任意。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBind(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}

		in := credential.RegisterInput{
			DisplayName: firstNonEmpty(req.DisplayName, req.Username),
			Email:       req.Email,
			Secret:      firstNonEmpty(req.Secret, req.Password),
		}

		if strings.HasPrefix(c.ContentType(), "multipart/") {
			img, closeFn, err := formImage(c)
			if err != nil {
				s.respondError(c, err)
				return
			}
			if img != nil {
				defer closeFn()
				in.Image = img
			}
		}

		user, err := s.credentials.Register(c.Request.Context(), in)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"message": "ユーザー登録が完了しました", "user": user})
	}
}

// formImage はmultipartの "image" フィールドを取り出す。無ければnilを返す。
func formImage(c *gin.Context) (*credential.Upload, func(), error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, bindError(err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, nil, apperr.Validation(apperr.CodeInvalidRequest, "画像ファイルを読み取れません")
	}
	return &credential.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Body:        f,
	}, func() { _ = f.Close() }, nil
}

// handleCheckEmail はメールアドレスの登録有無を返すハンドラを返す。
func (s *Server) handleCheckEmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req emailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		exists, err := s.credentials.CheckEmail(c.Request.Context(), req.Email)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"exists": exists})
	}
}

// handleLogin はログインしてセッショントークンを発行するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		token, user, err := s.credentials.Login(c.Request.Context(), req.Email, firstNonEmpty(req.Secret, req.Password))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "user": user})
	}
}

// handleForgotPassword はパスワードリセットを受け付けるハンドラを返す。
func (s *Server) handleForgotPassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req emailRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		if err := s.credentials.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "パスワードリセット用のメールを送信しました"})
	}
}

// handleVerifyResetToken はリセットトークンの有効性を返すハンドラを返す。
func (s *Server) handleVerifyResetToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		valid, err := s.credentials.VerifyResetToken(c.Request.Context(), req.Email, req.Token)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if !valid {
			s.respondError(c, apperr.Validation(apperr.CodeInvalidOrExpiredToken, "リセットトークンが無効か有効期限切れです"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"valid": true, "email": credential.NormalizeEmail(req.Email)})
	}
}

// handleResetPassword はリセットトークンでパスワードを変更するハンドラを返す。
func (s *Server) handleResetPassword() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resetPasswordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		err := s.credentials.ResetPassword(c.Request.Context(), req.Email, req.Token, firstNonEmpty(req.NewSecret, req.NewPassword))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "パスワードを変更しました"})
	}
}

// handleMe は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleMe() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.credentials.CurrentUser(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, user)
	}
}

// handleUpdateProfile は表示名とパスワードを更新するハンドラを返す。
func (s *Server) handleUpdateProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		user, err := s.credentials.UpdateProfile(c.Request.Context(), middleware.GetUserID(c), credential.ProfileUpdate{
			CurrentSecret: firstNonEmpty(req.CurrentSecret, req.CurrentPassword),
			DisplayName:   firstNonEmpty(req.DisplayName, req.Username),
			NewSecret:     firstNonEmpty(req.NewSecret, req.NewPassword),
		})
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "プロフィールを更新しました", "user": user})
	}
}

// handleUploadAvatar はプロフィール画像を差し替えるハンドラを返す。
func (s *Server) handleUploadAvatar() gin.HandlerFunc {
	return func(c *gin.Context) {
		img, closeFn, err := formImage(c)
		if err != nil {
			s.respondError(c, err)
			return
		}
		if img == nil {
			s.respondError(c, apperr.Validation(apperr.CodeMissingField, "imageは必須です"))
			return
		}
		defer closeFn()

		user, err := s.credentials.UploadAvatar(c.Request.Context(), middleware.GetUserID(c), *img)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "プロフィール画像を更新しました", "user": user})
	}
}

// handleRemoveAvatar はプロフィール画像を削除するハンドラを返す。
func (s *Server) handleRemoveAvatar() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.credentials.RemoveAvatar(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "プロフィール画像を削除しました", "user": user})
	}
}

// handleSetMood は気分ラベルを更新するハンドラを返す。
func (s *Server) handleSetMood() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req moodRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, bindError(err))
			return
		}
		user, err := s.credentials.SetMood(c.Request.Context(), middleware.GetUserID(c), req.Mood)
		if err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"mood": user.Mood, "user": user})
	}
}

// handleLogout はログアウトを受け付けるハンドラを返す。
// セッショントークンは失効させないため、クライアント側で破棄する。
func (s *Server) handleLogout() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.logger.WithFields(logrus.Fields{
			"user_id": middleware.GetUserID(c),
			"email":   middleware.GetEmail(c),
		}).Info("ログアウトしました")
		c.JSON(http.StatusOK, gin.H{"message": "ログアウトしました"})
	}
}
