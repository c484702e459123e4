package credential

import (
	"io"
	"strings"
	"time"
)

// DefaultMood は登録直後のユーザーの気分ラベル。
const DefaultMood = "Neutral"

// User は永続化されたユーザーレコード。secretHashとリセットトークンの状態は
// パッケージ外に公開しない。
type User struct {
	// ID はユーザーの一意識別子（UUID）。
	ID string
	// DisplayName は表示名。
	DisplayName string
	// Email は正規化済みのメールアドレス。
	Email string
	// secretHash はbcryptでハッシュ化したパスワード。
	secretHash string
	// ProfileImage はプロフィール画像の参照。
	ProfileImage string
	// Mood は現在の気分ラベル。
	Mood string
	// resetTokenHash はリセットトークンのハッシュ。未発行ならnil。
	resetTokenHash *string
	// resetExpiresAt はリセットトークンの有効期限。
	resetExpiresAt *time.Time
	// CreatedAt は登録日時。
	CreatedAt time.Time
	// UpdatedAt は最終更新日時。
	UpdatedAt time.Time
}

// PublicUser はAPIレスポンスに含めるユーザー情報。
type PublicUser struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	Image       string    `json:"image"`
	Mood        string    `json:"mood"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Public はパスワードハッシュを除いたユーザー情報を返す。
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Image:       u.ProfileImage,
		Mood:        u.Mood,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

// Upload はアップロードされたプロフィール画像。
type Upload struct {
	// Filename は元のファイル名。
	Filename string
	// ContentType はMIMEタイプ。
	ContentType string
	// Body は画像データ。
	Body io.Reader
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	DisplayName string
	Email       string
	Secret      string
	// Image は任意のプロフィール画像。
	Image *Upload
}

// ProfileUpdate はプロフィール更新の入力。空の項目は変更しない。
type ProfileUpdate struct {
	// CurrentSecret は本人確認のための現在のパスワード。
	CurrentSecret string
	DisplayName   string
	NewSecret     string
}

// NormalizeEmail はメールアドレスを前後の空白除去と小文字化で正規化する。
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
