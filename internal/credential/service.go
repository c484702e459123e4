package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// MinSecretLength は新しいパスワードの最小文字数。
const MinSecretLength = 6

// Notifier はパスワードリセット関連のメールを送信する。
// 送信失敗は呼び出し元の操作を失敗させない。
type Notifier interface {
	// PasswordReset はリセット用URLを送信する。
	PasswordReset(ctx context.Context, to, displayName, resetURL string) error
	// PasswordChanged はパスワード変更完了を通知する。
	PasswordChanged(ctx context.Context, to, displayName string) error
}

// AvatarStore はプロフィール画像を保存する。
type AvatarStore interface {
	// Save は画像を保存し、参照文字列を返す。
	Save(ctx context.Context, filename, contentType string, body io.Reader) (string, error)
	// Delete は参照が指す画像を削除する。
	Delete(ctx context.Context, ref string) error
}

// Options はServiceの設定。
type Options struct {
	// JWTSecret はセッショントークンの署名鍵。
	JWTSecret string
	// ResetURLBase はリセットURLのベース。
	ResetURLBase string
	// HashCost はbcryptのコスト。0の場合はbcrypt.DefaultCost。
	HashCost int
}

// Service は資格情報のライフサイクルを扱う。
type Service struct {
	// store はusersテーブルへのアクセス。
	store *Store
	// notifier はメール通知の送信先。
	notifier Notifier
	// avatars はプロフィール画像の保存先。
	avatars AvatarStore
	// opts はサービスの設定。
	opts Options
	// dummyHash は存在しないユーザーのログイン時に比較するハッシュ。
	dummyHash []byte
	// logger はロガー。
	logger logrus.FieldLogger
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, notifier Notifier, avatars AvatarStore, opts Options, logger logrus.FieldLogger) (*Service, error) {
	if opts.HashCost == 0 {
		opts.HashCost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), opts.HashCost)
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}
	return &Service{
		store:     store,
		notifier:  notifier,
		avatars:   avatars,
		opts:      opts,
		dummyHash: dummy,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

var (
	errInvalidCredentials = apperr.Validation(apperr.CodeInvalidCredentials, "メールアドレスまたはパスワードが正しくありません")
	errInvalidResetToken  = apperr.Validation(apperr.CodeInvalidOrExpiredToken, "リセットトークンが無効か有効期限切れです")
	errUserNotFound       = apperr.NotFound(apperr.CodeUserNotFound, "ユーザーが見つかりません")
	errSecretChanged      = apperr.Conflict(apperr.CodeSecretChanged, "パスワードが別の操作で変更されました。もう一度お試しください")
)

// Register はユーザーを登録する。パスワードはハッシュ化してから保存する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (PublicUser, error) {
	name := strings.TrimSpace(in.DisplayName)
	email := NormalizeEmail(in.Email)
	if name == "" || email == "" || in.Secret == "" {
		return PublicUser{}, apperr.Validation(apperr.CodeMissingField, "displayName、email、secretは必須です")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Secret), s.opts.HashCost)
	if err != nil {
		return PublicUser{}, apperr.Persistence(fmt.Errorf("パスワードのハッシュ化に失敗: %w", err))
	}

	now := s.now()
	u := &User{
		ID:          uuid.NewString(),
		DisplayName: name,
		Email:       email,
		secretHash:  string(hash),
		Mood:        DefaultMood,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if in.Image != nil && s.avatars != nil {
		ref, err := s.saveAvatar(ctx, *in.Image)
		if err != nil {
			return PublicUser{}, err
		}
		u.ProfileImage = ref
	}

	if err := s.store.Create(ctx, u); err != nil {
		s.discardAvatar(ctx, u.ProfileImage)
		if errors.Is(err, ErrEmailTaken) {
			return PublicUser{}, apperr.Conflict(apperr.CodeEmailAlreadyUsed, "メールアドレスは既に使用されています")
		}
		return PublicUser{}, apperr.Persistence(err)
	}

	s.logger.WithField("user_id", u.ID).Info("ユーザーを登録しました")
	return u.Public(), nil
}

// CheckEmail はメールアドレスが登録済みかを返す。
func (s *Service) CheckEmail(ctx context.Context, email string) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return false, apperr.Validation(apperr.CodeMissingField, "emailは必須です")
	}
	exists, err := s.store.ExistsByEmail(ctx, email)
	if err != nil {
		return false, apperr.Persistence(err)
	}
	return exists, nil
}

// Login は資格情報を検証してセッショントークンを発行する。
// ユーザーが存在しない場合とパスワードが違う場合は同じエラーを返す。
func (s *Service) Login(ctx context.Context, email, secret string) (string, PublicUser, error) {
	email = NormalizeEmail(email)
	if email == "" || secret == "" {
		return "", PublicUser{}, errInvalidCredentials
	}

	u, err := s.store.FindByEmail(ctx, email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", PublicUser{}, apperr.Persistence(err)
	}
	if u == nil {
		// 応答時間でユーザーの存在が判別されないようダミーハッシュと比較する
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(secret))
		return "", PublicUser{}, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.secretHash), []byte(secret)); err != nil {
		return "", PublicUser{}, errInvalidCredentials
	}

	token, err := middleware.GenerateJWT(s.opts.JWTSecret, u.ID, u.Email, middleware.SessionTTL)
	if err != nil {
		return "", PublicUser{}, apperr.Persistence(err)
	}
	return token, u.Public(), nil
}

// RequestPasswordReset はリセットトークンを発行し、リセットURLを通知する。
// 生のトークンは通知にのみ含め、保存もログ出力もしない。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return apperr.Validation(apperr.CodeMissingField, "emailは必須です")
	}

	u, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return apperr.NotFound(apperr.CodeNoSuchAccount, "このメールアドレスのアカウントは存在しません")
	}
	if err != nil {
		return apperr.Persistence(err)
	}

	raw, hash, err := newResetToken()
	if err != nil {
		return apperr.Persistence(err)
	}
	now := s.now()
	if err := s.store.SetResetToken(ctx, u.ID, hash, now.Add(ResetTokenTTL), now); err != nil {
		return apperr.Persistence(err)
	}

	if err := s.notifier.PasswordReset(ctx, u.Email, u.DisplayName, s.resetURL(raw, u.Email)); err != nil {
		s.logger.WithError(err).WithField("user_id", u.ID).Warn("リセットメールの送信に失敗")
	}
	return nil
}

// resetURL はリセットトークンを埋め込んだURLを組み立てる。
func (s *Service) resetURL(raw, email string) string {
	q := url.Values{}
	q.Set("token", raw)
	q.Set("email", email)
	sep := "?"
	if strings.Contains(s.opts.ResetURLBase, "?") {
		sep = "&"
	}
	return s.opts.ResetURLBase + sep + q.Encode()
}

// VerifyResetToken はトークンが有効かどうかを返す。
func (s *Service) VerifyResetToken(ctx context.Context, email, rawToken string) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" || rawToken == "" {
		return false, nil
	}
	u, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Persistence(err)
	}
	return resetTokenMatches(u, rawToken, s.now()), nil
}

// ResetPassword はリセットトークンを消費してパスワードを変更する。
// メールアドレス違い、トークン違い、期限切れ、使用済みはすべて同じエラーになる。
func (s *Service) ResetPassword(ctx context.Context, email, rawToken, newSecret string) error {
	if len(newSecret) < MinSecretLength {
		return apperr.Validation(apperr.CodeWeakSecret, fmt.Sprintf("パスワードは%d文字以上にしてください", MinSecretLength))
	}
	email = NormalizeEmail(email)
	if email == "" || rawToken == "" {
		return errInvalidResetToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newSecret), s.opts.HashCost)
	if err != nil {
		return apperr.Persistence(fmt.Errorf("パスワードのハッシュ化に失敗: %w", err))
	}

	ok, err := s.store.ConsumeResetToken(ctx, email, hashResetToken(rawToken), string(hash), s.now())
	if err != nil {
		return apperr.Persistence(err)
	}
	if !ok {
		return errInvalidResetToken
	}

	s.notifyPasswordChanged(ctx, email)
	return nil
}

// notifyPasswordChanged はパスワード変更の確認メールを送る。失敗してもロールバックしない。
func (s *Service) notifyPasswordChanged(ctx context.Context, email string) {
	u, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		s.logger.WithError(err).Warn("確認メール送信先の取得に失敗")
		return
	}
	if err := s.notifier.PasswordChanged(ctx, u.Email, u.DisplayName); err != nil {
		s.logger.WithError(err).WithField("user_id", u.ID).Warn("確認メールの送信に失敗")
	}
}

// CurrentUser はユーザーIDに対応するユーザー情報を返す。
func (s *Service) CurrentUser(ctx context.Context, userID string) (PublicUser, error) {
	u, err := s.findByID(ctx, userID)
	if err != nil {
		return PublicUser{}, err
	}
	return u.Public(), nil
}

// UpdateProfile は現在のパスワードを確認したうえで表示名とパスワードを更新する。
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (PublicUser, error) {
	if in.CurrentSecret == "" {
		return PublicUser{}, apperr.Validation(apperr.CodeMissingField, "現在のパスワードは必須です")
	}
	if in.NewSecret != "" && len(in.NewSecret) < MinSecretLength {
		return PublicUser{}, apperr.Validation(apperr.CodeWeakSecret, fmt.Sprintf("パスワードは%d文字以上にしてください", MinSecretLength))
	}

	u, err := s.findByID(ctx, userID)
	if err != nil {
		return PublicUser{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.secretHash), []byte(in.CurrentSecret)); err != nil {
		return PublicUser{}, errInvalidCredentials
	}

	readHash := u.secretHash
	if name := strings.TrimSpace(in.DisplayName); name != "" {
		u.DisplayName = name
	}
	if in.NewSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(in.NewSecret), s.opts.HashCost)
		if err != nil {
			return PublicUser{}, apperr.Persistence(fmt.Errorf("パスワードのハッシュ化に失敗: %w", err))
		}
		u.secretHash = string(hash)
	}

	u.UpdatedAt = s.now()
	if err := s.store.UpdateProfile(ctx, u.ID, u.DisplayName, u.secretHash, readHash, u.UpdatedAt); err != nil {
		if errors.Is(err, ErrSecretChanged) {
			return PublicUser{}, errSecretChanged
		}
		return PublicUser{}, s.mapUpdateErr(err)
	}
	return u.Public(), nil
}

// SetMood は気分ラベルを更新する。
func (s *Service) SetMood(ctx context.Context, userID, mood string) (PublicUser, error) {
	mood = strings.TrimSpace(mood)
	if mood == "" {
		return PublicUser{}, apperr.Validation(apperr.CodeMissingField, "moodは必須です")
	}
	u, err := s.findByID(ctx, userID)
	if err != nil {
		return PublicUser{}, err
	}
	u.Mood = mood
	u.UpdatedAt = s.now()
	if err := s.store.UpdateMood(ctx, u.ID, mood, u.UpdatedAt); err != nil {
		return PublicUser{}, s.mapUpdateErr(err)
	}
	return u.Public(), nil
}

// UploadAvatar はプロフィール画像を差し替える。古い画像は削除する。
func (s *Service) UploadAvatar(ctx context.Context, userID string, img Upload) (PublicUser, error) {
	if s.avatars == nil {
		return PublicUser{}, apperr.Persistence(errors.New("画像の保存先が設定されていません"))
	}
	u, err := s.findByID(ctx, userID)
	if err != nil {
		return PublicUser{}, err
	}

	ref, err := s.saveAvatar(ctx, img)
	if err != nil {
		return PublicUser{}, err
	}
	old := u.ProfileImage
	u.ProfileImage = ref
	u.UpdatedAt = s.now()
	if err := s.store.UpdateProfileImage(ctx, u.ID, ref, u.UpdatedAt); err != nil {
		s.discardAvatar(ctx, ref)
		return PublicUser{}, s.mapUpdateErr(err)
	}
	s.discardAvatar(ctx, old)
	return u.Public(), nil
}

// RemoveAvatar はプロフィール画像を削除する。
func (s *Service) RemoveAvatar(ctx context.Context, userID string) (PublicUser, error) {
	u, err := s.findByID(ctx, userID)
	if err != nil {
		return PublicUser{}, err
	}
	old := u.ProfileImage
	u.ProfileImage = ""
	u.UpdatedAt = s.now()
	if err := s.store.UpdateProfileImage(ctx, u.ID, "", u.UpdatedAt); err != nil {
		return PublicUser{}, s.mapUpdateErr(err)
	}
	s.discardAvatar(ctx, old)
	return u.Public(), nil
}

// PurgeExpiredResetTokens は期限切れのリセットトークンを消去する。
func (s *Service) PurgeExpiredResetTokens(ctx context.Context) (int64, error) {
	return s.store.PurgeExpiredResetTokens(ctx, s.now())
}

// Count は登録ユーザー数を返す。
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.store.Count(ctx)
}

// findByID はユーザーを取得し、エラーを分類する。
func (s *Service) findByID(ctx context.Context, userID string) (*User, error) {
	u, err := s.store.FindByID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, errUserNotFound
	}
	if err != nil {
		return nil, apperr.Persistence(err)
	}
	return u, nil
}

// mapUpdateErr は更新系のエラーを分類する。
func (s *Service) mapUpdateErr(err error) error {
	if errors.Is(err, ErrNotFound) {
		return errUserNotFound
	}
	return apperr.Persistence(err)
}

// saveAvatar は画像を保存する。保存先が分類済みのエラー（形式不正など）を返した場合はそのまま返す。
func (s *Service) saveAvatar(ctx context.Context, img Upload) (string, error) {
	ref, err := s.avatars.Save(ctx, img.Filename, img.ContentType, img.Body)
	if err == nil {
		return ref, nil
	}
	if appErr, ok := apperr.As(err); ok {
		return "", appErr
	}
	return "", apperr.Persistence(fmt.Errorf("プロフィール画像の保存に失敗: %w", err))
}

// discardAvatar は不要になった画像を削除する。失敗はログに残すのみ。
func (s *Service) discardAvatar(ctx context.Context, ref string) {
	if ref == "" || s.avatars == nil {
		return
	}
	if err := s.avatars.Delete(ctx, ref); err != nil {
		s.logger.WithError(err).WithField("ref", ref).Warn("プロフィール画像の削除に失敗")
	}
}
