package credential

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/storage"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	// ErrNotFound はユーザーが存在しないことを表す。
	ErrNotFound = errors.New("ユーザーが見つかりません")
	// ErrEmailTaken はメールアドレスが既に使われていることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に使用されています")
	// ErrSecretChanged は読み込んだ後に別の操作でパスワードが変更されたことを表す。
	ErrSecretChanged = errors.New("パスワードが別の操作で変更されました")
)

// Store はusersテーブルへのアクセスを提供する。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate はusersテーブルのマイグレーションを適用する。
func (s *Store) Migrate(ctx context.Context, logger logrus.FieldLogger) error {
	return migration.Run(ctx, s.db, migrations, "migrations", "credential", logger)
}

const userColumns = `id, display_name, email, secret_hash, profile_image, mood,
	reset_token_hash, reset_expires_at, created_at, updated_at`

// scanUser は1行をUserに変換する。
func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u                    User
		tokenHash            sql.NullString
		expiresAt            sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.secretHash, &u.ProfileImage, &u.Mood,
		&tokenHash, &expiresAt, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if tokenHash.Valid {
		u.resetTokenHash = &tokenHash.String
	}
	u.resetExpiresAt = storage.NullableMillis(expiresAt)
	u.CreatedAt = storage.FromMillis(createdAt)
	u.UpdatedAt = storage.FromMillis(updatedAt)
	return &u, nil
}

// Create はユーザーを登録する。メールアドレスが重複した場合はErrEmailTakenを返す。
func (s *Store) Create(ctx context.Context, u *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, secret_hash, profile_image, mood, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.DisplayName, u.Email, u.secretHash, u.ProfileImage, u.Mood,
		storage.ToMillis(u.CreatedAt), storage.ToMillis(u.UpdatedAt))
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// FindByID はIDでユーザーを取得する。
func (s *Store) FindByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return u, err
}

// FindByEmail は正規化済みメールアドレスでユーザーを取得する。
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email)
	u, err := scanUser(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	return u, err
}

// ExistsByEmail はメールアドレスが登録済みかを返す。
func (s *Store) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)", email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("メールアドレスの確認に失敗: %w", err)
	}
	return exists == 1, nil
}

// SetResetToken はリセットトークンのハッシュと有効期限を保存する。
// 既存のトークンは上書きされるため、有効なトークンは常に最大1つとなる。
func (s *Store) SetResetToken(ctx context.Context, userID, tokenHash string, expiresAt, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET reset_token_hash = ?, reset_expires_at = ?, updated_at = ?
		WHERE id = ?`,
		tokenHash, storage.ToMillis(expiresAt), storage.ToMillis(now), userID)
	if err != nil {
		return fmt.Errorf("リセットトークンの保存に失敗: %w", err)
	}
	return requireOneRow(res)
}

// ConsumeResetToken はトークンが一致し有効期限内の場合に限り、パスワードを更新して
// トークンを消去する。条件付きの単一UPDATEで行うため、同じトークンは一度しか使えない。
func (s *Store) ConsumeResetToken(ctx context.Context, email, tokenHash, newSecretHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET secret_hash = ?, reset_token_hash = NULL, reset_expires_at = NULL, updated_at = ?
		WHERE email = ? AND reset_token_hash = ? AND reset_expires_at > ?`,
		newSecretHash, storage.ToMillis(now), email, tokenHash, storage.ToMillis(now))
	if err != nil {
		return false, fmt.Errorf("パスワードの更新に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n == 1, nil
}

// UpdateProfile は表示名とパスワードハッシュを更新する。パスワードが変わるため
// 未使用のリセットトークンも無効にする。
// 保存済みのハッシュがexpectedHashと一致する場合のみ更新し、
// 読み込み後に別の操作でパスワードが変わっていればErrSecretChangedを返す。
func (s *Store) UpdateProfile(ctx context.Context, id, displayName, secretHash, expectedHash string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET display_name = ?, secret_hash = ?, reset_token_hash = NULL, reset_expires_at = NULL, updated_at = ?
		WHERE id = ? AND secret_hash = ?`,
		displayName, secretHash, storage.ToMillis(now), id, expectedHash)
	if err != nil {
		return fmt.Errorf("プロフィールの更新に失敗: %w", err)
	}
	err = requireOneRow(res)
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	if _, findErr := s.FindByID(ctx, id); findErr != nil {
		return findErr
	}
	return ErrSecretChanged
}

// UpdateMood は気分ラベルを更新する。
func (s *Store) UpdateMood(ctx context.Context, id, mood string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET mood = ?, updated_at = ? WHERE id = ?", mood, storage.ToMillis(now), id)
	if err != nil {
		return fmt.Errorf("気分の更新に失敗: %w", err)
	}
	return requireOneRow(res)
}

// UpdateProfileImage はプロフィール画像の参照を更新する。
func (s *Store) UpdateProfileImage(ctx context.Context, id, ref string, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET profile_image = ?, updated_at = ? WHERE id = ?", ref, storage.ToMillis(now), id)
	if err != nil {
		return fmt.Errorf("プロフィール画像の更新に失敗: %w", err)
	}
	return requireOneRow(res)
}

// PurgeExpiredResetTokens は有効期限切れのリセットトークンを消去し、件数を返す。
func (s *Store) PurgeExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET reset_token_hash = NULL, reset_expires_at = NULL
		WHERE reset_expires_at IS NOT NULL AND reset_expires_at <= ?`, storage.ToMillis(now))
	if err != nil {
		return 0, fmt.Errorf("期限切れトークンの削除に失敗: %w", err)
	}
	return res.RowsAffected()
}

// Count は登録ユーザー数を返す。
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("ユーザー数の取得に失敗: %w", err)
	}
	return n, nil
}

// requireOneRow は更新対象が存在しなかった場合にErrNotFoundを返す。
func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
