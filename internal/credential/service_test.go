package credential

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/avatar"
	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/pkg/middleware"
)

// requireCode はエラーが指定したコードのapperr.Errorであることを確認する。
func requireCode(t *testing.T, err error, kind apperr.Kind, code string) {
	t.Helper()

	e, ok := apperr.As(err)
	require.True(t, ok, "apperr.Errorではありません: %v", err)
	assert.Equal(t, kind, e.Kind)
	assert.Equal(t, code, e.Code)
}

// TestRegister はユーザー登録を検証する。
func TestRegister(t *testing.T) {
	t.Parallel()

	t.Run("登録したユーザーでログインできること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()

		u := f.register(t, "Ayesha", "  Ayesha@Example.COM ", "s3cret!")
		assert.Equal(t, "ayesha@example.com", u.Email)
		assert.Equal(t, DefaultMood, u.Mood)
		assert.NotEmpty(t, u.ID)

		token, logged, err := f.svc.Login(ctx, "AYESHA@example.com", "s3cret!")
		require.NoError(t, err)
		assert.Equal(t, u.ID, logged.ID)

		claims, err := middleware.ParseJWT("test-secret-0123456789", token)
		require.NoError(t, err)
		assert.Equal(t, u.ID, claims.UserID)

		me, err := f.svc.CurrentUser(ctx, claims.UserID)
		require.NoError(t, err)
		assert.Equal(t, "Ayesha", me.DisplayName)
	})

	t.Run("同じメールアドレスは大文字小文字を問わず登録できないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.register(t, "A", "dup@example.com", "secret1")

		_, err := f.svc.Register(context.Background(), RegisterInput{DisplayName: "B", Email: "DUP@example.com", Secret: "secret2"})
		requireCode(t, err, apperr.KindConflict, apperr.CodeEmailAlreadyUsed)

		n, err := f.svc.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("必須項目が欠けている場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		cases := []RegisterInput{
			{Email: "a@example.com", Secret: "secret1"},
			{DisplayName: "A", Secret: "secret1"},
			{DisplayName: "A", Email: "a@example.com"},
			{DisplayName: "   ", Email: "a@example.com", Secret: "secret1"},
		}
		for _, in := range cases {
			_, err := f.svc.Register(context.Background(), in)
			requireCode(t, err, apperr.KindValidation, apperr.CodeMissingField)
		}
	})

	t.Run("プロフィール画像付きで登録できること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		img := upload("me.png", "png")
		u, err := f.svc.Register(context.Background(), RegisterInput{DisplayName: "A", Email: "img@example.com", Secret: "secret1", Image: &img})
		require.NoError(t, err)
		assert.Equal(t, "/uploads/me.png", u.Image)
	})

	t.Run("登録に失敗した場合は保存した画像を削除すること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.register(t, "A", "taken@example.com", "secret1")

		img := upload("dup.png", "png")
		_, err := f.svc.Register(context.Background(), RegisterInput{DisplayName: "B", Email: "taken@example.com", Secret: "secret1", Image: &img})
		requireCode(t, err, apperr.KindConflict, apperr.CodeEmailAlreadyUsed)
		assert.Equal(t, []string{"/uploads/dup.png"}, f.avatars.deleted)
	})
}

// TestCheckEmail はメールアドレスの登録確認を検証する。
func TestCheckEmail(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.register(t, "A", "known@example.com", "secret1")

	exists, err := f.svc.CheckEmail(context.Background(), " Known@Example.com")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = f.svc.CheckEmail(context.Background(), "other@example.com")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = f.svc.CheckEmail(context.Background(), "")
	requireCode(t, err, apperr.KindValidation, apperr.CodeMissingField)
}

// TestLogin はログインの失敗ケースを検証する。
func TestLogin(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.register(t, "A", "user@example.com", "correct-horse")

	tests := []struct {
		name   string
		email  string
		secret string
	}{
		{name: "パスワード違い", email: "user@example.com", secret: "wrong"},
		{name: "未登録のメールアドレス", email: "ghost@example.com", secret: "correct-horse"},
		{name: "空のパスワード", email: "user@example.com", secret: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name+"は同じエラーになること", func(t *testing.T) {
			t.Parallel()

			token, _, err := f.svc.Login(context.Background(), tt.email, tt.secret)
			requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidCredentials)
			assert.Empty(t, token)
		})
	}
}

// TestPasswordReset はパスワードリセットの一連の流れを検証する。
func TestPasswordReset(t *testing.T) {
	t.Parallel()

	t.Run("発行したトークンでパスワードを一度だけ変更できること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		f.register(t, "A", "reset@example.com", "old-secret")

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "Reset@Example.com"))
		token := f.notifier.lastToken(t)
		assert.Len(t, token, 64)

		ok, err := f.svc.VerifyResetToken(ctx, "reset@example.com", token)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, f.svc.ResetPassword(ctx, "reset@example.com", token, "new-secret"))
		assert.Equal(t, []string{"reset@example.com"}, f.notifier.changed)

		_, _, err = f.svc.Login(ctx, "reset@example.com", "old-secret")
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidCredentials)
		_, _, err = f.svc.Login(ctx, "reset@example.com", "new-secret")
		require.NoError(t, err)

		err = f.svc.ResetPassword(ctx, "reset@example.com", token, "third-secret")
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidOrExpiredToken)

		ok, err = f.svc.VerifyResetToken(ctx, "reset@example.com", token)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("有効期限を過ぎたトークンは使えないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		f.register(t, "A", "late@example.com", "old-secret")

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "late@example.com"))
		token := f.notifier.lastToken(t)

		f.clock.Advance(ResetTokenTTL + time.Second)

		ok, err := f.svc.VerifyResetToken(ctx, "late@example.com", token)
		require.NoError(t, err)
		assert.False(t, ok)

		err = f.svc.ResetPassword(ctx, "late@example.com", token, "new-secret")
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidOrExpiredToken)

		purged, err := f.svc.PurgeExpiredResetTokens(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), purged)
	})

	t.Run("有効期限の直前までは使え、期限ちょうどでは使えないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		f.register(t, "A", "edge-ok@example.com", "old-secret")
		f.register(t, "B", "edge-ng@example.com", "old-secret")

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "edge-ok@example.com"))
		okToken := f.notifier.lastToken(t)
		require.NoError(t, f.svc.RequestPasswordReset(ctx, "edge-ng@example.com"))
		ngToken := f.notifier.lastToken(t)

		f.clock.Advance(ResetTokenTTL - time.Millisecond)

		ok, err := f.svc.VerifyResetToken(ctx, "edge-ng@example.com", ngToken)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, f.svc.ResetPassword(ctx, "edge-ok@example.com", okToken, "new-secret"))

		f.clock.Advance(time.Millisecond)

		ok, err = f.svc.VerifyResetToken(ctx, "edge-ng@example.com", ngToken)
		require.NoError(t, err)
		assert.False(t, ok)
		err = f.svc.ResetPassword(ctx, "edge-ng@example.com", ngToken, "new-secret")
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidOrExpiredToken)
	})

	t.Run("再発行すると以前のトークンは無効になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		f.register(t, "A", "twice@example.com", "old-secret")

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "twice@example.com"))
		first := f.notifier.lastToken(t)
		require.NoError(t, f.svc.RequestPasswordReset(ctx, "twice@example.com"))
		second := f.notifier.lastToken(t)
		assert.NotEqual(t, first, second)

		err := f.svc.ResetPassword(ctx, "twice@example.com", first, "new-secret")
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidOrExpiredToken)
		require.NoError(t, f.svc.ResetPassword(ctx, "twice@example.com", second, "new-secret"))
	})

	t.Run("別のメールアドレスではトークンを使えないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		f.register(t, "A", "owner@example.com", "old-secret")
		f.register(t, "B", "other@example.com", "old-secret")

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "owner@example.com"))
		token := f.notifier.lastToken(t)

		err := f.svc.ResetPassword(ctx, "other@example.com", token, "new-secret")
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidOrExpiredToken)
	})

	t.Run("短すぎるパスワードはトークン検証より先に拒否されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		err := f.svc.ResetPassword(context.Background(), "any@example.com", "bogus", "12345")
		requireCode(t, err, apperr.KindValidation, apperr.CodeWeakSecret)
	})

	t.Run("未登録のメールアドレスにはリセットを発行しないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		err := f.svc.RequestPasswordReset(context.Background(), "nobody@example.com")
		requireCode(t, err, apperr.KindNotFound, apperr.CodeNoSuchAccount)
		assert.Empty(t, f.notifier.resetURLs)
	})

	t.Run("メール送信に失敗してもリセットは発行されること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		f.register(t, "A", "flaky@example.com", "old-secret")
		f.notifier.err = errors.New("smtp down")

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "flaky@example.com"))
		token := f.notifier.lastToken(t)
		require.NoError(t, f.svc.ResetPassword(ctx, "flaky@example.com", token, "new-secret"))
	})
}

// TestUpdateProfile はプロフィール更新を検証する。
func TestUpdateProfile(t *testing.T) {
	t.Parallel()

	t.Run("現在のパスワードが正しければ表示名とパスワードを変更できること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		u := f.register(t, "Old", "p@example.com", "old-secret")
		f.clock.Advance(time.Minute)

		updated, err := f.svc.UpdateProfile(ctx, u.ID, ProfileUpdate{CurrentSecret: "old-secret", DisplayName: " New ", NewSecret: "new-secret"})
		require.NoError(t, err)
		assert.Equal(t, "New", updated.DisplayName)
		assert.True(t, updated.UpdatedAt.After(u.UpdatedAt))

		_, _, err = f.svc.Login(ctx, "p@example.com", "new-secret")
		require.NoError(t, err)
	})

	t.Run("パスワード変更で未使用のリセットトークンが無効になること", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		u := f.register(t, "A", "pending@example.com", "old-secret")
		require.NoError(t, f.svc.RequestPasswordReset(ctx, "pending@example.com"))
		token := f.notifier.lastToken(t)

		_, err := f.svc.UpdateProfile(ctx, u.ID, ProfileUpdate{CurrentSecret: "old-secret", NewSecret: "new-secret"})
		require.NoError(t, err)

		err = f.svc.ResetPassword(ctx, "pending@example.com", token, "hijack-secret")
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidOrExpiredToken)
	})

	t.Run("読み込み後に別の操作でパスワードが変わった場合は上書きしないこと", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		u := f.register(t, "A", "race@example.com", "old-secret")
		stale, err := f.store.FindByID(ctx, u.ID)
		require.NoError(t, err)

		require.NoError(t, f.svc.RequestPasswordReset(ctx, "race@example.com"))
		require.NoError(t, f.svc.ResetPassword(ctx, "race@example.com", f.notifier.lastToken(t), "reset-secret"))

		err = f.store.UpdateProfile(ctx, u.ID, "B", stale.secretHash, stale.secretHash, f.clock.Now())
		assert.ErrorIs(t, err, ErrSecretChanged)

		err = f.store.UpdateProfile(ctx, "missing", "B", stale.secretHash, stale.secretHash, f.clock.Now())
		assert.ErrorIs(t, err, ErrNotFound)

		_, _, err = f.svc.Login(ctx, "race@example.com", "reset-secret")
		require.NoError(t, err)
		current, err := f.svc.CurrentUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "A", current.DisplayName)
	})

	t.Run("入力エラー", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		ctx := context.Background()
		u := f.register(t, "A", "v@example.com", "old-secret")

		_, err := f.svc.UpdateProfile(ctx, u.ID, ProfileUpdate{DisplayName: "B"})
		requireCode(t, err, apperr.KindValidation, apperr.CodeMissingField)

		_, err = f.svc.UpdateProfile(ctx, u.ID, ProfileUpdate{CurrentSecret: "wrong", DisplayName: "B"})
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidCredentials)

		_, err = f.svc.UpdateProfile(ctx, u.ID, ProfileUpdate{CurrentSecret: "old-secret", NewSecret: "abc"})
		requireCode(t, err, apperr.KindValidation, apperr.CodeWeakSecret)

		_, err = f.svc.UpdateProfile(ctx, "missing", ProfileUpdate{CurrentSecret: "old-secret"})
		requireCode(t, err, apperr.KindNotFound, apperr.CodeUserNotFound)
	})
}

// TestSetMood は気分ラベルの更新を検証する。
func TestSetMood(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "A", "mood@example.com", "secret1")

	updated, err := f.svc.SetMood(ctx, u.ID, " Happy ")
	require.NoError(t, err)
	assert.Equal(t, "Happy", updated.Mood)

	me, err := f.svc.CurrentUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Happy", me.Mood)

	_, err = f.svc.SetMood(ctx, u.ID, "")
	requireCode(t, err, apperr.KindValidation, apperr.CodeMissingField)

	_, err = f.svc.SetMood(ctx, "missing", "Sad")
	requireCode(t, err, apperr.KindNotFound, apperr.CodeUserNotFound)
}

// TestAvatar はプロフィール画像の差し替えと削除を検証する。
func TestAvatar(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	u := f.register(t, "A", "avatar@example.com", "secret1")

	first, err := f.svc.UploadAvatar(ctx, u.ID, upload("one.png", "1"))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/one.png", first.Image)

	second, err := f.svc.UploadAvatar(ctx, u.ID, upload("two.png", "2"))
	require.NoError(t, err)
	assert.Equal(t, "/uploads/two.png", second.Image)
	assert.Equal(t, []string{"/uploads/one.png"}, f.avatars.deleted)

	removed, err := f.svc.RemoveAvatar(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, removed.Image)
	assert.Equal(t, []string{"/uploads/one.png", "/uploads/two.png"}, f.avatars.deleted)

	_, err = f.svc.UploadAvatar(ctx, "missing", upload("x.png", "x"))
	requireCode(t, err, apperr.KindNotFound, apperr.CodeUserNotFound)

	t.Run("画像以外のファイルは入力エラーになること", func(t *testing.T) {
		f := newFixture(t)
		f.avatars.saveErr = avatar.ErrUnsupportedType
		u := f.register(t, "B", "text@example.com", "secret1")

		_, err := f.svc.UploadAvatar(ctx, u.ID, upload("notes.txt", "x"))
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidImage)

		img := upload("notes.txt", "x")
		_, err = f.svc.Register(ctx, RegisterInput{DisplayName: "C", Email: "c@example.com", Secret: "secret1", Image: &img})
		requireCode(t, err, apperr.KindValidation, apperr.CodeInvalidImage)

		exists, err := f.svc.CheckEmail(ctx, "c@example.com")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("保存先の障害は永続化エラーになること", func(t *testing.T) {
		f := newFixture(t)
		f.avatars.saveErr = errors.New("disk full")
		u := f.register(t, "B", "full@example.com", "secret1")

		_, err := f.svc.UploadAvatar(ctx, u.ID, upload("one.png", "1"))
		requireCode(t, err, apperr.KindPersistence, apperr.CodePersistence)
	})
}

// TestConcurrentCredentials は複数接続からの同時操作で一意性と一回限りの消費が保たれることを検証する。
func TestConcurrentCredentials(t *testing.T) {
	t.Parallel()

	const workers = 20

	t.Run("同じメールアドレスの同時登録は1件だけ成功すること", func(t *testing.T) {
		t.Parallel()

		f := newFileFixture(t)
		var (
			wg        sync.WaitGroup
			succeeded atomic.Int64
			conflicts atomic.Int64
		)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.svc.Register(context.Background(), RegisterInput{
					DisplayName: fmt.Sprintf("user-%d", i),
					Email:       "same@example.com",
					Secret:      "secret1",
				})
				if err == nil {
					succeeded.Add(1)
					return
				}
				if apperr.IsCode(err, apperr.CodeEmailAlreadyUsed) {
					conflicts.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), succeeded.Load())
		assert.Equal(t, int64(workers-1), conflicts.Load())
		n, err := f.svc.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("同じリセットトークンの同時使用は1件だけ成功すること", func(t *testing.T) {
		t.Parallel()

		f := newFileFixture(t)
		ctx := context.Background()
		f.register(t, "A", "once@example.com", "old-secret")
		require.NoError(t, f.svc.RequestPasswordReset(ctx, "once@example.com"))
		token := f.notifier.lastToken(t)

		var (
			wg        sync.WaitGroup
			succeeded atomic.Int64
			rejected  atomic.Int64
		)
		for i := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := f.svc.ResetPassword(ctx, "once@example.com", token, fmt.Sprintf("new-secret-%d", i))
				if err == nil {
					succeeded.Add(1)
					return
				}
				if apperr.IsCode(err, apperr.CodeInvalidOrExpiredToken) {
					rejected.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(1), succeeded.Load())
		assert.Equal(t, int64(workers-1), rejected.Load())
	})
}

// TestPersistenceFault はデータベース障害が永続化エラーに分類されることを検証する。
func TestPersistenceFault(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger, hook := test.NewNullLogger()
	svc, err := NewService(NewStore(db), &fakeNotifier{}, nil, Options{JWTSecret: "test-secret-0123456789", HashCost: bcrypt.MinCost}, logger)
	require.NoError(t, err)

	dbErr := errors.New("disk I/O error")
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE email = ?")).WillReturnError(dbErr)
	_, _, err = svc.Login(context.Background(), "a@example.com", "secret1")
	requireCode(t, err, apperr.KindPersistence, apperr.CodePersistence)
	assert.ErrorIs(t, err, dbErr)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = ?")).WillReturnError(dbErr)
	_, err = svc.CurrentUser(context.Background(), "u1")
	requireCode(t, err, apperr.KindPersistence, apperr.CodePersistence)

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Empty(t, hook.AllEntries())
}
