package credential

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/storage"
)

// fakeNotifier は送信内容を記録するテスト用Notifier。
type fakeNotifier struct {
	mu        sync.Mutex
	resetURLs []string
	changed   []string
	err       error
}

func (f *fakeNotifier) PasswordReset(_ context.Context, _, _, resetURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetURLs = append(f.resetURLs, resetURL)
	return f.err
}

func (f *fakeNotifier) PasswordChanged(_ context.Context, to, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changed = append(f.changed, to)
	return f.err
}

// lastToken は最後に送信されたリセットURLからトークンを取り出す。
func (f *fakeNotifier) lastToken(t *testing.T) string {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.resetURLs)
	u, err := url.Parse(f.resetURLs[len(f.resetURLs)-1])
	require.NoError(t, err)
	return u.Query().Get("token")
}

// fakeAvatars はメモリ上に画像を保存するテスト用AvatarStore。
type fakeAvatars struct {
	mu      sync.Mutex
	saved   map[string]string
	deleted []string
	saveErr error
}

func newFakeAvatars() *fakeAvatars {
	return &fakeAvatars{saved: map[string]string{}}
}

func (f *fakeAvatars) Save(_ context.Context, filename, _ string, body io.Reader) (string, error) {
	if f.saveErr != nil {
		return "", f.saveErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "/uploads/" + filename
	f.saved[ref] = string(data)
	return ref, nil
}

func (f *fakeAvatars) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.saved[ref]; !ok {
		return errors.New("unknown ref")
	}
	delete(f.saved, ref)
	f.deleted = append(f.deleted, ref)
	return nil
}

// clock はテストで進められる時計。
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fixture はテスト用のServiceと依存をまとめたもの。
type fixture struct {
	svc      *Service
	store    *Store
	notifier *fakeNotifier
	avatars  *fakeAvatars
	clock    *clock
	db       *sql.DB
}

// newFixture はインメモリSQLiteを使ったServiceを生成する。
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return newFixtureWithDB(t, db)
}

// newFileFixture はファイルのSQLiteを複数接続で使うServiceを生成する。並行実行の検証に使う。
func newFileFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "credential.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(8)
	t.Cleanup(func() { _ = db.Close() })
	return newFixtureWithDB(t, db)
}

// newFixtureWithDB は指定したデータベースでServiceを生成する。
func newFixtureWithDB(t *testing.T, db *sql.DB) *fixture {
	t.Helper()

	logger, _ := test.NewNullLogger()
	store := NewStore(db)
	require.NoError(t, store.Migrate(context.Background(), logger))

	n := &fakeNotifier{}
	a := newFakeAvatars()
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc, err := NewService(store, n, a, Options{
		JWTSecret:    "test-secret-0123456789",
		ResetURLBase: "http://localhost:5500/reset-password.html",
		HashCost:     bcrypt.MinCost,
	}, logrus.NewEntry(logger))
	require.NoError(t, err)
	svc.now = c.Now

	return &fixture{svc: svc, store: store, notifier: n, avatars: a, clock: c, db: db}
}

// register はテスト用ユーザーを登録する。
func (f *fixture) register(t *testing.T, name, email, secret string) PublicUser {
	t.Helper()

	u, err := f.svc.Register(context.Background(), RegisterInput{DisplayName: name, Email: email, Secret: secret})
	require.NoError(t, err)
	return u
}

// upload は画像アップロードの入力を組み立てる。
func upload(name, data string) Upload {
	return Upload{Filename: name, ContentType: "image/png", Body: strings.NewReader(data)}
}
