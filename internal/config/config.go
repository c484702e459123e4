// Package config はゲートウェイの設定を読み込み、起動時に検証する。
//
// 既定値、YAML設定ファイル、環境変数の順に上書きする。
// 必須項目が欠けている場合は起動を中断する。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `yaml:"port"`
	// StorageDSN はSQLiteデータベースの接続文字列。
	StorageDSN string `yaml:"storage_dsn"`
	// JWTSecret はセッショントークンの署名鍵。
	JWTSecret string `yaml:"jwt_secret"`
	// Services は転送先サービスのベースURL。
	Services ServiceURLs `yaml:"services"`
	// AllowedOrigins はCORSで許可するオリジン。
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxBodyBytes はリクエストボディの上限バイト数。
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// UpstreamTimeout は転送先サービスの応答待ち時間。
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	// ResetURLBase はパスワードリセットメールに埋め込むURLのベース。
	ResetURLBase string `yaml:"reset_url_base"`
	// SMTP はメール通知の設定。Hostが空の場合はログ出力のみ行う。
	SMTP SMTPConfig `yaml:"smtp"`
	// Avatar はプロフィール画像の保存先設定。
	Avatar AvatarConfig `yaml:"avatar"`
	// Log はログ出力の設定。
	Log LogConfig `yaml:"log"`
	// Schedules は定期メンテナンスジョブのcron式。
	Schedules ScheduleConfig `yaml:"schedules"`
}

// ServiceURLs は分析サービスごとのベースURL。
type ServiceURLs struct {
	Text    string `yaml:"text"`
	Face    string `yaml:"face"`
	Speech  string `yaml:"speech"`
	Journal string `yaml:"journal"`
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Enabled はSMTP送信が設定されているかを返す。
func (s SMTPConfig) Enabled() bool {
	return s.Host != ""
}

// AvatarConfig はプロフィール画像の保存先。S3Bucketが設定されていればS3を使う。
type AvatarConfig struct {
	Dir           string `yaml:"dir"`
	S3Bucket      string `yaml:"s3_bucket"`
	S3Prefix      string `yaml:"s3_prefix"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// LogConfig はlogrusの設定。
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ScheduleConfig はメンテナンスジョブの実行間隔。
type ScheduleConfig struct {
	// Reconcile は進捗サマリー再計算のcron式。
	Reconcile string `yaml:"reconcile"`
	// PurgeResetTokens は期限切れリセットトークン削除のcron式。
	PurgeResetTokens string `yaml:"purge_reset_tokens"`
}

// minSecretLength はJWT署名鍵の最小長。
const minSecretLength = 16

// Default は既定値を持つ設定を返す。
func Default() Config {
	return Config{
		Port: "5000",
		Services: ServiceURLs{
			Text:    "http://127.0.0.1:8001",
			Face:    "http://127.0.0.1:8002",
			Speech:  "http://127.0.0.1:8000",
			Journal: "http://127.0.0.1:8004",
		},
		AllowedOrigins: []string{
			"http://127.0.0.1:5500",
			"http://127.0.0.1:5501",
			"http://localhost:5500",
			"http://localhost:5501",
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		},
		MaxBodyBytes:    200 << 20,
		UpstreamTimeout: 8 * time.Second,
		ResetURLBase:    "http://localhost:5500/reset-password.html",
		SMTP:            SMTPConfig{Port: 587},
		Avatar:          AvatarConfig{Dir: "uploads"},
		Log:             LogConfig{Level: "info", Format: "text"},
		Schedules: ScheduleConfig{
			Reconcile:        "@every 1h",
			PurgeResetTokens: "@every 15m",
		},
	}
}

// Load は設定を読み込んで検証する。pathが空の場合は設定ファイルを読まない。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return &cfg, nil
}

// loadFile はYAML設定ファイルを読み込む。
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルのパースに失敗: %w", err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする。
func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.StorageDSN, "STORAGE_DSN")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.Services.Text, "TEXT_SERVICE_URL")
	setString(&c.Services.Face, "FACE_SERVICE_URL")
	setString(&c.Services.Speech, "SPEECH_SERVICE_URL")
	setString(&c.Services.Journal, "JOURNAL_SERVICE_URL")
	setString(&c.ResetURLBase, "RESET_URL_BASE")
	setString(&c.SMTP.Host, "SMTP_HOST")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	setString(&c.SMTP.From, "SMTP_FROM")
	setString(&c.Avatar.Dir, "AVATAR_DIR")
	setString(&c.Avatar.S3Bucket, "AVATAR_S3_BUCKET")
	setString(&c.Avatar.S3Prefix, "AVATAR_S3_PREFIX")
	setString(&c.Avatar.PublicBaseURL, "AVATAR_PUBLIC_BASE_URL")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")
	setString(&c.Schedules.Reconcile, "RECONCILE_SCHEDULE")
	setString(&c.Schedules.PurgeResetTokens, "PURGE_SCHEDULE")

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORTが不正です: %w", err)
		}
		c.SMTP.Port = port
	}
	if v := os.Getenv("MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_BODY_BYTESが不正です: %w", err)
		}
		c.MaxBodyBytes = n
	}
	if v := os.Getenv("UPSTREAM_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UPSTREAM_TIMEOUTが不正です: %w", err)
		}
		c.UpstreamTimeout = d
	}
	return nil
}

// Validate は必須項目と値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.StorageDSN == "" {
		errs = append(errs, errors.New("STORAGE_DSNは必須です"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRETは必須です"))
	} else if len(c.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRETは%d文字以上必要です", minSecretLength))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("PORTは必須です"))
	}

	for name, raw := range map[string]string{
		"text":    c.Services.Text,
		"face":    c.Services.Face,
		"speech":  c.Services.Speech,
		"journal": c.Services.Journal,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%sサービスのURLが不正です: %q", name, raw))
		}
	}

	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MAX_BODY_BYTESは正の値である必要があります"))
	}
	if c.UpstreamTimeout <= 0 || c.UpstreamTimeout >= 10*time.Second {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUTは0より大きく10秒未満である必要があります"))
	}

	if c.SMTP.Enabled() && (c.SMTP.From == "" || c.SMTP.Username == "" || c.SMTP.Password == "") {
		errs = append(errs, errors.New("SMTP_HOSTを設定する場合はSMTP_FROM/SMTP_USERNAME/SMTP_PASSWORDも必要です"))
	}

	return errors.Join(errs...)
}

// setString は環境変数が設定されていれば値を上書きする。
func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// splitList はカンマ区切りの文字列を分割する。
func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
