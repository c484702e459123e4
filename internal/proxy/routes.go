package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/Shahriyar-Kh/New-Version-Feelwise-project-sub000/internal/apperr"
)

// 転送先サービス名。
const (
	ServiceText    = "text"
	ServiceFace    = "face"
	ServiceSpeech  = "speech"
	ServiceJournal = "journal"
)

const (
	// DefaultScope は認証もuser_id指定も無い場合のジャーナル利用者。
	DefaultScope = "default_user"
	// DefaultRange はジャーナル一覧と分析の既定期間。
	DefaultRange = "30d"
	// MinAudioLength は音声分析に必要なaudioフィールドの最小長（base64文字数）。
	MinAudioLength = 1000
)

// Inbound は転送先URLの組み立てに使う受信リクエストの情報。
type Inbound struct {
	// Params はパスパラメータ。
	Params map[string]string
	// Query はクエリ文字列。
	Query url.Values
	// Scope は解決済みのジャーナル利用者。
	Scope string
}

// Route は1つの転送ルート。
type Route struct {
	Method string
	// Path はゲートウェイ側のパス（Ginの書式）。
	Path    string
	Service string
	// Scoped はジャーナル利用者の解決が必要なルートかどうか。
	Scoped bool
	// Target は転送先のパスとクエリを返す。
	Target func(in Inbound) string
	// Check は転送前にボディを検証する。nilなら検証しない。
	Check func(body []byte) error
}

// fixed は常に同じパスに転送するTargetを返す。
func fixed(path string) func(Inbound) string {
	return func(Inbound) string { return path }
}

// withScope は利用者をuser_idとして付与するTargetを返す。
func withScope(path string) func(Inbound) string {
	return func(in Inbound) string {
		return path + "?" + url.Values{"user_id": {in.Scope}}.Encode()
	}
}

// withRangeAndScope は期間と利用者を付与するTargetを返す。期間の既定は30日。
func withRangeAndScope(path string) func(Inbound) string {
	return func(in Inbound) string {
		rng := in.Query.Get("range")
		if rng == "" {
			rng = DefaultRange
		}
		return path + "?" + url.Values{"range": {rng}, "user_id": {in.Scope}}.Encode()
	}
}

// Routes は転送ルートの一覧を返す。
func Routes() []Route {
	return []Route{
		{Method: http.MethodPost, Path: "/analyze", Service: ServiceText, Target: fixed("/analyze")},
		{Method: http.MethodPost, Path: "/analyze-face", Service: ServiceFace, Target: fixed("/analyze_face")},
		{Method: http.MethodPost, Path: "/analyze-speech", Service: ServiceSpeech, Target: fixed("/analyze_speech"), Check: checkAudio},

		{Method: http.MethodGet, Path: "/journal/prompts", Service: ServiceJournal, Target: fixed("/journal/prompts")},
		{Method: http.MethodPost, Path: "/journal/analyze", Service: ServiceJournal, Target: fixed("/journal/analyze")},
		{Method: http.MethodPost, Path: "/journal/entry", Service: ServiceJournal, Scoped: true, Target: withScope("/journal/entry")},
		{Method: http.MethodGet, Path: "/journal/entries", Service: ServiceJournal, Scoped: true, Target: withRangeAndScope("/journal/entries")},
		{Method: http.MethodGet, Path: "/journal/insights", Service: ServiceJournal, Scoped: true, Target: withRangeAndScope("/journal/insights")},
		{Method: http.MethodDelete, Path: "/journal/entry/:id", Service: ServiceJournal, Target: func(in Inbound) string {
			return "/journal/entry/" + url.PathEscape(in.Params["id"])
		}},

		// 旧クライアント向けのルート
		{Method: http.MethodPost, Path: "/journal", Service: ServiceJournal, Target: fixed("/journal/entry")},
		{Method: http.MethodGet, Path: "/journal", Service: ServiceJournal, Scoped: true, Target: withScope("/journal/entries")},
		{Method: http.MethodGet, Path: "/journal-insights", Service: ServiceJournal, Scoped: true, Target: withScope("/journal/insights")},
	}
}

// checkAudio は音声分析のボディに十分な長さのaudio文字列があるかを検証する。
func checkAudio(body []byte) error {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if audio, ok := payload["audio"].(string); ok && len(audio) >= MinAudioLength {
			return nil
		}
	}
	return apperr.Validation(apperr.CodeInvalidAudio, "audioは必須です（1KB以上のbase64文字列）")
}
