// Package apperr はゲートウェイ全体で共有するエラー分類を提供する。
//
// 各コンポーネントは (値, error) を返し、error が *Error の場合は
// Kind と機械可読な Code を持つ。HTTP ステータスへの変換は gateway パッケージの
// 境界アダプタが一箇所で行う。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind はエラーの分類を表す。
type Kind string

const (
	// KindValidation は入力検証エラー。副作用の前に境界で拒否される。
	KindValidation Kind = "validation"
	// KindUnauthorized は認証エラー。
	KindUnauthorized Kind = "unauthorized"
	// KindNotFound は対象が存在しないことを表す。
	KindNotFound Kind = "not_found"
	// KindConflict は一意制約違反（メールアドレス重複など）。
	KindConflict Kind = "conflict"
	// KindTooLarge はリクエストボディのサイズ超過。
	KindTooLarge Kind = "too_large"
	// KindUpstream はプロキシ先サービスの到達不能・タイムアウト・非2xx応答。
	KindUpstream Kind = "upstream"
	// KindPersistence は永続化層の障害。詳細は外部に公開しない。
	KindPersistence Kind = "persistence"
)

// 機械可読なエラーコード。
const (
	CodeMissingField          = "missing_field"
	CodeInvalidRequest        = "invalid_request"
	CodeEmailAlreadyUsed      = "email_already_used"
	CodeSecretChanged         = "secret_changed"
	CodeInvalidCredentials    = "invalid_credentials"
	CodeNoSuchAccount         = "no_such_account"
	CodeInvalidOrExpiredToken = "invalid_or_expired_token"
	CodeWeakSecret            = "weak_secret"
	CodeUserNotFound          = "user_not_found"
	CodeInvalidUserID         = "invalid_user_id"
	CodeNotFoundOrNotComplete = "not_found_or_not_completed"
	CodeInvalidAudio          = "invalid_audio"
	CodeInvalidImage          = "invalid_image"
	CodeUnauthorized          = "unauthorized"
	CodePayloadTooLarge       = "payload_too_large"
	CodeUpstreamUnreachable   = "upstream_unreachable"
	CodeUpstreamTimeout       = "upstream_timeout"
	CodeUpstreamTooLarge      = "upstream_response_too_large"
	CodePersistence           = "persistence_error"
)

// Error はゲートウェイの境界を越えるエラー。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Code は機械可読なエラーコード。
	Code string
	// Message は利用者向けのメッセージ。
	Message string
	// Detail は外部に返してよい補足情報（プロキシの通信エラー文言など）。
	Detail string
	// Err は原因となったエラー。ログにのみ出力する。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Status はKindに対応するHTTPステータスコードを返す。
// メールアドレス重複は既存フロントエンドとの互換のため400を返す。
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation, KindConflict:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindUpstream:
		if e.Code == CodeUpstreamTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Validation は入力検証エラーを生成する。
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// NotFound は対象不在エラーを生成する。
func NotFound(code, message string) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: message}
}

// Conflict は一意制約違反エラーを生成する。
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Unauthorized は認証エラーを生成する。
func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Code: CodeUnauthorized, Message: message}
}

// TooLarge はボディサイズ超過エラーを生成する。
func TooLarge(err error) *Error {
	return &Error{Kind: KindTooLarge, Code: CodePayloadTooLarge, Message: "リクエストボディが大きすぎます", Err: err}
}

// Persistence は永続化層の障害をラップする。
func Persistence(err error) *Error {
	return &Error{Kind: KindPersistence, Code: CodePersistence, Message: "内部サーバーエラーが発生しました", Err: err}
}

// Upstream はプロキシ先との通信エラーを生成する。detailには通信エラーの文言を渡す。
func Upstream(code string, err error) *Error {
	msg := "内部サービスとの通信に失敗しました"
	if code == CodeUpstreamTimeout {
		msg = "内部サービスが時間内に応答しませんでした"
	}
	e := &Error{Kind: KindUpstream, Code: code, Message: msg, Err: err}
	if err != nil {
		e.Detail = err.Error()
	}
	return e
}

// As はerrが*Errorであれば取り出す。
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode はerrが指定コードの*Errorかどうかを判定する。
func IsCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// From は任意のエラーを*Errorに変換する。分類されていないエラーは永続化層の障害とみなす。
func From(err error) *Error {
	if appErr, ok := As(err); ok {
		return appErr
	}
	return Persistence(err)
}
