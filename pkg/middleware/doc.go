// Package middleware はゲートウェイで使用するGinミドルウェアを提供する。
//
// セッショントークン（JWT）の発行と検証、相関IDの付与、アクセスログ、
// パニックリカバリ、CORS、ボディサイズ制限を含む。
package middleware
