// Package notification はユーザーへのメール通知を提供する。
//
// パスワードリセットURLの送信とパスワード変更完了の通知を行う。
// 送信はSMTPで行い、SMTPが設定されていない環境ではログ出力のみ行う。
// Asyncでラップすると送信はバックグラウンドで行われ、呼び出し元を待たせない。
package notification
