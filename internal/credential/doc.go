// Package credential はユーザー資格情報のライフサイクルを管理する。
//
// 登録、ログイン（セッショントークン発行）、パスワードリセットトークンの
// 発行・検証・消費、プロフィール更新を担当する。パスワードはbcryptで、
// リセットトークンはblake3でハッシュ化してから保存し、生の値は保存しない。
// メールアドレスの一意性はusersテーブルの一意インデックスで保証する。
package credential
