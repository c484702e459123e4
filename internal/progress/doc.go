// Package progress はユーザーごとの行動記録を管理する。
//
// チャレンジ完了と評価の記録は追記のみで保存し、カテゴリごとの進捗サマリーは
// 完了記録から導出する射影として扱う。サマリーはいつでも記録から再計算できる。
package progress
