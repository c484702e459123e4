// Package proxy は分析サービスへのリクエスト転送を提供する。
//
// 受け付けたパスを転送先サービスのパスとクエリに変換し、メソッドとJSONボディを
// そのまま転送する。転送先のステータスとボディは加工せずに返す。
// 転送するリクエストには受信時に採番した相関IDを付与する。
package proxy
