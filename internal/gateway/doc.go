// Package gateway はFeelWiseのAPIゲートウェイを提供する。
//
// 認証とユーザー管理（/api/auth）、進捗記録（/api/progress）はゲートウェイ内で処理し、
// 分析サービスとジャーナルサービスへのリクエストは相関IDを付けて転送する。
// 外部からアクセス可能な唯一のサービスであり、CORSとボディサイズの制限もここで行う。
package gateway
