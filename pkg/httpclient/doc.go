// Package httpclient はゲートウェイからバックエンドサービスへのHTTP通信を提供する。
//
// リバースプロキシが使うトランスポート（接続・応答待ちのタイムアウトとトレース伝播）と、
// ヘルスチェックでバックエンドの疎通を確認するためのJSONクライアントを含む。
package httpclient
