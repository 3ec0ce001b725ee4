// Package proxy はパス接頭辞によるバックエンド選択と、リバースプロキシによる中継を提供する。
//
// ルートテーブルは起動時に固定され、以後は読み取り専用として並行に参照される。
// 中継はボディをバッファリングせずにストリーミングし、バックエンドの応答ステータスは
// そのまま呼び出し元へ返す。接続失敗・タイムアウト・サーキットブレーカー開放は
// ErrUpstreamUnavailable として区別して返し、レスポンスには何も書き込まない。
package proxy
