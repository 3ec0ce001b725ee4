// Package gateway はBookHubのエッジゲートウェイを提供する。
//
// 全てのリクエストは アクセスログ → 認証 → レート制限 → 転送 の順にパイプラインを通る。
// /health と /metrics は運用向けのエンドポイントで、アクセスログのみ記録し、
// 認証・レート制限・転送の対象にしない。
package gateway
