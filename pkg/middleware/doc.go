// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンの検証（Verifier）、リクエストIDの付与、パニックリカバリ、
// CORS設定など、ゲートウェイのリクエストパイプラインの前後で使用する部品を含む。
package middleware
