// Package ratelimit は共有カウンタストアを使った固定ウィンドウ方式のレート制限を提供する。
//
// カウンタは呼び出し元の識別子（"user:<id>" または "ip:<address>"）ごとにRedisへ保存され、
// 最初のリクエストで count=1 とウィンドウ長のTTLで作成される。TTLが切れるまで
// 上限に達したリクエストは加算せずに拒否する。判定と加算は1つのLuaスクリプトで
// 原子的に実行されるため、複数のゲートウェイインスタンスで同じ予算を共有できる。
//
// 固定ウィンドウのため、ウィンドウ境界をまたぐと最大で上限の2倍のリクエストが
// 短時間に許可される。これは想定された挙動である。
package ratelimit
