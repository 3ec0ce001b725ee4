package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable はカウンタストアに到達できない、またはタイムアウトしたことを表す。
var ErrStoreUnavailable = errors.New("レート制限ストアに接続できません")

// Store はレート制限カウンタを保存する共有ストア。
type Store interface {
	// Admit はkeyのカウンタを判定し、上限未満なら原子的に加算する。
	// カウンタが存在しなければ count=1、TTL=window で作成して許可する。
	Admit(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)
	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
	// Close はストアとの接続を解放する。
	Close() error
}

// Decision はレート制限の判定結果。
type Decision struct {
	// Allowed はリクエストを許可したかどうか。
	Allowed bool
	// Key は判定に使ったカウンタのキー。
	Key string
	// Limit はウィンドウあたりの上限。
	Limit int64
	// Count は判定後のカウンタ値。
	Count int64
	// ResetAfter はカウンタが失効するまでの残り時間。
	ResetAfter time.Duration
	// FailOpen はストア障害のため判定せずに許可した場合にtrue。
	FailOpen bool
}

// Remaining はウィンドウ内の残りリクエスト数を返す。
func (d Decision) Remaining() int64 {
	if r := d.Limit - d.Count; r > 0 {
		return r
	}
	return 0
}
