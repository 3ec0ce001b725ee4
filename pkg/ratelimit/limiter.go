package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Policy は呼び出し元の種類ごとのレート制限値。
type Policy struct {
	// AdminLimit は管理者ユーザーのウィンドウあたり上限。
	AdminLimit int64
	// UserLimit は一般ユーザーのウィンドウあたり上限。
	UserLimit int64
	// AnonymousLimit は匿名（IPアドレス単位）のウィンドウあたり上限。
	AnonymousLimit int64
	// Window はカウンタのウィンドウ長。
	Window time.Duration
}

// DefaultPolicy は既定のレート制限値を返す。
func DefaultPolicy() Policy {
	return Policy{
		AdminLimit:     500,
		UserLimit:      100,
		AnonymousLimit: 20,
		Window:         time.Minute,
	}
}

// Validate はPolicyの値が有効かどうかを検証する。
func (p Policy) Validate() error {
	if p.AdminLimit <= 0 || p.UserLimit <= 0 || p.AnonymousLimit <= 0 {
		return errors.New("レート制限の上限は1以上である必要があります")
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("ウィンドウ長が短すぎます: %v", p.Window)
	}
	return nil
}

// Identity はレート制限の対象となる呼び出し元。
// UserIDが空の場合は匿名としてClientIPで識別する。
type Identity struct {
	// UserID は認証済みユーザーのID。
	UserID string
	// IsAdmin は管理者権限を持つかどうか。
	IsAdmin bool
	// ClientIP はクライアントのIPアドレス。
	ClientIP string
}

// Resolve は呼び出し元に対応するカウンタのキーと上限を返す。
func (p Policy) Resolve(id Identity) (string, int64) {
	if id.UserID != "" {
		if id.IsAdmin {
			return "user:" + id.UserID, p.AdminLimit
		}
		return "user:" + id.UserID, p.UserLimit
	}
	return "ip:" + id.ClientIP, p.AnonymousLimit
}

// Limiter は共有ストアを使って呼び出し元ごとのリクエスト数を制限する。
type Limiter struct {
	// store はカウンタを保存する共有ストア。
	store Store
	// policy は呼び出し元の種類ごとの上限。
	policy Policy
	// timeout はストア呼び出し1回あたりの上限時間。
	timeout time.Duration
	// failOpen はストア障害時にリクエストを許可するかどうか。
	failOpen bool
	// logger はロガー。
	logger *zap.Logger
	// available は直近のストア呼び出しが成功したかどうか。
	available atomic.Bool
}

// Option はLimiterの設定を変更する関数。
type Option func(*Limiter)

// WithTimeout はストア呼び出しのタイムアウトを指定する。
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.timeout = d
	}
}

// WithFailOpen はストア障害時にリクエストを許可する（fail-open）かどうかを指定する。
// 既定はfail-closedで、ストア障害時は ErrStoreUnavailable を返す。
func WithFailOpen(failOpen bool) Option {
	return func(l *Limiter) {
		l.failOpen = failOpen
	}
}

// WithLogger はロガーを指定する。
func WithLogger(logger *zap.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLimiter は新しいLimiterを生成する。
func NewLimiter(store Store, policy Policy, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ストアが指定されていません")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	l := &Limiter{
		store:   store,
		policy:  policy,
		timeout: 500 * time.Millisecond,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.available.Store(true)
	return l, nil
}

// Policy は設定済みのレート制限値を返す。
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow は呼び出し元のリクエストを許可するかどうかを判定する。
//
// ストアに到達できない場合、fail-closed（既定）では ErrStoreUnavailable を返し、
// fail-openでは警告を記録したうえで FailOpen=true の許可判定を返す。
func (l *Limiter) Allow(ctx context.Context, id Identity) (Decision, error) {
	key, limit := l.policy.Resolve(id)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	decision, err := l.store.Admit(ctx, key, limit, l.policy.Window)
	if err != nil {
		l.available.Store(false)
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		if l.failOpen {
			l.logger.Warn("レート制限ストアに接続できないため判定せずに許可します",
				zap.String("key", key),
				zap.Error(err),
			)
			return Decision{Allowed: true, Key: key, Limit: limit, FailOpen: true}, nil
		}
		return Decision{Key: key, Limit: limit}, err
	}

	l.available.Store(true)
	return decision, nil
}

// Available は直近のストア呼び出しが成功していればtrueを返す。
func (l *Limiter) Available() bool {
	return l.available.Load()
}

// Ping はストアへの疎通を確認し、結果を可用性に反映する。
func (l *Limiter) Ping(ctx context.Context) error {
	err := l.store.Ping(ctx)
	l.available.Store(err == nil)
	return err
}

// Close はストアを閉じる。
func (l *Limiter) Close() error {
	return l.store.Close()
}
