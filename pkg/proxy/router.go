package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// ErrUpstreamUnavailable はバックエンドへの接続失敗、タイムアウト、
// またはサーキットブレーカーの開放により転送できなかったことを表す。
// このエラーが返った場合、レスポンスには何も書き込まれていない。
var ErrUpstreamUnavailable = errors.New("上流サービスが利用できません")

// BreakerSettings はバックエンドごとのサーキットブレーカー設定。
type BreakerSettings struct {
	// MaxFailures は開放までの連続失敗回数。
	MaxFailures uint32
	// OpenTimeout は開放状態から半開状態へ移るまでの時間。
	OpenTimeout time.Duration
}

// DefaultBreakerSettings は既定のブレーカー設定を返す。
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
	}
}

// StateChangeFunc はブレーカーの状態遷移を通知する関数。
type StateChangeFunc func(backend string, from, to gobreaker.State)

// Option はRouterの設定を変更する関数。
type Option func(*Router)

// WithTransport はバックエンドへの送信に使うトランスポートを指定する。
func WithTransport(rt http.RoundTripper) Option {
	return func(r *Router) {
		r.transport = rt
	}
}

// WithBreaker はサーキットブレーカーの設定を指定する。
func WithBreaker(s BreakerSettings) Option {
	return func(r *Router) {
		r.breaker = s
	}
}

// WithLogger はロガーを指定する。
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStateChange はブレーカーの状態遷移時に呼ばれる関数を指定する。
func WithStateChange(fn StateChangeFunc) Option {
	return func(r *Router) {
		r.onStateChange = fn
	}
}

// Router はルートテーブルに従ってリクエストをバックエンドへ中継する。
// 生成後は読み取り専用で、複数のゴルーチンから同時に使用できる。
type Router struct {
	table         *RouteTable
	backends      map[string]*backend
	transport     http.RoundTripper
	breaker       BreakerSettings
	logger        *zap.Logger
	onStateChange StateChangeFunc
}

// backend は1つの転送先に対応するプロキシとブレーカー。
type backend struct {
	route   Route
	proxy   *httputil.ReverseProxy
	breaker *gobreaker.CircuitBreaker
}

// NewRouter はルートテーブルからRouterを生成する。
func NewRouter(table *RouteTable, opts ...Option) *Router {
	r := &Router{
		table:     table,
		backends:  make(map[string]*backend),
		transport: http.DefaultTransport,
		breaker:   DefaultBreakerSettings(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, route := range table.Routes() {
		r.backends[route.Name] = r.newBackend(route)
	}
	return r
}

func (r *Router) newBackend(route Route) *backend {
	target := route.Target
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport:     r.transport,
		FlushInterval: -1,
		ErrorLog:      zap.NewStdLog(r.logger.With(zap.String("backend", route.Name))),
		ErrorHandler:  captureError,
	}

	maxFailures := r.breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        route.Name,
		MaxRequests: 1,
		Timeout:     r.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		IsSuccessful: func(err error) bool {
			// クライアント側の切断はバックエンドの障害として数えない
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("サーキットブレーカーの状態が変化しました",
				zap.String("backend", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if r.onStateChange != nil {
				r.onStateChange(name, from, to)
			}
		},
	})

	return &backend{route: route, proxy: rp, breaker: cb}
}

// Table はルートテーブルを返す。
func (r *Router) Table() *RouteTable {
	return r.table
}

// Match はパスに一致するルートを返す。
func (r *Router) Match(path string) (Route, bool) {
	return r.table.Match(path)
}

// Forward はリクエストパスに一致するバックエンドへリクエストを中継する。
//
// 一致するルートが無い場合は ErrNoRoute を返す。転送できなかった場合は
// ErrUpstreamUnavailable を返す。どちらの場合もwには何も書き込まない。
// バックエンドが応答した場合は、エラーステータスであってもそのまま中継してnilを返す。
func (r *Router) Forward(w http.ResponseWriter, req *http.Request) error {
	route, ok := r.table.Match(req.URL.Path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, req.URL.Path)
	}
	return r.ForwardTo(w, req, route)
}

// ForwardTo は指定したルートのバックエンドへリクエストを中継する。
func (r *Router) ForwardTo(w http.ResponseWriter, req *http.Request, route Route) error {
	b, ok := r.backends[route.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, route.Name)
	}

	holder := &errorHolder{}
	req = req.WithContext(context.WithValue(req.Context(), errorHolderKey{}, holder))

	_, err := b.breaker.Execute(func() (any, error) {
		b.proxy.ServeHTTP(relayWriter{w}, req)
		return nil, holder.err
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, route.Name, err)
	}
	return nil
}

// States はバックエンド名ごとのブレーカー状態を返す。
func (r *Router) States() map[string]gobreaker.State {
	states := make(map[string]gobreaker.State, len(r.backends))
	for name, b := range r.backends {
		states[name] = b.breaker.State()
	}
	return states
}

// relayWriter はReverseProxyに渡すResponseWriter。
// Header/Write/WriteHeader/Flushだけを公開し、CloseNotifierを隠す。
// ginなどのラッパーはCloseNotifierを実装していても内側が未対応だとパニックするため。
// 切断の検知はリクエストコンテキストで行う。
type relayWriter struct {
	http.ResponseWriter
}

func (w relayWriter) Flush() {
	_ = http.NewResponseController(w.ResponseWriter).Flush()
}

func (w relayWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// errorHolderKey はリクエストコンテキストにerrorHolderを格納するためのキー。
type errorHolderKey struct{}

// errorHolder はReverseProxyの転送エラーを呼び出し元へ戻すための入れ物。
// 1リクエストにつき1つ生成され、そのリクエストを処理するゴルーチンだけが触る。
type errorHolder struct {
	err error
}

// captureError はReverseProxyのErrorHandler。レスポンスには書き込まず、エラーを記録するだけ。
func captureError(_ http.ResponseWriter, req *http.Request, err error) {
	if h, ok := req.Context().Value(errorHolderKey{}).(*errorHolder); ok {
		h.err = err
	}
}
