package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/nao1215/bookhub/internal/config"
	"github.com/nao1215/bookhub/pkg/httpclient"
	"github.com/nao1215/bookhub/pkg/middleware"
	"github.com/nao1215/bookhub/pkg/proxy"
	"github.com/nao1215/bookhub/pkg/ratelimit"
)

// Deps はServerが使う依存オブジェクト。起動時に生成して注入する。
type Deps struct {
	Verifier *middleware.Verifier
	Limiter  *ratelimit.Limiter
	Router   *proxy.Router
	// Transport はヘルスチェックの疎通確認に使う。nilの場合はhttp.DefaultTransport。
	Transport http.RoundTripper
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	cfg        *config.Config
	engine     *gin.Engine
	handler    http.Handler
	httpServer *http.Server
	logger     *zap.Logger
	limiter    *ratelimit.Limiter
	router     *proxy.Router
	reporter   *Reporter
	pipeline   *Pipeline
	metrics    *metrics
	// closers はClose時に逆順で呼び出す後始末。
	closers []func() error
}

// New は設定から依存オブジェクトを生成してServerを組み立てる。
// USE_FAKEREDIS=true の場合はプロセス内にRedis互換サーバーを起動する。
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var closers []func() error
	fail := func(err error) (*Server, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	redisURL := cfg.Redis.URL
	if cfg.Redis.UseFake {
		mr, err := miniredis.Run()
		if err != nil {
			return fail(fmt.Errorf("組み込みRedisの起動に失敗: %w", err))
		}
		closers = append(closers, func() error { mr.Close(); return nil })
		redisURL = "redis://" + mr.Addr()
		logger.Warn("組み込みRedisを使用します。カウンタは他のゲートウェイと共有されません", zap.String("addr", mr.Addr()))
	}

	store, err := ratelimit.Dial(ctx, redisURL, cfg.RateLimit.KeyPrefix, cfg.RateLimit.Timeout)
	if err != nil {
		if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
			return fail(err)
		}
		// 起動時に到達できなくても、リクエストごとに接続を試みる
		logger.Warn("レート制限ストアに接続できません", zap.Error(err))
		if store, err = ratelimit.Open(redisURL, cfg.RateLimit.KeyPrefix, cfg.RateLimit.Timeout); err != nil {
			return fail(err)
		}
	}

	limiter, err := ratelimit.NewLimiter(store, ratelimit.Policy{
		AdminLimit:     cfg.RateLimit.Admin,
		UserLimit:      cfg.RateLimit.User,
		AnonymousLimit: cfg.RateLimit.Anonymous,
		Window:         cfg.RateLimit.Window,
	},
		ratelimit.WithTimeout(cfg.RateLimit.Timeout),
		ratelimit.WithFailOpen(cfg.RateLimit.FailOpen),
		ratelimit.WithLogger(logger),
	)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	closers = append(closers, limiter.Close)

	routes, err := cfg.ProxyRoutes()
	if err != nil {
		return fail(err)
	}
	table, err := proxy.NewRouteTable(routes)
	if err != nil {
		return fail(err)
	}

	tc := httpclient.DefaultTransportConfig()
	if cfg.Upstream.DialTimeout > 0 {
		tc.DialTimeout = cfg.Upstream.DialTimeout
	}
	if cfg.Upstream.Timeout > 0 {
		tc.ResponseHeaderTimeout = cfg.Upstream.Timeout
	}
	transport := httpclient.NewTransport(tc)

	m := newMetrics()
	router := proxy.NewRouter(table,
		proxy.WithTransport(transport),
		proxy.WithBreaker(proxy.BreakerSettings{
			MaxFailures: cfg.Upstream.BreakerFailures,
			OpenTimeout: cfg.Upstream.BreakerOpenTimeout,
		}),
		proxy.WithLogger(logger),
		proxy.WithStateChange(m.observeBreaker),
	)

	verifier := middleware.NewVerifier(cfg.Auth.SecretKey,
		middleware.WithAlgorithm(cfg.Auth.Algorithm),
		middleware.WithLeeway(cfg.Auth.Leeway),
	)

	s := newServer(cfg, logger, Deps{
		Verifier:  verifier,
		Limiter:   limiter,
		Router:    router,
		Transport: transport,
	}, m)
	s.closers = closers
	return s, nil
}

// NewWithDeps は生成済みの依存オブジェクトからServerを組み立てる。
// Closeは依存オブジェクトを閉じない。
func NewWithDeps(cfg *config.Config, logger *zap.Logger, deps Deps) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return newServer(cfg, logger, deps, newMetrics())
}

func newServer(cfg *config.Config, logger *zap.Logger, deps Deps, m *metrics) *Server {
	transport := deps.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	checks := backendChecks(deps.Router, transport, cfg.Health.ProbePath, cfg.Upstream.Timeout)
	checks = append(checks, storeCheck(deps.Limiter))
	m.watchBreakers(deps.Router)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		limiter:  deps.Limiter,
		router:   deps.Router,
		reporter: NewReporter(checks, cfg.Health.ProbeInterval, logger),
		metrics:  m,
	}

	accessLog := &accessLogStage{logger: logger, metrics: m}
	s.pipeline = NewPipeline(
		accessLog,
		newAuthStage(deps.Verifier, deps.Router.Table()),
		&rateLimitStage{limiter: deps.Limiter, metrics: m},
		&routeStage{router: deps.Router, metrics: m},
	)

	s.engine = s.newEngine(accessLog)
	s.handler = otelhttp.NewHandler(s.engine, "gateway")
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort("", cfg.Server.Port),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger),
	}
	return s
}

// newEngine はGinエンジンを組み立てる。
// 運用エンドポイント以外の全てのパスはNoRouteとしてパイプラインで処理する。
func (s *Server) newEngine(accessLog Stage) *gin.Engine {
	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	engine.HandleMethodNotAllowed = false
	// X-Forwarded-Forは信用せず、接続元アドレスをクライアントIPとする
	_ = engine.SetTrustedProxies(nil)

	engine.Use(middleware.Recovery(s.logger))
	engine.Use(middleware.RequestID())
	// CORSのプリフライトや運用エンドポイントも記録する
	engine.Use(accessLog.Handle)
	engine.Use(middleware.CORS(s.cfg.CORS.AllowedOrigins))

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(s.metrics.handler()))

	engine.NoRoute(s.pipeline.Handlers()...)
	return engine
}

// handleHealth は依存先の状態を返す。全て正常なら200、それ以外は503。
func (s *Server) handleHealth(c *gin.Context) {
	report := s.reporter.Report()
	status := http.StatusOK
	if report.Status != StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

// Handler はトレース計装済みのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Reporter はヘルスレポーターを返す。
func (s *Server) Reporter() *Reporter {
	return s.reporter
}

// Pipeline はリクエストパイプラインを返す。
func (s *Server) Pipeline() *Pipeline {
	return s.pipeline
}

// Run はctxが終了するまでHTTPサーバーを動かし、終了後はSHUTDOWN_TIMEOUT以内に停止する。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("リッスンに失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve は指定したリスナーでHTTPサーバーを動かす。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	probeCtx, stopProbe := context.WithCancel(ctx)
	defer stopProbe()
	go s.reporter.Run(probeCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ゲートウェイを起動しました", zap.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTPサーバーが異常終了しました: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("ゲートウェイを停止しています")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	return nil
}

// Close はNewで生成した依存オブジェクトを解放する。
func (s *Server) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
