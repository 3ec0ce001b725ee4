package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nao1215/bookhub/pkg/middleware"
	"github.com/nao1215/bookhub/pkg/proxy"
	"github.com/nao1215/bookhub/pkg/ratelimit"
)

// Stage はリクエストパイプラインの1段。
// Handleは次の段へ進む場合にc.Next()を呼び、打ち切る場合はc.Abort系を呼ぶ。
type Stage interface {
	Name() string
	Handle(c *gin.Context)
}

// Pipeline は起動時に組み立てる順序付きのStage列。
type Pipeline struct {
	stages []Stage
}

// NewPipeline は指定した順にStageを並べたPipelineを生成する。
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Names はStage名を実行順に返す。
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Handlers はGinのハンドラチェーンに変換する。
func (p *Pipeline) Handlers() gin.HandlersChain {
	chain := make(gin.HandlersChain, len(p.stages))
	for i, s := range p.stages {
		chain[i] = s.Handle
	}
	return chain
}

// コンテキストキー
const (
	contextKeyRateKey = "rate_key"
	contextKeyRoute   = "route"
	contextKeyLogged  = "access_logged"
)

// accessLogStage は全段を包み、最終的なステータスと処理時間を記録する。
type accessLogStage struct {
	logger  *zap.Logger
	metrics *metrics
}

func (s *accessLogStage) Name() string { return "access_log" }

func (s *accessLogStage) Handle(c *gin.Context) {
	// エンジン全体とパイプラインの両方に置かれても記録は1リクエスト1件
	if c.GetBool(contextKeyLogged) {
		c.Next()
		return
	}
	c.Set(contextKeyLogged, true)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			// 外側のRecoveryが500を返す
			s.record(c, http.StatusInternalServerError, time.Since(start))
			panic(r)
		}
	}()

	c.Next()

	s.record(c, c.Writer.Status(), time.Since(start))
}

func (s *accessLogStage) record(c *gin.Context, status int, latency time.Duration) {
	route := c.GetString(contextKeyRoute)

	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", status),
		zap.Duration("latency", latency),
		zap.String("client_ip", c.ClientIP()),
		zap.String("request_id", middleware.GetRequestID(c)),
	}
	if key := c.GetString(contextKeyRateKey); key != "" {
		fields = append(fields, zap.String("rate_key", key))
	}
	if route != "" {
		fields = append(fields, zap.String("route", route))
	}
	if len(c.Errors) > 0 {
		fields = append(fields, zap.String("error", c.Errors.Last().Error()))
	}

	level := zapcore.InfoLevel
	switch {
	case status >= 500:
		level = zapcore.ErrorLevel
	case status >= 400:
		level = zapcore.WarnLevel
	}
	if ce := s.logger.Check(level, "request"); ce != nil {
		ce.Write(fields...)
	}

	if s.metrics != nil {
		s.metrics.observeRequest(route, c.Request.Method, status, latency.Seconds())
	}
}

// authStage はBearerトークンを検証し、Claimsをコンテキストに設定する。
// トークンが無い場合は匿名として進める。ただしRequireAuthのルートは401で打ち切る。
type authStage struct {
	handler gin.HandlerFunc
}

func newAuthStage(verifier *middleware.Verifier, routes *proxy.RouteTable) *authStage {
	return &authStage{
		handler: middleware.Authenticate(verifier, func(c *gin.Context) bool {
			route, ok := routes.Match(c.Request.URL.Path)
			return ok && route.RequireAuth
		}),
	}
}

func (s *authStage) Name() string { return "auth" }

func (s *authStage) Handle(c *gin.Context) {
	s.handler(c)
}

// rateLimitStage は呼び出し元ごとのリクエスト数を制限する。
type rateLimitStage struct {
	limiter *ratelimit.Limiter
	metrics *metrics
}

func (s *rateLimitStage) Name() string { return "rate_limit" }

func (s *rateLimitStage) Handle(c *gin.Context) {
	id := ratelimit.Identity{ClientIP: c.ClientIP()}
	if claims := middleware.ClaimsFrom(c); claims != nil {
		id.UserID = claims.UserID
		id.IsAdmin = claims.IsAdmin
	}

	decision, err := s.limiter.Allow(c.Request.Context(), id)
	c.Set(contextKeyRateKey, decision.Key)
	if err != nil {
		s.count("error")
		abortWithError(c, err)
		return
	}
	if decision.FailOpen {
		s.count("fail_open")
		c.Next()
		return
	}

	c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining(), 10))
	if !decision.Allowed {
		s.count("rejected")
		c.Header("Retry-After", strconv.FormatInt(retryAfterSeconds(decision.ResetAfter), 10))
		abortWithError(c, errRateLimited)
		return
	}
	s.count("allowed")
	c.Next()
}

func (s *rateLimitStage) count(outcome string) {
	if s.metrics != nil {
		s.metrics.rateLimitDecisions.WithLabelValues(outcome).Inc()
	}
}

// retryAfterSeconds はRetry-Afterヘッダー用に残り時間を秒単位へ切り上げる。
func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 1
	}
	return int64((d + time.Second - 1) / time.Second)
}

// routeStage は一致したバックエンドへリクエストを中継する。
type routeStage struct {
	router  *proxy.Router
	metrics *metrics
}

func (s *routeStage) Name() string { return "route" }

func (s *routeStage) Handle(c *gin.Context) {
	route, ok := s.router.Match(c.Request.URL.Path)
	if !ok {
		abortWithError(c, proxy.ErrNoRoute)
		return
	}
	c.Set(contextKeyRoute, route.Name)

	middleware.ForwardUserID(c)

	if err := s.router.ForwardTo(c.Writer, c.Request, route); err != nil {
		if s.metrics != nil {
			s.metrics.upstreamFailures.WithLabelValues(route.Name).Inc()
		}
		abortWithError(c, err)
		return
	}
	// ボディが空の応答でもバックエンドのステータスを確定させる
	c.Writer.WriteHeaderNow()
}
