package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nao1215/bookhub/pkg/httpclient"
	"github.com/nao1215/bookhub/pkg/proxy"
	"github.com/nao1215/bookhub/pkg/ratelimit"
)

// Status は依存先の状態。
type Status string

const (
	// StatusHealthy は正常。
	StatusHealthy Status = "healthy"
	// StatusDegraded は一部の依存先が利用できない、または回復を確認中。
	StatusDegraded Status = "degraded"
	// StatusUnhealthy は利用できないことが分かっている。
	StatusUnhealthy Status = "unhealthy"
)

// Check は1つの依存先の状態の取得方法。
type Check struct {
	// Name はレポートに表示する名前。
	Name string
	// Known はリクエスト処理の過程で分かった状態を返す。nilの場合は使わない。
	Known func() Status
	// Probe はバックグラウンドで実行する疎通確認。nilの場合は使わない。
	Probe func(ctx context.Context) error
}

// HealthReport は /health のレスポンス。
type HealthReport struct {
	Status   Status            `json:"status"`
	Services map[string]Status `json:"services"`
}

// Reporter は依存先の状態を集約する。
//
// 疎通確認はRunで起動したゴルーチンが一定間隔で行い、結果をキャッシュする。
// Reportはキャッシュと受動的な状態を組み合わせるだけで、ネットワークにはアクセスしない。
// 一度も確認していない依存先は正常とみなす。
type Reporter struct {
	checks       []Check
	interval     time.Duration
	probeTimeout time.Duration
	logger       *zap.Logger

	mu      sync.RWMutex
	results map[string]error
}

// NewReporter は新しいReporterを生成する。intervalが0以下の場合、Runは疎通確認を行わない。
func NewReporter(checks []Check, interval time.Duration, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := 2 * time.Second
	if interval > 0 && interval < timeout {
		timeout = interval
	}
	return &Reporter{
		checks:       checks,
		interval:     interval,
		probeTimeout: timeout,
		logger:       logger,
		results:      make(map[string]error),
	}
}

// Run はctxが終了するまで定期的に疎通確認を行う。
func (r *Reporter) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}

	r.ProbeAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ProbeAll(ctx)
		}
	}
}

// ProbeAll は全ての依存先の疎通確認を並行に実行し、結果を記録する。
func (r *Reporter) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range r.checks {
		if c.Probe == nil {
			continue
		}
		wg.Add(1)
		go func(c Check) {
			defer wg.Done()

			pctx, cancel := context.WithTimeout(ctx, r.probeTimeout)
			defer cancel()
			err := c.Probe(pctx)

			r.mu.Lock()
			prev, seen := r.results[c.Name]
			r.results[c.Name] = err
			r.mu.Unlock()

			if err != nil && (!seen || prev == nil) {
				r.logger.Warn("依存先の疎通確認に失敗しました", zap.String("service", c.Name), zap.Error(err))
			}
			if err == nil && seen && prev != nil {
				r.logger.Info("依存先の疎通が回復しました", zap.String("service", c.Name))
			}
		}(c)
	}
	wg.Wait()
}

// Report は現在の状態を集約して返す。
func (r *Reporter) Report() HealthReport {
	report := HealthReport{
		Status:   StatusHealthy,
		Services: make(map[string]Status, len(r.checks)),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.checks {
		status := StatusHealthy
		if c.Known != nil {
			status = c.Known()
		}
		if err := r.results[c.Name]; err != nil {
			status = StatusUnhealthy
		}
		report.Services[c.Name] = status
		if status != StatusHealthy {
			report.Status = StatusDegraded
		}
	}
	return report
}

// breakerStatus はブレーカーの状態を依存先の状態に変換する。
func breakerStatus(s gobreaker.State) Status {
	switch s {
	case gobreaker.StateOpen:
		return StatusUnhealthy
	case gobreaker.StateHalfOpen:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// backendChecks はルートごとのCheckを組み立てる。
// 受動的な状態はブレーカー、疎通確認はprobePathへのGETで判断する。
// timeoutが正の場合、1回の疎通確認の上限時間になる。
func backendChecks(router *proxy.Router, transport http.RoundTripper, probePath string, timeout time.Duration) []Check {
	routes := router.Table().Routes()
	checks := make([]Check, 0, len(routes))
	opts := []httpclient.Option{httpclient.WithTransport(transport)}
	if timeout > 0 {
		opts = append(opts, httpclient.WithTimeout(timeout))
	}
	for _, route := range routes {
		name := route.Name
		client := httpclient.New(route.Target.String(), opts...)
		checks = append(checks, Check{
			Name: name,
			Known: func() Status {
				return breakerStatus(router.States()[name])
			},
			Probe: func(ctx context.Context) error {
				err := client.GetJSON(ctx, probePath, nil)
				// 4xxはサービスが応答しているので疎通ありとみなす
				var se *httpclient.StatusError
				if errors.As(err, &se) && se.StatusCode < 500 {
					return nil
				}
				return err
			},
		})
	}
	return checks
}

// storeCheck はレート制限カウンタストアのCheckを返す。
func storeCheck(limiter *ratelimit.Limiter) Check {
	return Check{
		Name: "redis",
		Known: func() Status {
			if limiter.Available() {
				return StatusHealthy
			}
			return StatusUnhealthy
		},
		Probe: limiter.Ping,
	}
}
