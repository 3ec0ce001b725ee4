package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/bookhub/pkg/middleware"
)

// recordStage は実行順を記録するテスト用のStage。
type recordStage struct {
	name    string
	mu      *sync.Mutex
	order   *[]string
	abort   bool
	explode bool
}

func (s *recordStage) Name() string { return s.name }

func (s *recordStage) Handle(c *gin.Context) {
	s.mu.Lock()
	*s.order = append(*s.order, s.name)
	s.mu.Unlock()

	if s.explode {
		panic("stage failure")
	}
	if s.abort {
		c.AbortWithStatus(http.StatusTeapot)
		return
	}
	c.Next()
}

// newPipelineEngine はパイプラインをNoRouteに設定したGinエンジンを生成する。
func newPipelineEngine(logger *zap.Logger, p *Pipeline) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Recovery(logger))
	engine.NoRoute(p.Handlers()...)
	return engine
}

func TestPipeline(t *testing.T) {
	t.Parallel()

	t.Run("Stageが定義順に実行されること", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		var order []string
		stage := func(name string) *recordStage {
			return &recordStage{name: name, mu: &mu, order: &order}
		}
		p := NewPipeline(stage("first"), stage("second"), stage("third"))

		rec := httptest.NewRecorder()
		newPipelineEngine(zap.NewNop(), p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/any", nil))

		if got := strings.Join(order, ","); got != "first,second,third" {
			t.Errorf("実行順 = %q, want %q", got, "first,second,third")
		}
		if got := strings.Join(p.Names(), ","); got != "first,second,third" {
			t.Errorf("Names() = %q, want %q", got, "first,second,third")
		}
	})

	t.Run("打ち切ったStageより後は実行されないこと", func(t *testing.T) {
		t.Parallel()

		var mu sync.Mutex
		var order []string
		p := NewPipeline(
			&recordStage{name: "first", mu: &mu, order: &order},
			&recordStage{name: "stop", mu: &mu, order: &order, abort: true},
			&recordStage{name: "never", mu: &mu, order: &order},
		)

		rec := httptest.NewRecorder()
		newPipelineEngine(zap.NewNop(), p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/any", nil))

		if rec.Code != http.StatusTeapot {
			t.Errorf("ステータスコード = %d, want %d", rec.Code, http.StatusTeapot)
		}
		if got := strings.Join(order, ","); got != "first,stop" {
			t.Errorf("実行順 = %q, want %q", got, "first,stop")
		}
	})

	t.Run("パニックしたリクエストも500としてアクセスログに記録されること", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.InfoLevel)
		logger := zap.New(core)

		var mu sync.Mutex
		var order []string
		p := NewPipeline(
			&accessLogStage{logger: logger},
			&recordStage{name: "boom", mu: &mu, order: &order, explode: true},
		)

		rec := httptest.NewRecorder()
		newPipelineEngine(logger, p).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("ステータスコード = %d, want %d", rec.Code, http.StatusInternalServerError)
		}

		entries := logs.FilterMessage("request").All()
		if len(entries) != 1 {
			t.Fatalf("アクセスログの件数 = %d, want 1", len(entries))
		}
		if entries[0].Level != zapcore.ErrorLevel {
			t.Errorf("Level = %v, want %v", entries[0].Level, zapcore.ErrorLevel)
		}
		if got := entries[0].ContextMap()["status"]; got != int64(http.StatusInternalServerError) {
			t.Errorf("status = %v, want %d", got, http.StatusInternalServerError)
		}
	})
}
