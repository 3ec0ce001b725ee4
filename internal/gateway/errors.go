package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/bookhub/pkg/middleware"
	"github.com/nao1215/bookhub/pkg/proxy"
	"github.com/nao1215/bookhub/pkg/ratelimit"
)

// errRateLimited はレート制限の上限を超えたことを表す。
var errRateLimited = errors.New("リクエスト数が上限を超えました")

// statusFor はパイプラインで発生したエラーをHTTPステータスとクライアント向けメッセージに変換する。
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, middleware.ErrInvalidToken):
		return http.StatusUnauthorized, middleware.ErrInvalidToken.Error()
	case errors.Is(err, middleware.ErrAuthRequired):
		return http.StatusUnauthorized, middleware.ErrAuthRequired.Error()
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, errRateLimited.Error()
	case errors.Is(err, proxy.ErrNoRoute):
		return http.StatusNotFound, proxy.ErrNoRoute.Error()
	case errors.Is(err, proxy.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, proxy.ErrUpstreamUnavailable.Error()
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "レート制限を判定できません"
	default:
		return http.StatusInternalServerError, "内部サーバーエラーが発生しました"
	}
}

// abortWithError はエラーをコンテキストに記録し、JSONのエラーレスポンスで処理を打ち切る。
// 既にレスポンスの書き込みが始まっている場合は打ち切るだけにする。
func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	if c.Writer.Written() {
		c.Abort()
		return
	}
	status, msg := statusFor(err)
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
