package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken はBearerトークンが提示されたが検証に失敗したことを表す。
// 署名不一致、期限切れ、ペイロード不正のいずれもこのエラーにラップされる。
var ErrInvalidToken = errors.New("トークンが無効です")

// ErrAuthRequired は認証必須のリソースに匿名でアクセスしたことを表す。
var ErrAuthRequired = errors.New("認証が必要です")

// Claims は検証済みのJWTクレーム。
// リクエストごとに復号され、そのリクエストの処理中のみ有効。永続化はしない。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// IsAdmin は管理者権限を持つかどうか。
	IsAdmin bool `json:"is_admin"`
	// Email はユーザーのメールアドレス。認証サービスが付与した場合のみ存在する。
	Email string `json:"email,omitempty"`
}

// headerKeyUserID はサービス間でユーザーIDを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// contextKeyClaims はGinコンテキストにClaimsを格納するためのキー。
const contextKeyClaims = "claims"

// bearerPrefix はAuthorizationヘッダーのBearerスキーム接頭辞。
const bearerPrefix = "Bearer "

// Verifier は共有シークレットでBearerトークンを検証する。
// 認証サービスをネットワーク越しに呼び出さず、ローカルで検証を完結させる。
type Verifier struct {
	// secret はHMAC署名用の共有シークレット。
	secret []byte
	// algorithm は受け入れる署名アルゴリズム名（例: "HS256"）。
	algorithm string
	// leeway は有効期限判定で許容する時計のずれ。
	leeway time.Duration
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
}

// VerifierOption はVerifierの設定を変更する関数。
type VerifierOption func(*Verifier)

// WithAlgorithm は受け入れる署名アルゴリズムを指定する。
func WithAlgorithm(alg string) VerifierOption {
	return func(v *Verifier) {
		v.algorithm = alg
	}
}

// WithLeeway は有効期限判定の許容誤差を指定する。
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// NewVerifier は新しいVerifierを生成する。アルゴリズムの既定値はHS256。
func NewVerifier(secret string, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		secret:    []byte(secret),
		algorithm: jwt.SigningMethodHS256.Alg(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify はAuthorizationヘッダーの値を検証してClaimsを返す。
//
// ヘッダーが空、またはBearer形式でない場合は (nil, nil) を返す。これは匿名アクセスであり
// エラーではない。Bearerトークンが提示されたのに検証できない場合は ErrInvalidToken を返し、
// 部分的なClaimsは返さない。
func (v *Verifier) Verify(header string) (*Claims, error) {
	tokenString, found := strings.CutPrefix(header, bearerPrefix)
	if !found {
		return nil, nil
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.algorithm}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(strings.TrimSpace(tokenString), claims, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: user_idクレームがありません", ErrInvalidToken)
	}
	return claims, nil
}

// TokenParams はGenerateJWTで発行するトークンの内容。
type TokenParams struct {
	// Subject はトークンの主体（ユーザー名）。
	Subject string
	// UserID はユーザーの一意識別子。
	UserID string
	// IsAdmin は管理者権限を持つかどうか。
	IsAdmin bool
	// TTL はトークンの有効期間。0の場合は1時間。
	TTL time.Duration
	// Algorithm は署名アルゴリズム。空の場合はHS256。
	Algorithm string
}

// GenerateJWT は認証サービスと同じ形式のJWTトークンを生成する。
// 開発用トークン発行コマンドとテストから呼び出す。
func GenerateJWT(secret string, p TokenParams) (string, error) {
	ttl := p.TTL
	if ttl == 0 {
		ttl = time.Hour
	}

	method := jwt.GetSigningMethod(p.Algorithm)
	if p.Algorithm == "" {
		method = jwt.SigningMethodHS256
	}
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return "", fmt.Errorf("HMAC以外の署名アルゴリズムには対応していません: %q", p.Algorithm)
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID:  p.UserID,
		IsAdmin: p.IsAdmin,
	}

	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Authenticate はBearerトークンからClaimsを取り出すGinミドルウェアを返す。
// トークンが無い場合は匿名として次へ進み、無効なトークンの場合は401で中断する。
// requiredがtrueを返すリクエストは匿名だと401で中断する。nilなら匿名を常に許可する。
// 中断の理由はc.Errorで記録する。
func Authenticate(v *Verifier, required func(c *gin.Context) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := v.Verify(c.GetHeader("Authorization"))
		if err != nil {
			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": ErrInvalidToken.Error(),
			})
			return
		}
		if claims == nil {
			if required != nil && required(c) {
				_ = c.Error(ErrAuthRequired)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": ErrAuthRequired.Error(),
				})
				return
			}
			c.Next()
			return
		}
		SetClaims(c, claims)
		c.Next()
	}
}

// SetClaims はGinコンテキストに検証済みClaimsを設定する。
func SetClaims(c *gin.Context, claims *Claims) {
	c.Set(contextKeyClaims, claims)
}

// ClaimsFrom はGinコンテキストからClaimsを取得する。匿名の場合はnilを返す。
func ClaimsFrom(c *gin.Context) *Claims {
	v, ok := c.Get(contextKeyClaims)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 匿名リクエストの場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	if claims := ClaimsFrom(c); claims != nil {
		return claims.UserID
	}
	return ""
}

// ForwardUserID は転送先に渡すX-User-IDヘッダーを検証済みClaimsから設定し直す。
// クライアントが送ったX-User-IDは信用せずに削除する。
func ForwardUserID(c *gin.Context) {
	c.Request.Header.Del(headerKeyUserID)
	if userID := GetUserID(c); userID != "" {
		c.Request.Header.Set(headerKeyUserID, userID)
	}
}
