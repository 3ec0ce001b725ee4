package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nao1215/bookhub/pkg/proxy"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	Server    ServerConfig      `koanf:"server"`
	Auth      AuthConfig        `koanf:"auth"`
	Services  map[string]string `koanf:"services"`
	Routes    []RouteConfig     `koanf:"routes"`
	Redis     RedisConfig       `koanf:"redis"`
	RateLimit RateLimitConfig   `koanf:"rate_limit"`
	Upstream  UpstreamConfig    `koanf:"upstream"`
	Health    HealthConfig      `koanf:"health"`
	CORS      CORSConfig        `koanf:"cors"`
	Log       LogConfig         `koanf:"log"`
	Tracing   TracingConfig     `koanf:"tracing"`
}

// ServerConfig はHTTPサーバーの設定。
type ServerConfig struct {
	Port            string        `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AuthConfig はBearerトークン検証の設定。
type AuthConfig struct {
	SecretKey string        `koanf:"secret_key"`
	Algorithm string        `koanf:"algorithm"`
	Leeway    time.Duration `koanf:"leeway"`
}

// RouteConfig はYAMLで定義するルート。
type RouteConfig struct {
	Name        string `koanf:"name"`
	Prefix      string `koanf:"prefix"`
	URL         string `koanf:"url"`
	RequireAuth bool   `koanf:"require_auth"`
}

// RedisConfig はレート制限カウンタを置くRedisの設定。
type RedisConfig struct {
	URL string `koanf:"url"`
	// UseFake が true の場合、プロセス内に組み込みのRedis互換サーバーを起動して使う。
	UseFake bool `koanf:"use_fake"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	Admin     int64         `koanf:"admin"`
	User      int64         `koanf:"user"`
	Anonymous int64         `koanf:"anonymous"`
	Window    time.Duration `koanf:"window"`
	FailOpen  bool          `koanf:"fail_open"`
	Timeout   time.Duration `koanf:"timeout"`
	KeyPrefix string        `koanf:"key_prefix"`
}

// UpstreamConfig はバックエンド転送の設定。
type UpstreamConfig struct {
	Timeout            time.Duration `koanf:"timeout"`
	DialTimeout        time.Duration `koanf:"dial_timeout"`
	BreakerFailures    uint32        `koanf:"breaker_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`
}

// HealthConfig はヘルスチェックの設定。
type HealthConfig struct {
	// ProbeInterval はバックエンドを能動的に確認する間隔。0の場合は確認しない。
	ProbeInterval time.Duration `koanf:"probe_interval"`
	ProbePath     string        `koanf:"probe_path"`
}

// CORSConfig はCORSの設定。
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TracingConfig はトレース出力の設定。
type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// envKeys は環境変数名と設定キーの対応。ここに無い環境変数は読み込まない。
var envKeys = map[string]string{
	"PORT":                  "server.port",
	"SHUTDOWN_TIMEOUT":      "server.shutdown_timeout",
	"SECRET_KEY":            "auth.secret_key",
	"ALGORITHM":             "auth.algorithm",
	"TOKEN_LEEWAY":          "auth.leeway",
	"AUTH_SERVICE":          "services.auth",
	"BOOK_SERVICE":          "services.books",
	"ORDER_SERVICE":         "services.orders",
	"REVIEW_SERVICE":        "services.reviews",
	"REDIS_URL":             "redis.url",
	"USE_FAKEREDIS":         "redis.use_fake",
	"RATE_LIMIT_ADMIN":      "rate_limit.admin",
	"RATE_LIMIT_USER":       "rate_limit.user",
	"RATE_LIMIT_ANONYMOUS":  "rate_limit.anonymous",
	"RATE_LIMIT_WINDOW":     "rate_limit.window",
	"RATE_LIMIT_FAIL_OPEN":  "rate_limit.fail_open",
	"RATE_LIMIT_TIMEOUT":    "rate_limit.timeout",
	"RATE_LIMIT_KEY_PREFIX": "rate_limit.key_prefix",
	"UPSTREAM_TIMEOUT":      "upstream.timeout",
	"UPSTREAM_DIAL_TIMEOUT": "upstream.dial_timeout",
	"BREAKER_FAILURES":      "upstream.breaker_failures",
	"BREAKER_OPEN_TIMEOUT":  "upstream.breaker_open_timeout",
	"HEALTH_PROBE_INTERVAL": "health.probe_interval",
	"HEALTH_PROBE_PATH":     "health.probe_path",
	"CORS_ALLOWED_ORIGINS":  "cors.allowed_origins",
	"LOG_LEVEL":             "log.level",
	"LOG_FORMAT":            "log.format",
	"TRACING_ENABLED":       "tracing.enabled",
}

// listKeys はカンマ区切りで複数の値を受け取る設定キー。
var listKeys = map[string]bool{
	"cors.allowed_origins": true,
}

// defaultServices は各バックエンドの既定URL。docker composeのサービス名に合わせている。
var defaultServices = map[string]string{
	"auth":    "http://auth_service:8001",
	"books":   "http://book_service:8002",
	"orders":  "http://orders_service:8003",
	"reviews": "http://reviews_service:8004",
}

// defaultRoutes は既定のルート定義。URLはservicesから引く。
var defaultRoutes = []struct {
	name   string
	prefix string
}{
	{name: "auth", prefix: "/api/v1/auth"},
	{name: "books", prefix: "/api/v1/books"},
	{name: "orders", prefix: "/api/v1/orders"},
	{name: "reviews", prefix: "/api/v1/reviews"},
}

// defaults は組み込みの既定値。
func defaults() map[string]any {
	m := map[string]any{
		"server.port":                   "8000",
		"server.shutdown_timeout":       10 * time.Second,
		"auth.secret_key":               "supersecret",
		"auth.algorithm":                "HS256",
		"auth.leeway":                   time.Duration(0),
		"redis.url":                     "redis://redis:6379/0",
		"redis.use_fake":                true,
		"rate_limit.admin":              int64(500),
		"rate_limit.user":               int64(100),
		"rate_limit.anonymous":          int64(20),
		"rate_limit.window":             time.Minute,
		"rate_limit.fail_open":          false,
		"rate_limit.timeout":            500 * time.Millisecond,
		"rate_limit.key_prefix":         "",
		"upstream.timeout":              30 * time.Second,
		"upstream.dial_timeout":         5 * time.Second,
		"upstream.breaker_failures":     uint32(5),
		"upstream.breaker_open_timeout": 30 * time.Second,
		"health.probe_interval":         15 * time.Second,
		"health.probe_path":             "/",
		"cors.allowed_origins":          []string{"*"},
		"log.level":                     "info",
		"log.format":                    "json",
		"tracing.enabled":               false,
	}
	for name, url := range defaultServices {
		m["services."+name] = url
	}
	return m
}

// Source は設定の読み込み元。
type Source struct {
	// ConfigFile はYAML設定ファイルのパス。空の場合は読み込まない。
	ConfigFile string
	// EnvFile は.envファイルのパス。ファイルが存在しない場合は無視する。
	EnvFile string
	// SkipProcessEnv が true の場合、プロセスの環境変数を読み込まない。
	SkipProcessEnv bool
}

// Load は既定の読み込み元から設定を読み込む。
func Load() (*Config, error) {
	return LoadFrom(Source{
		ConfigFile: os.Getenv("GATEWAY_CONFIG"),
		EnvFile:    ".env",
	})
}

// LoadFrom は指定した読み込み元から設定を読み込み、検証する。
func LoadFrom(src Source) (*Config, error) {
	k := koanf.New(".")

	for key, v := range defaults() {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("既定値の設定に失敗: %w", err)
		}
	}

	if src.ConfigFile != "" {
		if err := k.Load(file.Provider(src.ConfigFile), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %s: %w", src.ConfigFile, err)
		}
	}

	if src.EnvFile != "" {
		vars, err := godotenv.Read(src.EnvFile)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf(".envファイルの読み込みに失敗: %s: %w", src.EnvFile, err)
		default:
			if err := k.Load(dotenvProvider(vars), nil); err != nil {
				return nil, fmt.Errorf(".envファイルの反映に失敗: %w", err)
			}
		}
	}

	if !src.SkipProcessEnv {
		if err := k.Load(env.ProviderWithValue("", ".", mapEnv), nil); err != nil {
			return nil, fmt.Errorf("環境変数の読み込みに失敗: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("設定の展開に失敗: %w", err)
	}
	if len(cfg.Routes) == 0 {
		cfg.Routes = cfg.defaultRoutes()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mapEnv は環境変数を設定キーに変換する。対応表に無い変数は空のキーを返して読み飛ばす。
func mapEnv(name, value string) (string, any) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	if listKeys[key] {
		return key, splitList(value)
	}
	return key, value
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// dotenvProvider は.envファイルの内容を設定キーへ変換するkoanf.Provider。
type dotenvProvider map[string]string

// ReadBytes は対応していない。
func (p dotenvProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New(".envプロバイダはReadBytesに対応していません")
}

// Read は対応表にある変数だけをネストしたマップとして返す。
func (p dotenvProvider) Read() (map[string]any, error) {
	flat := make(map[string]any, len(p))
	for name, value := range p {
		if key, v := mapEnv(name, value); key != "" {
			flat[key] = v
		}
	}
	return unflatten(flat), nil
}

// unflatten は "a.b" 形式のキーをネストしたマップに展開する。
func unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for key, v := range flat {
		parts := strings.Split(key, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = v
	}
	return out
}

// defaultRoutes はservicesのURLから既定のルートを組み立てる。
func (c *Config) defaultRoutes() []RouteConfig {
	routes := make([]RouteConfig, 0, len(defaultRoutes))
	for _, r := range defaultRoutes {
		routes = append(routes, RouteConfig{
			Name:   r.name,
			Prefix: r.prefix,
			URL:    c.Services[r.name],
		})
	}
	return routes
}

// ProxyRoutes はルート設定をproxy.Routeに変換する。
func (c *Config) ProxyRoutes() ([]proxy.Route, error) {
	routes := make([]proxy.Route, 0, len(c.Routes))
	for _, rc := range c.Routes {
		r, err := proxy.ParseRoute(rc.Name, rc.Prefix, rc.URL, rc.RequireAuth)
		if err != nil {
			return nil, err
		}
		routes = append(routes, r)
	}
	return routes, nil
}

// Validate は設定値を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORTが空です"))
	}
	if c.Auth.SecretKey == "" {
		errs = append(errs, errors.New("SECRET_KEYが空です"))
	}
	if _, ok := jwt.GetSigningMethod(c.Auth.Algorithm).(*jwt.SigningMethodHMAC); !ok {
		errs = append(errs, fmt.Errorf("ALGORITHMはHS256/HS384/HS512のいずれかである必要があります: %q", c.Auth.Algorithm))
	}
	if c.RateLimit.Admin < 1 || c.RateLimit.User < 1 || c.RateLimit.Anonymous < 1 {
		errs = append(errs, errors.New("レート制限の上限は1以上である必要があります"))
	}
	if c.RateLimit.Window < time.Millisecond {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WINDOWは1ms以上である必要があります: %v", c.RateLimit.Window))
	}
	if c.RateLimit.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_TIMEOUTは正の値である必要があります: %v", c.RateLimit.Timeout))
	}
	if !c.Redis.UseFake && c.Redis.URL == "" {
		errs = append(errs, errors.New("USE_FAKEREDIS=false の場合はREDIS_URLが必要です"))
	}
	if c.Upstream.Timeout <= 0 || c.Upstream.DialTimeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUTとUPSTREAM_DIAL_TIMEOUTは正の値である必要があります"))
	}
	if c.Health.ProbeInterval < 0 {
		errs = append(errs, fmt.Errorf("HEALTH_PROBE_INTERVALは0以上である必要があります: %v", c.Health.ProbeInterval))
	}
	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("ルートが1つも定義されていません"))
	}
	if _, err := c.ProxyRoutes(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("設定が不正です: %w", errors.Join(errs...))
	}
	return nil
}
