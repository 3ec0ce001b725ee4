package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrNoRoute はリクエストパスに一致するルートが存在しないことを表す。
var ErrNoRoute = errors.New("ルートが見つかりません")

// Route はパス接頭辞と転送先バックエンドの対応。
type Route struct {
	// Name はバックエンドの名前（例: "books"）。ヘルスチェックやメトリクスのラベルに使う。
	Name string
	// Prefix は一致判定に使うパス接頭辞（例: "/api/v1/books"）。
	Prefix string
	// Target は転送先のベースURL。
	Target *url.URL
	// RequireAuth が true の場合、認証済みでないリクエストを401で拒否する。
	RequireAuth bool
}

// ParseRoute は文字列のURLからRouteを生成して検証する。
func ParseRoute(name, prefix, rawURL string, requireAuth bool) (Route, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return Route{}, fmt.Errorf("ルート %q のURLが不正です: %w", name, err)
	}
	r := Route{
		Name:        name,
		Prefix:      prefix,
		Target:      target,
		RequireAuth: requireAuth,
	}
	if err := r.validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

func (r Route) validate() error {
	if r.Name == "" {
		return errors.New("ルート名が空です")
	}
	if !strings.HasPrefix(r.Prefix, "/") {
		return fmt.Errorf("ルート %q の接頭辞は/で始まる必要があります: %q", r.Name, r.Prefix)
	}
	if r.Target == nil {
		return fmt.Errorf("ルート %q の転送先がありません", r.Name)
	}
	if r.Target.Scheme != "http" && r.Target.Scheme != "https" {
		return fmt.Errorf("ルート %q の転送先はhttpまたはhttpsである必要があります: %q", r.Name, r.Target.String())
	}
	if r.Target.Host == "" {
		return fmt.Errorf("ルート %q の転送先にホストがありません: %q", r.Name, r.Target.String())
	}
	return nil
}

// RouteTable は順序付きのルート一覧。生成後は変更されない。
type RouteTable struct {
	routes []Route
}

// NewRouteTable はルートを検証してRouteTableを生成する。
// ルート名は一意である必要がある。接頭辞の重複は検出しない（先に定義したものが優先される）。
func NewRouteTable(routes []Route) (*RouteTable, error) {
	seen := make(map[string]struct{}, len(routes))
	copied := make([]Route, 0, len(routes))
	for _, r := range routes {
		if err := r.validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("ルート名が重複しています: %q", r.Name)
		}
		seen[r.Name] = struct{}{}
		copied = append(copied, r)
	}
	return &RouteTable{routes: copied}, nil
}

// Match はパスが接頭辞に一致する最初のルートを返す。
// 一致判定は単純な文字列の前方一致で、パターンマッチは行わない。
func (t *RouteTable) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes は定義順のルート一覧のコピーを返す。
func (t *RouteTable) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}
