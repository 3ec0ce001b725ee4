// 開発用のBearerトークンを発行するコマンド。
// 認証サービスと同じ形式・同じシークレットで署名するため、ゲートウェイの動作確認に使える。
//
//	SECRET_KEY=supersecret go run ./cmd/devtoken -sub alice -user-id 42 -admin
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nao1215/bookhub/internal/config"
	"github.com/nao1215/bookhub/pkg/middleware"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "devtoken: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("devtoken", flag.ContinueOnError)
	sub := fs.String("sub", "dev", "トークンの主体（ユーザー名）")
	userID := fs.String("user-id", "", "ユーザーID（必須）")
	admin := fs.Bool("admin", false, "管理者として発行する")
	ttl := fs.Duration("ttl", time.Hour, "有効期間")
	secret := fs.String("secret", "", "署名用シークレット。省略時はSECRET_KEY")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("-user-id を指定してください")
	}

	key, alg := *secret, ""
	if key == "" {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		key, alg = cfg.Auth.SecretKey, cfg.Auth.Algorithm
	}

	token, err := middleware.GenerateJWT(key, middleware.TokenParams{
		Subject:   *sub,
		UserID:    *userID,
		IsAdmin:   *admin,
		TTL:       *ttl,
		Algorithm: alg,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
