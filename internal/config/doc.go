// Package config はゲートウェイの設定を読み込む。
//
// 設定値は次の順に上書きされる。
//
//  1. 組み込みの既定値
//  2. GATEWAY_CONFIG で指定したYAMLファイル
//  3. カレントディレクトリの .env ファイル
//  4. プロセスの環境変数
package config
