package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("JSON形式でフィールドが出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger, err := newLogger("info", "json", zapcore.AddSync(&buf))
		if err != nil {
			t.Fatalf("newLogger()でエラーが発生: %v", err)
		}

		logger.Info("request", zap.String("method", "GET"), zap.Int("status", 200))

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("ログがJSONではない: %v: %s", err, buf.String())
		}
		if entry["message"] != "request" {
			t.Errorf("message = %v, want %q", entry["message"], "request")
		}
		if entry["level"] != "info" {
			t.Errorf("level = %v, want %q", entry["level"], "info")
		}
		if entry["method"] != "GET" {
			t.Errorf("method = %v, want %q", entry["method"], "GET")
		}
	})

	t.Run("指定したレベル未満のログは出力されないこと", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger, err := newLogger("warn", "console", zapcore.AddSync(&buf))
		if err != nil {
			t.Fatalf("newLogger()でエラーが発生: %v", err)
		}

		logger.Info("hidden")
		logger.Warn("shown")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("infoログが出力された: %s", out)
		}
		if !strings.Contains(out, "shown") || !strings.Contains(out, "WARN") {
			t.Errorf("warnログが出力されていない: %s", out)
		}
	})

	t.Run("不正なレベルと形式はエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := New("verbose", "json"); err == nil {
			t.Error("不正なレベルでエラーが返るべき")
		}
		if _, err := New("info", "xml"); err == nil {
			t.Error("不正な形式でエラーが返るべき")
		}
	})
}
