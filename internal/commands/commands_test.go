package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hilo-trend-engine/internal/auth"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		configPath, barsPath, verbose = "", "", false
		rearmTimeframe, rearmStage = "1d", "flip"
		rootCmd.SetArgs(nil)
	})
	err := Execute()
	return out.String(), err
}

func TestConfigSampleThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hilo.yaml")

	out, err := execute(t, "config", "sample", path)
	if err != nil {
		t.Fatalf("Expected sample to be written, got %v", err)
	}
	if !strings.Contains(out, path) {
		t.Errorf("Expected output to name %s, got %q", path, out)
	}

	out, err = execute(t, "config", "validate", "--config", path)
	if err != nil {
		t.Fatalf("Expected sample to validate, got %v", err)
	}
	if !strings.Contains(out, "Configuration valid") {
		t.Errorf("Expected validation message, got %q", out)
	}
}

func TestTokenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "engine:\n  assets: [BTCUSDT]\nauth:\n  enabled: true\n  jwt_secret: 0123456789abcdef0123456789abcdef\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := execute(t, "token", "--config", path, "--operator", "alice", "--role", auth.RoleOperator)
	if err != nil {
		t.Fatalf("Expected token, got %v", err)
	}

	var resp auth.TokenResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("Expected JSON token response, got %q", out)
	}
	if resp.AccessToken == "" {
		t.Error("Expected access token")
	}
}

func TestRearmRejectsBadFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad time", []string{"rearm", "--asset", "BTCUSDT", "--flip-time", "yesterday"}},
		{"bad timeframe", []string{"rearm", "--asset", "BTCUSDT", "--flip-time", "2024-03-01T00:00:00Z", "--timeframe", "2d"}},
		{"bad stage", []string{"rearm", "--asset", "BTCUSDT", "--flip-time", "2024-03-01T00:00:00Z", "--stage", "exit"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := execute(t, tt.args...); err == nil {
				t.Error("Expected flag validation error")
			}
		})
	}
}
