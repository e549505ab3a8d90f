package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envMap は環境変数の代わりに使うマップ。
func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// writeFile はテスト用のファイルを一時ディレクトリに書き出す。
func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// noEnvFile は空の.envファイルのパスを返す。
func noEnvFile(t *testing.T) string {
	t.Helper()
	return writeFile(t, ".env", "")
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("環境変数からデフォルト値付きで読み込めること", func(t *testing.T) {
		t.Parallel()

		cfg, err := Load(Options{
			EnvFile: noEnvFile(t),
			LookupEnv: envMap(map[string]string{
				"JWT_SECRET":            "secret",
				"USER_SERVICE_URL":      "http://user:3001",
				"WATCHLIST_SERVICE_URL": "http://watchlist:3003",
				"REVIEW_SERVICE_URL":    "http://review:3002",
			}),
		})
		require.NoError(t, err)

		assert.Equal(t, DefaultPort, cfg.Port)
		assert.Equal(t, "secret", cfg.JWTSecret)
		assert.Equal(t, time.Hour, cfg.RateLimit.Window)
		assert.Equal(t, int64(200), cfg.RateLimit.Max)
		assert.Equal(t, 30*time.Second, cfg.UpstreamTimeout)
		assert.Equal(t, int64(10<<20), cfg.UpstreamMaxBodySize)
		assert.True(t, cfg.JWTRequireExp)
		assert.Equal(t, DefaultCORSOrigins, cfg.CORSAllowedOrigins)
		assert.Equal(t, ":3000", cfg.Addr())
		assert.Equal(t, ":9090", cfg.MetricsAddr())
		assert.Empty(t, cfg.Warnings)

		table, err := cfg.RouteTable()
		require.NoError(t, err)
		entry, rest, err := table.Resolve("/watchlist/test")
		require.NoError(t, err)
		assert.Equal(t, "http://watchlist:3003", entry.Upstream.String())
		assert.Equal(t, "/test", rest)
	})

	t.Run("JWT_SECRETがなければエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Load(Options{EnvFile: noEnvFile(t), LookupEnv: envMap(nil)})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("未設定のサービスURLは警告されること", func(t *testing.T) {
		t.Parallel()

		cfg, err := Load(Options{
			EnvFile:   noEnvFile(t),
			LookupEnv: envMap(map[string]string{"JWT_SECRET": "s", "USER_SERVICE_URL": "http://user"}),
		})
		require.NoError(t, err)
		assert.Len(t, cfg.Warnings, 2)

		table, err := cfg.RouteTable()
		require.NoError(t, err)
		assert.Len(t, table.Entries(), 1)
	})

	t.Run("環境変数で各値を上書きできること", func(t *testing.T) {
		t.Parallel()

		cfg, err := Load(Options{
			EnvFile: noEnvFile(t),
			LookupEnv: envMap(map[string]string{
				"JWT_SECRET":                  "s",
				"PORT":                        "8080",
				"CORS_ALLOWED_ORIGINS":        "https://a.example, https://b.example",
				"RATE_LIMIT_WINDOW":           "15m",
				"RATE_LIMIT_MAX":              "10",
				"RATE_LIMIT_REDIS_URL":        "redis://localhost:6379/0",
				"UPSTREAM_TIMEOUT":            "5s",
				"UPSTREAM_MAX_BODY_SIZE":      "1024",
				"JWT_REQUIRE_EXP":             "false",
				"TRUSTED_PROXIES":             "10.0.0.0/8",
				"METRICS_PORT":                "0",
				"OTEL_EXPORTER_OTLP_ENDPOINT": "otel:4317",
				"OTEL_INSECURE":               "true",
				"LOG_LEVEL":                   "debug",
				"ACCESS_LOG_FILE":             "/tmp/access.log",
			}),
		})
		require.NoError(t, err)

		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
		assert.Equal(t, 15*time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, int64(10), cfg.RateLimit.Max)
		assert.Equal(t, "redis://localhost:6379/0", cfg.RateLimit.RedisURL)
		assert.Equal(t, 5*time.Second, cfg.UpstreamTimeout)
		assert.Equal(t, int64(1024), cfg.UpstreamMaxBodySize)
		assert.False(t, cfg.JWTRequireExp)
		assert.Equal(t, []string{"10.0.0.0/8"}, cfg.TrustedProxies)
		assert.Equal(t, "", cfg.MetricsAddr())
		assert.Equal(t, TracingConfig{Endpoint: "otel:4317", Insecure: true}, cfg.Tracing)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "/tmp/access.log", cfg.AccessLogFile)
	})

	t.Run("数値でないPORTはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Load(Options{
			EnvFile:   noEnvFile(t),
			LookupEnv: envMap(map[string]string{"JWT_SECRET": "s", "PORT": "abc"}),
		})
		assert.ErrorIs(t, err, ErrInvalid)
	})

	t.Run("YAMLファイルを環境変数とフラグが上書きすること", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "gateway.yaml", `
port: 4000
jwt_secret: from-file
routes:
  - prefix: /user
    url: http://file-user:3001
  - prefix: /movies
    url: http://movies:4000
allow_list:
  - /health
  - /movies/*
  - "~^/user/(login|signup)$"
rate_limit:
  window: 30m
  max: 50
upstream_timeout: 10s
log_level: warn
`)
		cfg, err := Load(Options{
			ConfigPath: path,
			EnvFile:    noEnvFile(t),
			LookupEnv: envMap(map[string]string{
				"USER_SERVICE_URL": "http://env-user:3001",
				"PORT":             "5000",
			}),
			Port: 6000,
		})
		require.NoError(t, err)

		assert.Equal(t, 6000, cfg.Port)
		assert.Equal(t, "from-file", cfg.JWTSecret)
		assert.Equal(t, 30*time.Minute, cfg.RateLimit.Window)
		assert.Equal(t, int64(50), cfg.RateLimit.Max)
		assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout)
		assert.Equal(t, "warn", cfg.LogLevel)

		table, err := cfg.RouteTable()
		require.NoError(t, err)
		entry, _, err := table.Resolve("/user/1")
		require.NoError(t, err)
		assert.Equal(t, "http://env-user:3001", entry.Upstream.String())
		_, _, err = table.Resolve("/movies/1")
		assert.NoError(t, err)

		allow, err := cfg.AllowListMatchers()
		require.NoError(t, err)
		assert.True(t, allow.Allows("/movies/top"))
		assert.True(t, allow.Allows("/user/login"))
		assert.False(t, allow.Allows("/user/login/x"))
	})

	t.Run("GATEWAY_CONFIGで設定ファイルを指定できること", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "gateway.yaml", "jwt_secret: via-env\n")
		cfg, err := Load(Options{
			EnvFile:   noEnvFile(t),
			LookupEnv: envMap(map[string]string{"GATEWAY_CONFIG": path}),
		})
		require.NoError(t, err)
		assert.Equal(t, "via-env", cfg.JWTSecret)
	})

	t.Run(".envファイルの値より環境変数が優先されること", func(t *testing.T) {
		t.Parallel()

		envFile := writeFile(t, ".env", "JWT_SECRET=from-dotenv\nPORT=7000\n")
		cfg, err := Load(Options{
			EnvFile:   envFile,
			LookupEnv: envMap(map[string]string{"PORT": "7100"}),
		})
		require.NoError(t, err)
		assert.Equal(t, "from-dotenv", cfg.JWTSecret)
		assert.Equal(t, 7100, cfg.Port)
	})

	t.Run("明示した.envファイルがなければエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := Load(Options{
			EnvFile:   filepath.Join(t.TempDir(), "missing.env"),
			LookupEnv: envMap(map[string]string{"JWT_SECRET": "s"}),
		})
		assert.Error(t, err)
	})

	t.Run("設定ファイルが壊れていればエラーになること", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "broken.yaml", "port: [1, 2\n")
		_, err := Load(Options{ConfigPath: path, EnvFile: noEnvFile(t), LookupEnv: envMap(map[string]string{"JWT_SECRET": "s"})})
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() *Config {
		cfg := Default()
		cfg.JWTSecret = "s"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "ポートが範囲外", mutate: func(c *Config) { c.Port = 70000 }},
		{name: "メトリクスポートが待ち受けポートと同じ", mutate: func(c *Config) { c.MetricsPort = c.Port }},
		{name: "窓が0", mutate: func(c *Config) { c.RateLimit.Window = 0 }},
		{name: "上限が0", mutate: func(c *Config) { c.RateLimit.Max = 0 }},
		{name: "タイムアウトが0", mutate: func(c *Config) { c.UpstreamTimeout = 0 }},
		{name: "上流レスポンスの上限が0", mutate: func(c *Config) { c.UpstreamMaxBodySize = 0 }},
		{name: "不明なログレベル", mutate: func(c *Config) { c.LogLevel = "verbose" }},
		{name: "上流URLが不正", mutate: func(c *Config) { c.Routes = []RouteConfig{{Prefix: "/user", URL: "ftp://user"}} }},
		{name: "プレフィックスが重複", mutate: func(c *Config) {
			c.Routes = []RouteConfig{{Prefix: "/user", URL: "http://a"}, {Prefix: "/user/", URL: "http://b"}}
		}},
		{name: "許可リストの正規表現が不正", mutate: func(c *Config) { c.AllowList = []string{"~("} }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.ErrorIs(t, err, ErrInvalid)
}
