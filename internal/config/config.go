// Package config はゲートウェイの設定を読み込む。
//
// 設定は デフォルト値 < YAMLファイル < 環境変数（.envを含む） < コマンドラインフラグ
// の順に上書きされる。起動後は読み取り専用として扱う。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nao1215/apigateway/internal/auth"
	"github.com/nao1215/apigateway/internal/ratelimit"
	"github.com/nao1215/apigateway/internal/route"
	"github.com/nao1215/apigateway/pkg/httpclient"
)

const (
	// DefaultPort は待ち受けポートのデフォルト値。
	DefaultPort = 3000
	// DefaultMetricsPort はメトリクスポートのデフォルト値。
	DefaultMetricsPort = 9090
	// DefaultEnvFile は読み込む.envファイルのデフォルトパス。
	DefaultEnvFile = ".env"
)

// ErrInvalid は設定値が不正であることを表す。
var ErrInvalid = errors.New("設定が不正です")

// serviceEnv はプレフィックスと上流URLを指定する環境変数の対応。
var serviceEnv = []struct {
	prefix string
	key    string
}{
	{prefix: "/user", key: "USER_SERVICE_URL"},
	{prefix: "/watchlist", key: "WATCHLIST_SERVICE_URL"},
	{prefix: "/review", key: "REVIEW_SERVICE_URL"},
}

// DefaultCORSOrigins はCORSで許可するデフォルトのオリジン。
var DefaultCORSOrigins = []string{
	"http://localhost:5173",
	"http://localhost:3001",
	"http://localhost:3003",
}

// RouteConfig はプレフィックスと上流サービスの対応。
type RouteConfig struct {
	Prefix string `yaml:"prefix"`
	URL    string `yaml:"url"`
}

// RateLimitConfig はレート制限の設定。
type RateLimitConfig struct {
	// Window はカウンタの窓の長さ。
	Window time.Duration `yaml:"window"`
	// Max は窓あたりの最大リクエスト数。
	Max int64 `yaml:"max"`
	// RedisURL が設定されている場合はカウンタをRedisに保存する。
	RedisURL string `yaml:"redis_url"`
}

// TracingConfig はトレースの設定。
type TracingConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Config はゲートウェイの設定。
type Config struct {
	// Port は待ち受けポート。
	Port int `yaml:"port"`
	// JWTSecret はHS256の署名鍵。必須。
	JWTSecret string `yaml:"jwt_secret"`
	// JWTRequireExp がtrueの場合はexpクレームのないトークンを拒否する。
	JWTRequireExp bool `yaml:"jwt_require_exp"`
	// Routes は上流サービスのルート。
	Routes []RouteConfig `yaml:"routes"`
	// AllowList は認証を省略するパスのパターン。空の場合はデフォルトを使う。
	AllowList []string `yaml:"allow_list"`
	// CORSAllowedOrigins はCORSで許可するオリジン。
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	// RateLimit はレート制限の設定。
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	// UpstreamTimeout は上流呼び出し1回あたりのタイムアウト。
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
	// UpstreamMaxBodySize は読み込む上流レスポンスボディの上限（バイト）。
	UpstreamMaxBodySize int64 `yaml:"upstream_max_body_size"`
	// TrustedProxies はクライアントアドレスの取得に使う信頼済みプロキシ。
	TrustedProxies []string `yaml:"trusted_proxies"`
	// MetricsPort はメトリクスの待ち受けポート。0で無効。
	MetricsPort int `yaml:"metrics_port"`
	// Tracing はトレースの設定。
	Tracing TracingConfig `yaml:"tracing"`
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string `yaml:"log_level"`
	// AccessLogFile が設定されている場合はアクセスログをファイルに追記する。
	AccessLogFile string `yaml:"access_log_file"`

	// Warnings は読み込み中に見つかった警告。
	Warnings []string `yaml:"-"`
}

// Default はデフォルト値で埋めた設定を返す。
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		JWTRequireExp:      true,
		CORSAllowedOrigins: append([]string(nil), DefaultCORSOrigins...),
		RateLimit: RateLimitConfig{
			Window: ratelimit.DefaultWindow,
			Max:    ratelimit.DefaultMax,
		},
		UpstreamTimeout:     httpclient.DefaultTimeout,
		UpstreamMaxBodySize: httpclient.DefaultMaxBodySize,
		MetricsPort:         DefaultMetricsPort,
		LogLevel:            "info",
	}
}

// Options は設定の読み込み方法を指定する。
type Options struct {
	// ConfigPath はYAML設定ファイルのパス。空の場合はGATEWAY_CONFIGを参照する。
	ConfigPath string
	// EnvFile は.envファイルのパス。デフォルトのパスが存在しない場合は無視する。
	EnvFile string
	// LookupEnv は環境変数の参照に使う関数。nilの場合は os.LookupEnv。
	LookupEnv func(string) (string, bool)
	// Port が0以外の場合は待ち受けポートを上書きする。
	Port int
	// LogLevel が空以外の場合はログレベルを上書きする。
	LogLevel string
}

// Load は設定を読み込み、検証して返す。
func Load(opts Options) (*Config, error) {
	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	dotenv, err := readEnvFile(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	// 既存の環境変数を.envより優先する
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	cfg := Default()

	path := opts.ConfigPath
	if path == "" {
		path, _ = env("GATEWAY_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if opts.Port != 0 {
		cfg.Port = opts.Port
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readEnvFile は.envファイルを読み込む。デフォルトのパスが存在しない場合は空を返す。
func readEnvFile(path string) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	values, err := godotenv.Read(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf(".envファイル %s の読み込みに失敗: %w", path, err)
	}
	return values, nil
}

// loadFile はYAML設定ファイルを読み込む。
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする。
func (c *Config) applyEnv(env func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := env(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("JWT_SECRET"); ok {
		c.JWTSecret = v
	}
	if v, ok := get("JWT_REQUIRE_EXP"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("JWT_REQUIRE_EXP=%q: %w", v, ErrInvalid)
		}
		c.JWTRequireExp = b
	}
	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT=%q: %w", v, ErrInvalid)
		}
		c.Port = port
	}

	for _, s := range serviceEnv {
		if v, ok := get(s.key); ok {
			c.setRoute(s.prefix, v)
		}
	}
	for _, s := range serviceEnv {
		if !c.hasRoute(s.prefix) {
			c.Warnings = append(c.Warnings, fmt.Sprintf("%s が未設定のため %s は登録されません", s.key, s.prefix))
		}
	}

	if v, ok := get("CORS_ALLOWED_ORIGINS"); ok {
		c.CORSAllowedOrigins = splitList(v)
	}
	if v, ok := get("RATE_LIMIT_WINDOW"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_WINDOW=%q: %w", v, ErrInvalid)
		}
		c.RateLimit.Window = d
	}
	if v, ok := get("RATE_LIMIT_MAX"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_MAX=%q: %w", v, ErrInvalid)
		}
		c.RateLimit.Max = n
	}
	if v, ok := get("RATE_LIMIT_REDIS_URL"); ok {
		c.RateLimit.RedisURL = v
	}
	if v, ok := get("UPSTREAM_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("UPSTREAM_TIMEOUT=%q: %w", v, ErrInvalid)
		}
		c.UpstreamTimeout = d
	}
	if v, ok := get("UPSTREAM_MAX_BODY_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("UPSTREAM_MAX_BODY_SIZE=%q: %w", v, ErrInvalid)
		}
		c.UpstreamMaxBodySize = n
	}
	if v, ok := get("TRUSTED_PROXIES"); ok {
		c.TrustedProxies = splitList(v)
	}
	if v, ok := get("METRICS_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("METRICS_PORT=%q: %w", v, ErrInvalid)
		}
		c.MetricsPort = port
	}
	if v, ok := get("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		c.Tracing.Endpoint = v
	}
	if v, ok := get("OTEL_INSECURE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OTEL_INSECURE=%q: %w", v, ErrInvalid)
		}
		c.Tracing.Insecure = b
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("ACCESS_LOG_FILE"); ok {
		c.AccessLogFile = v
	}
	return nil
}

// setRoute はプレフィックスの上流URLを設定する。既存のルートは置き換える。
func (c *Config) setRoute(prefix, url string) {
	for i := range c.Routes {
		if c.Routes[i].Prefix == prefix {
			c.Routes[i].URL = url
			return
		}
	}
	c.Routes = append(c.Routes, RouteConfig{Prefix: prefix, URL: url})
}

func (c *Config) hasRoute(prefix string) bool {
	for _, r := range c.Routes {
		if r.Prefix == prefix && r.URL != "" {
			return true
		}
	}
	return false
}

// Validate は設定値を検証する。
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET は必須です: %w", ErrInvalid))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("ポート %d は範囲外です: %w", c.Port, ErrInvalid))
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("メトリクスポート %d は範囲外です: %w", c.MetricsPort, ErrInvalid))
	}
	if c.MetricsPort != 0 && c.MetricsPort == c.Port {
		errs = append(errs, fmt.Errorf("メトリクスポートと待ち受けポートが同じです: %w", ErrInvalid))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, fmt.Errorf("レート制限の窓 %s は正の値である必要があります: %w", c.RateLimit.Window, ErrInvalid))
	}
	if c.RateLimit.Max <= 0 {
		errs = append(errs, fmt.Errorf("レート制限の上限 %d は正の値である必要があります: %w", c.RateLimit.Max, ErrInvalid))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("上流タイムアウト %s は正の値である必要があります: %w", c.UpstreamTimeout, ErrInvalid))
	}
	if c.UpstreamMaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("上流レスポンスの上限 %d は正の値である必要があります: %w", c.UpstreamMaxBodySize, ErrInvalid))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.RouteTable(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	if _, err := c.AllowListMatchers(); err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalid, err))
	}
	return errors.Join(errs...)
}

// RouteTable は設定されたルートからルートテーブルを生成する。URLが空のルートは登録しない。
func (c *Config) RouteTable() (*route.Table, error) {
	entries := make([]route.Entry, 0, len(c.Routes))
	for _, r := range c.Routes {
		if r.URL == "" {
			continue
		}
		e, err := route.NewEntry(r.Prefix, r.URL)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return route.NewTable(entries)
}

// AllowListMatchers は認証を省略するパスの一覧を返す。未設定の場合はデフォルトを返す。
func (c *Config) AllowListMatchers() (auth.AllowList, error) {
	if len(c.AllowList) == 0 {
		return auth.DefaultAllowList(), nil
	}
	return auth.ParseAllowList(c.AllowList)
}

// RateLimiterConfig はレートリミッタの設定を返す。
func (c *Config) RateLimiterConfig() ratelimit.Config {
	return ratelimit.Config{Window: c.RateLimit.Window, Max: c.RateLimit.Max}
}

// Addr は待ち受けアドレスを返す。
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// MetricsAddr はメトリクスの待ち受けアドレスを返す。無効な場合は空文字列。
func (c *Config) MetricsAddr() string {
	if c.MetricsPort == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.MetricsPort)
}

// ParseLevel はログレベル名をslog.Levelに変換する。
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("ログレベル %q は不明です: %w", s, ErrInvalid)
	}
}

// splitList はカンマ区切りの文字列を分割し、空要素を取り除く。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
