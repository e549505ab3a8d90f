package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/nao1215/apigateway/internal/accesslog"
	"github.com/nao1215/apigateway/internal/auth"
	"github.com/nao1215/apigateway/internal/config"
	"github.com/nao1215/apigateway/internal/dispatch"
	"github.com/nao1215/apigateway/internal/metrics"
	"github.com/nao1215/apigateway/internal/pipeline"
	"github.com/nao1215/apigateway/internal/ratelimit"
	"github.com/nao1215/apigateway/pkg/httpclient"
	"github.com/nao1215/apigateway/pkg/middleware"
)

// ShutdownTimeout は停止時に処理中のリクエストを待つ時間。
const ShutdownTimeout = 10 * time.Second

// Server はAPI GatewayのHTTPサーバー。
type Server struct {
	// cfg はサーバーの設定。
	cfg *config.Config
	// logger はサーバーのロガー。
	logger *slog.Logger
	// router はGinのHTTPルーター。
	router *gin.Engine
	// handler はトレースコンテキストを取り出してrouterへ渡すハンドラ。
	handler http.Handler
	// proxy は上流サービスへ転送するパイプライン。
	proxy *pipeline.Pipeline
	// health はヘルスチェック用のパイプライン。
	health *pipeline.Pipeline
	// metrics はメトリクス。
	metrics *metrics.Metrics
	// closers は停止時に閉じるリソース。
	closers []io.Closer
}

// options はNewServerの任意設定。
type options struct {
	logger    *slog.Logger
	accessLog io.Writer
	uaParser  accesslog.Parser
	clock     ratelimit.Clock
	store     ratelimit.Store
	metrics   *metrics.Metrics
	client    dispatch.Doer
	tracer    trace.TracerProvider
}

// Option はServerの設定を変更する。
type Option func(*options)

// WithLogger はサーバーのロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithAccessLog はアクセスログの書き込み先とクライアント情報の解析器を設定する。
func WithAccessLog(w io.Writer, p accesslog.Parser) Option {
	return func(o *options) {
		o.accessLog = w
		o.uaParser = p
	}
}

// WithClock はレート制限に使う時計を設定する。
func WithClock(c ratelimit.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRateLimitStore はレート制限のカウンタの保存先を設定する。
func WithRateLimitStore(s ratelimit.Store) Option {
	return func(o *options) { o.store = s }
}

// WithMetrics はメトリクスを設定する。
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithHTTPClient は上流呼び出しに使うクライアントを設定する。
func WithHTTPClient(c dispatch.Doer) Option {
	return func(o *options) { o.client = c }
}

// WithTracerProvider はスパンの生成に使うTracerProviderを設定する。
// 未設定の場合はグローバルのTracerProviderを使う。
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracer = tp }
}

// NewServer は設定から新しいGatewayサーバーを生成する。
func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.metrics == nil {
		o.metrics = metrics.New()
	}

	s := &Server{cfg: cfg, logger: o.logger, metrics: o.metrics}

	routes, err := cfg.RouteTable()
	if err != nil {
		return nil, fmt.Errorf("ルートテーブルの構築に失敗: %w", err)
	}
	allow, err := cfg.AllowListMatchers()
	if err != nil {
		return nil, fmt.Errorf("許可リストの構築に失敗: %w", err)
	}
	var verifyOpts []auth.VerifierOption
	if cfg.JWTRequireExp {
		verifyOpts = append(verifyOpts, auth.WithExpirationRequired())
	}
	verifier, err := auth.NewVerifier(cfg.JWTSecret, 0, verifyOpts...)
	if err != nil {
		return nil, fmt.Errorf("トークン検証器の生成に失敗: %w", err)
	}

	store := o.store
	if store == nil && cfg.RateLimit.RedisURL != "" {
		rs, err := ratelimit.NewRedisStore(ctx, cfg.RateLimit.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rs)
		store = rs
	}
	limiter := ratelimit.New(cfg.RateLimiterConfig(), store, o.clock)

	accessOut := o.accessLog
	if accessOut == nil && cfg.AccessLogFile != "" {
		f, err := os.OpenFile(cfg.AccessLogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("アクセスログファイルのオープンに失敗: %w", err)
		}
		s.closers = append(s.closers, f)
		accessOut = f
	}
	parser := o.uaParser
	if parser == nil {
		parser = accesslog.NewUAParser()
	}
	recorder := accesslog.NewRecorder(accessOut, parser)

	client := o.client
	if client == nil {
		clientOpts := []httpclient.Option{httpclient.WithMaxBodySize(cfg.UpstreamMaxBodySize)}
		if o.tracer != nil {
			clientOpts = append(clientOpts, httpclient.WithTracerProvider(o.tracer))
		}
		client = httpclient.New(cfg.UpstreamTimeout, clientOpts...)
	}
	dispatcher := dispatch.New(routes, client, dispatch.WithUpstreamObserver(o.metrics))

	front := []pipeline.Stage{
		&corsStage{policy: middleware.NewCORSPolicy(cfg.CORSAllowedOrigins)},
		&rateLimitStage{limiter: limiter, logger: o.logger},
		&authStage{gate: auth.NewGate(allow, verifier)},
		&accessLogStage{recorder: recorder},
	}
	s.proxy = pipeline.New(o.logger, append(front[:len(front):len(front)], dispatcher), pipeline.WithObserver(o.metrics))
	s.health = pipeline.New(o.logger, append(front[:len(front):len(front)], healthStage{}), pipeline.WithObserver(o.metrics))

	router, err := s.newRouter()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.router = router

	otelOpts := []otelhttp.Option{otelhttp.WithPropagators(httpclient.Propagator())}
	if o.tracer != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(o.tracer))
	}
	s.handler = otelhttp.NewHandler(router, "gateway", otelOpts...)

	for _, e := range routes.Entries() {
		o.logger.Info("route registered", slog.String("prefix", e.Prefix), slog.String("upstream", e.Upstream.String()))
	}
	return s, nil
}

// newRouter はGinのルーターを構築する。
func (s *Server) newRouter() (*gin.Engine, error) {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	if err := router.SetTrustedProxies(s.cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("信頼済みプロキシの設定に失敗: %w", err)
	}

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(s.logger))

	router.GET("/health", s.handle(s.health))
	router.HEAD("/health", s.handle(s.health))
	// 登録済みルート以外はすべて転送パイプラインへ
	router.NoRoute(s.handle(s.proxy))
	return router, nil
}

// handle はパイプラインを実行するハンドラを返す。
func (s *Server) handle(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		done := s.metrics.TrackInFlight()
		defer done()

		req := &pipeline.Request{
			Method:        c.Request.Method,
			Path:          c.Request.URL.EscapedPath(),
			RawQuery:      c.Request.URL.RawQuery,
			Scheme:        scheme(c.Request),
			Header:        c.Request.Header,
			Body:          c.Request.Body,
			ContentLength: c.Request.ContentLength,
			ClientAddr:    c.ClientIP(),
			RequestID:     middleware.GetRequestID(c),
		}
		resp := p.Run(c.Request.Context(), req)
		write(c, resp)
	}
}

// write はパイプラインのレスポンスをクライアントへ書き込む。
func write(c *gin.Context, resp *pipeline.Response) {
	h := c.Writer.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	c.Status(resp.Status)
	if len(resp.Body) > 0 && bodyAllowed(c.Request.Method, resp.Status) {
		_, _ = c.Writer.Write(resp.Body)
	} else {
		c.Writer.WriteHeaderNow()
	}
}

// bodyAllowed はレスポンスにボディを書き込めるかを返す。
func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status != http.StatusNoContent && status != http.StatusNotModified && status >= 200
}

// scheme はクライアントが使用したスキームを返す。
func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされると停止する。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%s のリッスンに失敗: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnで待ち受けを開始し、ctxがキャンセルされると処理中のリクエストを待って停止する。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer s.Close()

	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var metricsSrv *metrics.Server
	errCh := make(chan error, 2)
	if addr := s.cfg.MetricsAddr(); addr != "" {
		metricsSrv = metrics.NewServer(addr, s.metrics)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil {
				errCh <- err
			}
		}()
		s.logger.Info("metrics server started", slog.String("addr", addr))
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
	}()
	s.logger.Info("API Gateway started", slog.String("addr", ln.Addr().String()))

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("HTTPサーバーの停止に失敗: %w", err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			runErr = errors.Join(runErr, fmt.Errorf("メトリクスサーバーの停止に失敗: %w", err))
		}
	}
	return runErr
}

// Close はサーバーが保持するリソースを閉じる。
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
